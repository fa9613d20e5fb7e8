package db

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestFlagsToBitwise(t *testing.T) {
	flags := []imap.Flag{imap.FlagSeen, imap.FlagDeleted, imap.Flag("$Junk")}
	bitwise := FlagsToBitwise(flags)

	assert.Equal(t, FlagSeen|FlagDeleted, bitwise)
	assert.True(t, ContainsFlag(bitwise, FlagSeen))
	assert.False(t, ContainsFlag(bitwise, FlagAnswered))
}

func TestFlagToBitwiseCaseInsensitive(t *testing.T) {
	assert.Equal(t, FlagSeen, FlagToBitwise(imap.Flag("\\SEEN")))
	assert.Equal(t, 0, FlagToBitwise(imap.Flag("NotAFlag")))
}

func TestBitwiseToFlagsRoundTrip(t *testing.T) {
	original := FlagSeen | FlagAnswered | FlagDraft
	assert.Equal(t, original, FlagsToBitwise(BitwiseToFlags(original)))
}

func TestFlagStringFormatAndParse(t *testing.T) {
	flags := []imap.Flag{imap.FlagSeen, imap.FlagFlagged}

	s := FormatFlagString(flags)
	assert.Equal(t, "\\Seen \\Flagged", s)
	assert.Equal(t, flags, ParseFlagString(s))

	assert.Empty(t, FormatFlagString(nil))
	assert.Nil(t, ParseFlagString(""))
	assert.Nil(t, ParseFlagString("   "))
}
