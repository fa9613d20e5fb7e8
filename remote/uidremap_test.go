package remote

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUIDRemap(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		uidValidity uint32
		pairs       map[imap.UID]imap.UID
	}{
		{
			name:        "bracketed response code",
			raw:         "OK [COPYUID 1234567 5,8:9 101:103] Done",
			uidValidity: 1234567,
			pairs:       map[imap.UID]imap.UID{5: 101, 8: 102, 9: 103},
		},
		{
			name:        "bare copyuid text",
			raw:         "COPYUID 99 1:3 11:13",
			uidValidity: 99,
			pairs:       map[imap.UID]imap.UID{1: 11, 2: 12, 3: 13},
		},
		{
			name:        "single message",
			raw:         "* OK [COPYUID 42 7 19] moved",
			uidValidity: 42,
			pairs:       map[imap.UID]imap.UID{7: 19},
		},
		{
			name: "no copyuid token",
			raw:  "OK MOVE completed",
		},
		{
			name: "mismatched counts",
			raw:  "OK [COPYUID 42 1:3 11:12] odd server",
		},
		{
			name: "garbage uidvalidity",
			raw:  "OK [COPYUID abc 1 2]",
		},
		{
			name: "truncated",
			raw:  "OK [COPYUID 42 1:3]",
		},
		{
			name: "zero uid",
			raw:  "OK [COPYUID 42 0 5]",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remap := ParseUIDRemap(tc.raw)
			if tc.pairs == nil {
				assert.Nil(t, remap)
				return
			}
			require.NotNil(t, remap)
			assert.Equal(t, tc.uidValidity, remap.UIDValidity)
			assert.Equal(t, tc.pairs, remap.Pairs)
		})
	}
}

func TestRemapFromSets(t *testing.T) {
	source := imap.UIDSet{}
	source.AddRange(10, 12)
	dest := imap.UIDSet{}
	dest.AddNum(101, 102, 103)

	remap, err := RemapFromSets(77, source, dest)
	require.NoError(t, err)
	require.NotNil(t, remap)
	assert.Equal(t, uint32(77), remap.UIDValidity)
	assert.Equal(t, map[imap.UID]imap.UID{10: 101, 11: 102, 12: 103}, remap.Pairs)
}

func TestRemapFromSetsMismatch(t *testing.T) {
	source := imap.UIDSet{}
	source.AddNum(1, 2)
	dest := imap.UIDSet{}
	dest.AddNum(9)

	remap, err := RemapFromSets(1, source, dest)
	require.NoError(t, err)
	assert.Nil(t, remap)
}

func TestRemapFromSetsOpenRange(t *testing.T) {
	source := imap.UIDSet{}
	source.AddRange(5, 0) // 5:* cannot be paired
	dest := imap.UIDSet{}
	dest.AddNum(9)

	remap, err := RemapFromSets(1, source, dest)
	require.NoError(t, err)
	assert.Nil(t, remap)
}
