package db

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// IMAP message flags as bitwise constants
const (
	FlagSeen     = 1 << iota // 1: 000001
	FlagAnswered             // 2: 000010
	FlagFlagged              // 4: 000100
	FlagDeleted              // 8: 001000
	FlagDraft                // 16: 010000
	FlagRecent               // 32: 100000
)

func ContainsFlag(flags int, flag int) bool {
	return flags&flag != 0
}

func FlagToBitwise(flag imap.Flag) int {
	switch strings.ToLower(string(flag)) {
	case "\\seen":
		return FlagSeen
	case "\\answered":
		return FlagAnswered
	case "\\flagged":
		return FlagFlagged
	case "\\deleted":
		return FlagDeleted
	case "\\draft":
		return FlagDraft
	case "\\recent":
		return FlagRecent
	}

	return 0
}

// FlagsToBitwise converts IMAP flags (e.g. "\Seen", "\Answered") to the
// bitwise encoding stored on local records. Keywords are dropped; the engine
// synchronizes system flags only.
func FlagsToBitwise(flags []imap.Flag) int {
	var bitwiseFlags int
	for _, flag := range flags {
		bitwiseFlags |= FlagToBitwise(flag)
	}
	return bitwiseFlags
}

// BitwiseToFlags converts the bitwise encoding back to IMAP flag values.
func BitwiseToFlags(bitwiseFlags int) []imap.Flag {
	var flags []imap.Flag

	if bitwiseFlags&FlagSeen != 0 {
		flags = append(flags, imap.FlagSeen)
	}
	if bitwiseFlags&FlagAnswered != 0 {
		flags = append(flags, imap.FlagAnswered)
	}
	if bitwiseFlags&FlagFlagged != 0 {
		flags = append(flags, imap.FlagFlagged)
	}
	if bitwiseFlags&FlagDeleted != 0 {
		flags = append(flags, imap.FlagDeleted)
	}
	if bitwiseFlags&FlagDraft != 0 {
		flags = append(flags, imap.FlagDraft)
	}
	if bitwiseFlags&FlagRecent != 0 {
		flags = append(flags, imap.Flag("\\Recent"))
	}

	return flags
}

// FormatFlagString renders flags as the space-joined text stored on mirror
// rows.
func FormatFlagString(flags []imap.Flag) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, " ")
}

// ParseFlagString parses the mirror's space-joined flag text back into IMAP
// flag values. Empty or whitespace-only input yields nil.
func ParseFlagString(s string) []imap.Flag {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	flags := make([]imap.Flag, len(fields))
	for i, f := range fields {
		flags[i] = imap.Flag(f)
	}
	return flags
}
