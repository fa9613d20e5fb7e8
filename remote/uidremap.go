package remote

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// UIDRemap is a COPYUID hint: for each source UID, the UID the message
// received in the destination folder under the given UIDVALIDITY.
type UIDRemap struct {
	UIDValidity uint32
	Pairs       map[imap.UID]imap.UID
}

// Lookup returns the destination UID of one source UID. Safe on a nil remap,
// which is how "the server gave no hint" flows through callers.
func (r *UIDRemap) Lookup(uid imap.UID) (imap.UID, bool) {
	if r == nil {
		return 0, false
	}
	newUID, ok := r.Pairs[uid]
	return newUID, ok
}

// RemapFromSets pairs source and destination UID sets positionally, the way
// COPYUID defines them. Sets with open-ended ranges or mismatched counts
// yield no remap; the caller falls back to rediscovery on the next scan.
func RemapFromSets(uidValidity uint32, source, dest imap.UIDSet) (*UIDRemap, error) {
	sourceUIDs, ok := expandUIDSet(source)
	if !ok {
		return nil, nil
	}
	destUIDs, ok := expandUIDSet(dest)
	if !ok {
		return nil, nil
	}
	if len(sourceUIDs) == 0 || len(sourceUIDs) != len(destUIDs) {
		return nil, nil
	}

	pairs := make(map[imap.UID]imap.UID, len(sourceUIDs))
	for i, src := range sourceUIDs {
		pairs[src] = destUIDs[i]
	}
	return &UIDRemap{UIDValidity: uidValidity, Pairs: pairs}, nil
}

// ParseUIDRemap extracts a COPYUID hint from raw server response text, e.g.
//
//	OK [COPYUID 1234567 5,8:9 101:103] Done
//	COPYUID 1234567 5,8:9 101:103
//
// Servers disagree on surrounding text, so parsing is tolerant: anything that
// does not yield matching source and destination sets returns nil, never an
// error, and the caller proceeds without a hint.
func ParseUIDRemap(raw string) *UIDRemap {
	text := raw
	if idx := strings.Index(text, "COPYUID"); idx >= 0 {
		text = text[idx+len("COPYUID"):]
	} else {
		return nil
	}
	if idx := strings.IndexByte(text, ']'); idx >= 0 {
		text = text[:idx]
	}

	fields := strings.Fields(text)
	if len(fields) < 3 {
		return nil
	}

	var uidValidity uint32
	for _, ch := range fields[0] {
		if ch < '0' || ch > '9' {
			return nil
		}
		uidValidity = uidValidity*10 + uint32(ch-'0')
	}
	if uidValidity == 0 {
		return nil
	}

	source, ok := parseUIDList(fields[1])
	if !ok {
		return nil
	}
	dest, ok := parseUIDList(fields[2])
	if !ok {
		return nil
	}
	if len(source) == 0 || len(source) != len(dest) {
		return nil
	}

	pairs := make(map[imap.UID]imap.UID, len(source))
	for i, src := range source {
		pairs[src] = dest[i]
	}
	return &UIDRemap{UIDValidity: uidValidity, Pairs: pairs}
}

// parseUIDList expands sequence-set text like "5,8:9" into individual UIDs.
func parseUIDList(s string) ([]imap.UID, bool) {
	var uids []imap.UID
	for _, part := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(part, ":")
		start, ok := parseUID(lo)
		if !ok {
			return nil, false
		}
		stop := start
		if found {
			if stop, ok = parseUID(hi); !ok {
				return nil, false
			}
		}
		if stop < start {
			start, stop = stop, start
		}
		for uid := start; uid <= stop; uid++ {
			uids = append(uids, uid)
		}
	}
	return uids, true
}

func parseUID(s string) (imap.UID, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + uint64(ch-'0')
	}
	if n == 0 || n > 0xFFFFFFFF {
		return 0, false
	}
	return imap.UID(n), true
}

// expandUIDSet flattens a UIDSet into individual UIDs in set order. The
// second return is false when the set contains an open-ended range, which
// cannot be paired positionally.
func expandUIDSet(set imap.UIDSet) ([]imap.UID, bool) {
	var uids []imap.UID
	for _, r := range set {
		if r.Stop == 0 && r.Start != r.Stop {
			return nil, false
		}
		stop := r.Stop
		if stop == 0 {
			stop = r.Start
		}
		if stop < r.Start {
			return nil, false
		}
		for uid := r.Start; uid <= stop; uid++ {
			uids = append(uids, uid)
		}
	}
	return uids, true
}
