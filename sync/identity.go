package sync

import (
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// IdentityPrefix marks a stable identity derived from a content fingerprint
// rather than a Message-ID header.
const IdentityPrefix = "hash:"

// ContentHash fingerprints a message from its date, sender and subject. The
// inputs must already be canonical (see Envelope); given the same triple the
// result is deterministic across runs and hosts. A fully empty envelope has
// no fingerprint at all: hashing it would collapse every malformed message
// into one identity.
func ContentHash(date time.Time, from, subject string) string {
	if date.IsZero() && from == "" && subject == "" {
		return ""
	}
	var dateStr string
	if !date.IsZero() {
		dateStr = date.UTC().Format(time.RFC3339)
	}
	sum := blake3.Sum256([]byte(dateStr + "|" + from + "|" + subject))
	return fmt.Sprintf("%x", sum)
}

// StableIdentity is the durable per-message key: the Message-ID when the
// message has one, otherwise the content fingerprint. Folder and UID may
// change; this must not. "" means the message has no identity and is tracked
// by location only.
func StableIdentity(messageID, contentHash string) string {
	if messageID != "" {
		return messageID
	}
	if contentHash == "" {
		return ""
	}
	return IdentityPrefix + contentHash
}
