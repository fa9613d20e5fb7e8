package sync

import (
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/ternmail/tern/helpers"
)

// Envelope is the canonical metadata shape every downstream component
// consumes. Client libraries hand back envelopes whose fields are variously
// absent, raw or decorated; normalization happens here, once.
type Envelope struct {
	MessageID string // cleaned, without angle brackets; "" when missing
	InReplyTo string // last cleaned reference, "" when missing
	From      string // canonical "mailbox@host", lowercased
	Subject   string
	Date      time.Time
}

// ExtractEnvelope normalizes an IMAP envelope. A nil envelope yields a zero
// value rather than a panic; the content hash of a fully empty envelope is
// still deterministic.
func ExtractEnvelope(env *imap.Envelope) Envelope {
	if env == nil {
		return Envelope{}
	}

	out := Envelope{
		MessageID: helpers.CleanMessageID(env.MessageID),
		Subject:   strings.TrimSpace(env.Subject),
		Date:      env.Date,
	}

	if len(env.From) > 0 {
		addr := env.From[0]
		if addr.Mailbox != "" && addr.Host != "" {
			out.From = helpers.CanonicalAddress(addr.Mailbox + "@" + addr.Host)
		}
	}

	if len(env.InReplyTo) > 0 {
		// Servers report In-Reply-To as a list; the last entry is the
		// direct parent by RFC 5322 convention.
		out.InReplyTo = helpers.CleanMessageID(env.InReplyTo[len(env.InReplyTo)-1])
	}

	return out
}

// ContentHash fingerprints the canonical envelope.
func (e Envelope) ContentHash() string {
	return ContentHash(e.Date, e.From, e.Subject)
}

// StableIdentity returns the durable key for this envelope.
func (e Envelope) StableIdentity() string {
	return StableIdentity(e.MessageID, e.ContentHash())
}
