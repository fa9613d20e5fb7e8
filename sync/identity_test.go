package sync

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashDeterministic(t *testing.T) {
	date := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	h1 := ContentHash(date, "alice@example.com", "Quarterly report")
	h2 := ContentHash(date, "alice@example.com", "Quarterly report")
	require.NotEmpty(t, h1)
	assert.Equal(t, h1, h2)

	assert.NotEqual(t, h1, ContentHash(date, "bob@example.com", "Quarterly report"))
	assert.NotEqual(t, h1, ContentHash(date, "alice@example.com", "Other subject"))
	assert.NotEqual(t, h1, ContentHash(date.Add(time.Second), "alice@example.com", "Quarterly report"))
}

func TestContentHashTimezoneNormalized(t *testing.T) {
	utc := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cet := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t,
		ContentHash(utc, "alice@example.com", "hello"),
		ContentHash(cet, "alice@example.com", "hello"))
}

func TestContentHashZeroDate(t *testing.T) {
	// A missing date still fingerprints when anything else is present; only
	// the fully empty envelope has no fingerprint.
	assert.NotEmpty(t, ContentHash(time.Time{}, "alice@example.com", "hello"))
	assert.Empty(t, ContentHash(time.Time{}, "", ""))
}

func TestStableIdentityPrefersMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", StableIdentity("abc@example.com", "deadbeef"))
	assert.Equal(t, IdentityPrefix+"deadbeef", StableIdentity("", "deadbeef"))
	assert.Empty(t, StableIdentity("", ""))
}

func TestExtractEnvelope(t *testing.T) {
	date := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	env := ExtractEnvelope(&imap.Envelope{
		Date:      date,
		Subject:   "Hello",
		MessageID: "<msg-1@example.com>",
		InReplyTo: []string{"<root@example.com>", "<msg-0@example.com>"},
		From: []imap.Address{
			{Name: "Alice", Mailbox: "alice", Host: "Example.COM"},
		},
	})

	assert.Equal(t, "msg-1@example.com", env.MessageID)
	assert.Equal(t, "msg-0@example.com", env.InReplyTo)
	assert.Equal(t, "alice@example.com", env.From)
	assert.Equal(t, "Hello", env.Subject)
	assert.Equal(t, date, env.Date)
}

func TestExtractEnvelopeNil(t *testing.T) {
	env := ExtractEnvelope(nil)
	assert.Empty(t, env.MessageID)
	assert.Empty(t, env.From)
	assert.True(t, env.Date.IsZero())
	assert.Empty(t, env.ContentHash())
	assert.Empty(t, env.StableIdentity())
}
