package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const rawReply = "Message-ID: <m1@example.com>\r\n" +
	"In-Reply-To: <m0@example.com>\r\n" +
	"References: <root@example.com> <m0@example.com>\r\n" +
	"Subject: Re: hello\r\n" +
	"\r\n" +
	"body\r\n"

func TestEnrichFromHeaderFillsGaps(t *testing.T) {
	env := Envelope{}
	enrichFromHeader(&env, []byte(rawReply))

	assert.Equal(t, "m1@example.com", env.MessageID)
	assert.Equal(t, "m0@example.com", env.InReplyTo)
}

func TestEnrichFromHeaderKeepsEnvelopeValues(t *testing.T) {
	env := Envelope{MessageID: "envelope@example.com", InReplyTo: "parent@example.com"}
	enrichFromHeader(&env, []byte(rawReply))

	assert.Equal(t, "envelope@example.com", env.MessageID)
	assert.Equal(t, "parent@example.com", env.InReplyTo)
}

func TestEnrichFromHeaderReferencesFallback(t *testing.T) {
	raw := "Message-ID: <m2@example.com>\r\n" +
		"References: <root@example.com> <mid@example.com>\r\n" +
		"Subject: no in-reply-to\r\n" +
		"\r\n" +
		"body\r\n"

	env := Envelope{}
	enrichFromHeader(&env, []byte(raw))

	// Without In-Reply-To the last References entry is the parent.
	assert.Equal(t, "mid@example.com", env.InReplyTo)
}

func TestEnrichFromHeaderMalformed(t *testing.T) {
	env := Envelope{MessageID: "kept@example.com"}
	enrichFromHeader(&env, []byte("\x00\x01 not a message"))
	enrichFromHeader(&env, nil)

	assert.Equal(t, "kept@example.com", env.MessageID)
}
