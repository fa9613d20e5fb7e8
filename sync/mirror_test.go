package sync

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/remote"
)

func TestBuildMirrorRecords(t *testing.T) {
	date := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	metas := []remote.MessageMeta{
		{
			UID: 5,
			Envelope: &imap.Envelope{
				Date:      date,
				Subject:   "With message id",
				MessageID: "<msg-5@example.com>",
				From:      []imap.Address{{Mailbox: "alice", Host: "example.com"}},
			},
			Flags: []imap.Flag{imap.FlagSeen, imap.FlagAnswered},
		},
		{
			UID: 6,
			Envelope: &imap.Envelope{
				Date:    date,
				Subject: "No message id",
				From:    []imap.Address{{Mailbox: "bob", Host: "example.com"}},
			},
		},
	}

	records := BuildMirrorRecords(42, "INBOX", 1700000000, metas)
	require.Len(t, records, 2)

	withID := records[0]
	assert.Equal(t, int64(42), withID.AccountID)
	assert.Equal(t, "INBOX", withID.Folder)
	assert.Equal(t, uint32(1700000000), withID.UIDValidity)
	assert.Equal(t, imap.UID(5), withID.UID)
	assert.Equal(t, "msg-5@example.com", withID.MessageID)
	assert.Equal(t, "msg-5@example.com", withID.StableIdentity)
	assert.Equal(t, "\\Seen \\Answered", withID.Flags)
	assert.Equal(t, "alice@example.com", withID.EnvFrom)

	withoutID := records[1]
	assert.Empty(t, withoutID.MessageID)
	assert.Equal(t, IdentityPrefix+withoutID.ContentHash, withoutID.StableIdentity)
	assert.NotEmpty(t, withoutID.ContentHash)
}

func TestBuildMirrorRecordsIdempotent(t *testing.T) {
	metas := []remote.MessageMeta{
		{UID: 1, Envelope: &imap.Envelope{
			Date:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Subject:   "hello",
			MessageID: "<a@example.com>",
		}},
	}

	first := BuildMirrorRecords(1, "INBOX", 99, metas)
	second := BuildMirrorRecords(1, "INBOX", 99, metas)
	assert.Equal(t, first, second)
}

func TestFilterFolders(t *testing.T) {
	folders := []string{"INBOX", "Sent", "Spam", "Archive"}

	assert.Equal(t, folders, filterFolders(folders, nil, nil))
	assert.Equal(t, []string{"INBOX", "Sent"}, filterFolders(folders, []string{"INBOX", "Sent"}, nil))
	assert.Equal(t, []string{"INBOX", "Sent", "Archive"}, filterFolders(folders, nil, []string{"Spam"}))
	// Exclusion wins over inclusion.
	assert.Empty(t, filterFolders(folders, []string{"Spam"}, []string{"Spam"}))
}
