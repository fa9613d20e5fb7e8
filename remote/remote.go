// Package remote wraps the IMAP client used to talk to synchronized
// accounts. It exposes a narrow, account-scoped session interface so the
// engine and its tests never depend on a live connection.
package remote

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// Folder is one mailbox as reported by LIST.
type Folder struct {
	Name  string
	Delim rune
	Attrs []imap.MailboxAttr
}

// MessageMeta is the per-message data collected during a folder scan:
// identity inputs and flags, no body.
type MessageMeta struct {
	UID      imap.UID
	Envelope *imap.Envelope
	Flags    []imap.Flag
}

// Message is a fully fetched message: metadata plus the raw RFC 5322 bytes.
type Message struct {
	MessageMeta
	Raw []byte
}

// ThreadNode is one node of a server-reported thread tree. A nil-parent node
// is a thread root.
type ThreadNode struct {
	UID      imap.UID
	Children []*ThreadNode
}

// FlagsOp selects how StoreFlags changes the flag set.
type FlagsOp int

const (
	FlagsAdd FlagsOp = iota
	FlagsDel
	FlagsSet
)

// Session is an authenticated connection to one account. Implementations are
// not safe for concurrent use; the engine gives each worker its own session.
type Session interface {
	// ListFolders returns all selectable folders.
	ListFolders(ctx context.Context) ([]Folder, error)

	// Select opens a folder and returns its current UIDVALIDITY.
	Select(ctx context.Context, folder string) (uint32, error)

	// SearchAll returns the UIDs of every message in the selected folder.
	SearchAll(ctx context.Context) ([]imap.UID, error)

	// FetchEnvelopes retrieves envelope and flags for the given UIDs,
	// batched to bound round-trip sizes.
	FetchEnvelopes(ctx context.Context, uids []imap.UID) ([]MessageMeta, error)

	// FetchMessage retrieves one full message including its raw body.
	FetchMessage(ctx context.Context, uid imap.UID) (*Message, error)

	// Copy copies messages to another folder. The returned remap is nil
	// when the server gives no COPYUID hint.
	Copy(ctx context.Context, uids imap.UIDSet, dest string) (*UIDRemap, error)

	// Move moves messages to another folder, with the same remap
	// semantics as Copy.
	Move(ctx context.Context, uids imap.UIDSet, dest string) (*UIDRemap, error)

	// StoreFlags applies a flag change to the given UIDs.
	StoreFlags(ctx context.Context, uids imap.UIDSet, op FlagsOp, flags []imap.Flag) error

	// Expunge permanently removes \Deleted messages from the selected
	// folder, restricted to the given UIDs when the server supports it.
	Expunge(ctx context.Context, uids imap.UIDSet) error

	// Thread returns the server's REFERENCES thread trees for the
	// selected folder, or consts.ErrCapabilityMissing when the server
	// does not advertise THREAD=REFERENCES.
	Thread(ctx context.Context) ([]*ThreadNode, error)

	// SupportsThread reports whether THREAD=REFERENCES is advertised.
	SupportsThread() bool

	// SupportsUIDPlus reports whether COPYUID remap hints are available.
	SupportsUIDPlus() bool

	Close() error
}
