package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/remote"
)

type flagStore struct {
	uids  imap.UIDSet
	op    remote.FlagsOp
	flags []imap.Flag
}

// fakeSession satisfies remote.Session for mutation tests. Only the calls
// the coordinator makes are recorded; everything else is inert.
type fakeSession struct {
	selected  string
	remap     *remote.UIDRemap
	moveErr   error
	storeErr  error
	stores    []flagStore
	expunged  []imap.UIDSet
	moved     []string
	copied    []string
	closed    bool
	selectErr error
}

func (s *fakeSession) ListFolders(ctx context.Context) ([]remote.Folder, error) { return nil, nil }

func (s *fakeSession) Select(ctx context.Context, folder string) (uint32, error) {
	if s.selectErr != nil {
		return 0, s.selectErr
	}
	s.selected = folder
	return 100, nil
}

func (s *fakeSession) SearchAll(ctx context.Context) ([]imap.UID, error) { return nil, nil }

func (s *fakeSession) FetchEnvelopes(ctx context.Context, uids []imap.UID) ([]remote.MessageMeta, error) {
	return nil, nil
}

func (s *fakeSession) FetchMessage(ctx context.Context, uid imap.UID) (*remote.Message, error) {
	return nil, nil
}

func (s *fakeSession) Copy(ctx context.Context, uids imap.UIDSet, dest string) (*remote.UIDRemap, error) {
	if s.moveErr != nil {
		return nil, s.moveErr
	}
	s.copied = append(s.copied, dest)
	return s.remap, nil
}

func (s *fakeSession) Move(ctx context.Context, uids imap.UIDSet, dest string) (*remote.UIDRemap, error) {
	if s.moveErr != nil {
		return nil, s.moveErr
	}
	s.moved = append(s.moved, dest)
	return s.remap, nil
}

func (s *fakeSession) StoreFlags(ctx context.Context, uids imap.UIDSet, op remote.FlagsOp, flags []imap.Flag) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.stores = append(s.stores, flagStore{uids: uids, op: op, flags: flags})
	return nil
}

func (s *fakeSession) Expunge(ctx context.Context, uids imap.UIDSet) error {
	s.expunged = append(s.expunged, uids)
	return nil
}

func (s *fakeSession) Thread(ctx context.Context) ([]*remote.ThreadNode, error) { return nil, nil }
func (s *fakeSession) SupportsThread() bool                                     { return false }
func (s *fakeSession) SupportsUIDPlus() bool                                    { return s.remap != nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func engineWithSession(session remote.Session) *Engine {
	return &Engine{
		dial: func(ctx context.Context, accountID int64) (remote.Session, error) {
			return session, nil
		},
	}
}

func TestApplyMutationMoveWithRemap(t *testing.T) {
	session := &fakeSession{
		remap: &remote.UIDRemap{
			UIDValidity: 4242,
			Pairs:       map[imap.UID]imap.UID{7: 31},
		},
	}
	e := engineWithSession(session)

	result, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID:    1,
		Action:       MutationMove,
		Folder:       "INBOX",
		UID:          7,
		TargetFolder: "Archive",
	})
	require.NoError(t, err)

	assert.Equal(t, MutationConfirmed, result.State)
	assert.True(t, result.UIDKnown)
	assert.Equal(t, imap.UID(31), result.NewUID)
	assert.Equal(t, uint32(4242), result.NewUIDValidity)
	assert.Equal(t, "Archive", result.NewFolder)
	assert.Equal(t, []string{"Archive"}, session.moved)
	assert.True(t, session.closed)
}

func TestApplyMutationMoveWithoutRemap(t *testing.T) {
	// Server gives no COPYUID hint. The move is confirmed but the new UID is
	// unknown; the next scan discovers the message's new location.
	e := engineWithSession(&fakeSession{})

	result, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID:    1,
		Action:       MutationMove,
		Folder:       "INBOX",
		UID:          7,
		TargetFolder: "Archive",
	})
	require.NoError(t, err)

	assert.Equal(t, MutationConfirmed, result.State)
	assert.False(t, result.UIDKnown)
	assert.Equal(t, "Archive", result.NewFolder)
	assert.NotEmpty(t, result.Message)
}

func TestApplyMutationMoveServerRejects(t *testing.T) {
	e := engineWithSession(&fakeSession{moveErr: errors.New("NO move denied")})

	result, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID:    1,
		Action:       MutationMove,
		Folder:       "INBOX",
		UID:          7,
		TargetFolder: "Archive",
	})
	require.NoError(t, err, "a server rejection is a terminal state, not a call error")
	assert.Equal(t, MutationFailed, result.State)
	assert.Contains(t, result.Message, "move denied")
}

func TestApplyMutationDelete(t *testing.T) {
	session := &fakeSession{}
	e := engineWithSession(session)

	result, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID: 1,
		Action:    MutationDelete,
		Folder:    "INBOX",
		UID:       9,
	})
	require.NoError(t, err)

	assert.Equal(t, MutationConfirmed, result.State)
	require.Len(t, session.stores, 1)
	assert.Equal(t, remote.FlagsAdd, session.stores[0].op)
	assert.Equal(t, []imap.Flag{imap.FlagDeleted}, session.stores[0].flags)
	require.Len(t, session.expunged, 1)
}

func TestApplyMutationFlags(t *testing.T) {
	session := &fakeSession{}
	e := engineWithSession(session)

	result, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID: 1,
		Action:    MutationRemoveFlags,
		Folder:    "INBOX",
		UID:       4,
		Flags:     []imap.Flag{imap.FlagSeen},
	})
	require.NoError(t, err)

	assert.Equal(t, MutationConfirmed, result.State)
	assert.True(t, result.UIDKnown)
	assert.Equal(t, imap.UID(4), result.NewUID)
	require.Len(t, session.stores, 1)
	assert.Equal(t, remote.FlagsDel, session.stores[0].op)
}

func TestApplyMutationValidation(t *testing.T) {
	e := engineWithSession(&fakeSession{})
	ctx := context.Background()

	cases := []MutationRequest{
		{Action: MutationMove, Folder: "INBOX", UID: 1},                                          // no target
		{Action: MutationMove, Folder: "INBOX", UID: 1, TargetFolder: "INBOX"},                   // self-move
		{Action: MutationMove, Folder: "", UID: 1, TargetFolder: "Archive"},                      // no folder
		{Action: MutationMove, Folder: "INBOX", UID: 0, TargetFolder: "Archive"},                 // no uid
		{Action: MutationAddFlags, Folder: "INBOX", UID: 1},                                      // no flags
		{Action: MutationAction("explode"), Folder: "INBOX", UID: 1, TargetFolder: "Archive"},    // unknown
	}
	for _, req := range cases {
		_, err := e.ApplyMutation(ctx, req)
		assert.Error(t, err, "request %+v", req)
	}
}

func TestApplyMutationSelectFailure(t *testing.T) {
	e := engineWithSession(&fakeSession{selectErr: errors.New("NO no such mailbox")})

	_, err := e.ApplyMutation(context.Background(), MutationRequest{
		AccountID: 1,
		Action:    MutationDelete,
		Folder:    "Missing",
		UID:       1,
	})
	assert.Error(t, err)
}
