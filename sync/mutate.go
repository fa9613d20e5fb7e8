package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/remote"
)

// MutationAction names a server-side change requested by a caller.
type MutationAction string

const (
	MutationMove        MutationAction = "move"
	MutationCopy        MutationAction = "copy"
	MutationDelete      MutationAction = "delete"
	MutationAddFlags    MutationAction = "add_flags"
	MutationRemoveFlags MutationAction = "remove_flags"
)

// MutationState tracks a request through its lifecycle. There is no
// speculative local write at any state: local records change only when a
// later scan and reconcile pass observes the server's new truth.
type MutationState string

const (
	MutationRequested MutationState = "REQUESTED"
	MutationSent      MutationState = "SENT_TO_SERVER"
	MutationConfirmed MutationState = "CONFIRMED"
	MutationFailed    MutationState = "FAILED"
)

// MutationRequest describes one change to apply on the server.
type MutationRequest struct {
	AccountID int64
	Action    MutationAction
	Folder    string
	UID       imap.UID
	// TargetFolder is required for move and copy.
	TargetFolder string
	// Flags is required for add_flags and remove_flags.
	Flags []imap.Flag
}

// MutationResult reports the terminal state of a request. UIDKnown is false
// for a confirmed move or copy on a server without COPYUID hints; the new
// location is then discovered by the next folder scan rather than guessed.
type MutationResult struct {
	State          MutationState
	UIDKnown       bool
	NewFolder      string
	NewUID         imap.UID
	NewUIDValidity uint32
	Message        string
}

// ApplyMutation executes one server mutation and drives it through the state
// machine. The returned error is non-nil only for failures before the command
// reached the server (validation, dial, select); once sent, the outcome is in
// the result's state so callers can distinguish "server rejected it" from
// "never asked".
func (e *Engine) ApplyMutation(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	session, err := e.dial(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if _, err := session.Select(ctx, req.Folder); err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "Mutation: sending", "account_id", req.AccountID,
		"action", req.Action, "folder", req.Folder, "uid", req.UID, "state", MutationSent)

	result := e.executeMutation(ctx, session, req)

	outcome := "failed"
	if result.State == MutationConfirmed {
		outcome = "confirmed"
		if !result.UIDKnown && (req.Action == MutationMove || req.Action == MutationCopy) {
			outcome = "confirmed_uid_unknown"
		}
	}
	metrics.MutationsTotal.WithLabelValues(string(req.Action), outcome).Inc()

	logger.InfoContext(ctx, "Mutation: resolved", "account_id", req.AccountID,
		"action", req.Action, "folder", req.Folder, "uid", req.UID,
		"state", result.State, "uid_known", result.UIDKnown)
	return result, nil
}

func (e *Engine) executeMutation(ctx context.Context, session remote.Session, req MutationRequest) *MutationResult {
	uids := imap.UIDSetNum(req.UID)

	switch req.Action {
	case MutationMove, MutationCopy:
		var remap *remote.UIDRemap
		var err error
		if req.Action == MutationMove {
			remap, err = session.Move(ctx, uids, req.TargetFolder)
		} else {
			remap, err = session.Copy(ctx, uids, req.TargetFolder)
		}
		if err != nil {
			return &MutationResult{State: MutationFailed, Message: err.Error()}
		}

		result := &MutationResult{State: MutationConfirmed, NewFolder: req.TargetFolder}
		if newUID, ok := remap.Lookup(req.UID); ok {
			result.UIDKnown = true
			result.NewUID = newUID
			result.NewUIDValidity = remap.UIDValidity
		} else {
			// No COPYUID hint. The message is in the target folder with an
			// unknown UID; the next scan observes it and reconciliation
			// repairs the local record's location.
			result.Message = "server returned no UID remap hint"
		}
		return result

	case MutationDelete:
		// Flagging an already-expunged UID is a no-op on the server, which
		// makes deletion idempotent: re-requesting it confirms cleanly.
		if err := session.StoreFlags(ctx, uids, remote.FlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
			return &MutationResult{State: MutationFailed, Message: err.Error()}
		}
		if err := session.Expunge(ctx, uids); err != nil {
			return &MutationResult{State: MutationFailed, Message: err.Error()}
		}
		return &MutationResult{State: MutationConfirmed, UIDKnown: true}

	case MutationAddFlags, MutationRemoveFlags:
		op := remote.FlagsAdd
		if req.Action == MutationRemoveFlags {
			op = remote.FlagsDel
		}
		if err := session.StoreFlags(ctx, uids, op, req.Flags); err != nil {
			return &MutationResult{State: MutationFailed, Message: err.Error()}
		}
		return &MutationResult{
			State:     MutationConfirmed,
			UIDKnown:  true,
			NewFolder: req.Folder,
			NewUID:    req.UID,
		}

	default:
		return &MutationResult{State: MutationFailed, Message: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func (req *MutationRequest) validate() error {
	if req.Folder == "" {
		return fmt.Errorf("mutation: folder is required")
	}
	if req.UID == 0 {
		return fmt.Errorf("mutation: uid is required")
	}
	switch req.Action {
	case MutationMove, MutationCopy:
		if req.TargetFolder == "" {
			return fmt.Errorf("mutation: %s requires a target folder", req.Action)
		}
		if req.TargetFolder == req.Folder {
			return fmt.Errorf("mutation: target folder equals source folder")
		}
	case MutationDelete:
	case MutationAddFlags, MutationRemoveFlags:
		if len(req.Flags) == 0 {
			return fmt.Errorf("mutation: %s requires at least one flag", req.Action)
		}
	default:
		return fmt.Errorf("mutation: unknown action %q", req.Action)
	}
	return nil
}
