package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/remote"
)

// ThreadDecision is the resolver's verdict for one message: its conversation
// and its direct parent's UID, nil for thread roots.
type ThreadDecision struct {
	ThreadID  string
	ParentUID *int64
}

// ResolveThreads assigns every live local record to a conversation and
// persists the result. Two sources feed the decision: the server's THREAD
// trees when the capability exists, and Message-ID reference chains, which
// win whenever the two disagree — content-derived identity outranks mutable
// server indexing.
func (e *Engine) ResolveThreads(ctx context.Context, accountID int64) (map[int64]ThreadDecision, error) {
	locals, err := e.db.GetLocalRecords(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		return map[int64]ThreadDecision{}, nil
	}

	serverTrees := e.collectServerTrees(ctx, accountID, locals)

	decisions := ResolveThreadPlan(locals, serverTrees, func() string { return uuid.NewString() })

	assignments := make([]db.ThreadAssignment, 0, len(decisions))
	for _, local := range locals {
		d, ok := decisions[local.ID]
		if !ok {
			continue
		}
		assignments = append(assignments, db.ThreadAssignment{
			LocalID:   local.ID,
			ThreadID:  d.ThreadID,
			ParentUID: d.ParentUID,
		})
	}
	if err := e.db.SetThreadAssignments(ctx, accountID, assignments); err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "Threads: resolved", "account_id", accountID, "messages", len(assignments))
	return decisions, nil
}

// collectServerTrees fetches THREAD structures per folder. A server without
// the capability, or a folder that fails, simply contributes nothing; the
// reference-chain source covers the gap.
func (e *Engine) collectServerTrees(ctx context.Context, accountID int64, locals []db.LocalRecord) map[string][]*remote.ThreadNode {
	folders := make(map[string]bool)
	for _, l := range locals {
		folders[l.Folder] = true
	}

	session, err := e.dial(ctx, accountID)
	if err != nil {
		logger.DebugContext(ctx, "Threads: no session for server trees, using reference chains only",
			"account_id", accountID, "error", err)
		return nil
	}
	defer session.Close()

	if !session.SupportsThread() {
		return nil
	}

	trees := make(map[string][]*remote.ThreadNode, len(folders))
	for folder := range folders {
		if ctx.Err() != nil {
			break
		}
		if _, err := session.Select(ctx, folder); err != nil {
			continue
		}
		roots, err := session.Thread(ctx)
		if err != nil {
			if !errors.Is(err, consts.ErrCapabilityMissing) {
				logger.DebugContext(ctx, "Threads: server tree unavailable",
					"account_id", accountID, "folder", folder, "error", err)
			}
			continue
		}
		trees[folder] = roots
	}
	return trees
}

// ResolveThreadPlan is the pure resolution step. serverTrees is keyed by
// folder; newID generates thread identifiers. Every input record receives a
// decision: a broken reference chain starts its own thread rather than
// silently dropping or misattaching the message.
func ResolveThreadPlan(locals []db.LocalRecord, serverTrees map[string][]*remote.ThreadNode, newID func() string) map[int64]ThreadDecision {
	decisions := make(map[int64]ThreadDecision, len(locals))

	// Records keyed by location for the server-tree walk, and by Message-ID
	// for reference chains. Message-ID lookup is account-scoped; collisions
	// across accounts are out of scope here by construction.
	type location struct {
		folder string
		uid    int64
	}
	byLocation := make(map[location]*db.LocalRecord, len(locals))
	byMessageID := make(map[string]*db.LocalRecord, len(locals))
	for i := range locals {
		l := &locals[i]
		byLocation[location{l.Folder, int64(l.UID)}] = l
		if l.MessageID != "" {
			if _, dup := byMessageID[l.MessageID]; !dup {
				byMessageID[l.MessageID] = l
			}
		}
	}

	// Source (a): depth-first walk of server trees. Every node beneath a
	// root inherits the root's thread; the branch predecessor becomes the
	// parent. A node seen twice is an anomaly and stays unparented.
	visited := make(map[location]bool)
	var walk func(folder string, node *remote.ThreadNode, threadID string, parent *int64)
	walk = func(folder string, node *remote.ThreadNode, threadID string, parent *int64) {
		loc := location{folder, int64(node.UID)}
		if visited[loc] {
			metrics.ThreadAnomaliesTotal.Inc()
			logger.Warn("Threads: node repeated in server tree, leaving unparented",
				"folder", folder, "uid", node.UID)
			return
		}
		visited[loc] = true

		nodeUID := int64(node.UID)
		if local, ok := byLocation[loc]; ok {
			decisions[local.ID] = ThreadDecision{ThreadID: threadID, ParentUID: parent}
		}
		for _, child := range node.Children {
			walk(folder, child, threadID, &nodeUID)
		}
	}
	for folder, roots := range serverTrees {
		for _, root := range roots {
			walk(folder, root, newID(), nil)
		}
	}

	// Records whose reference points at nothing known locally: the parent
	// was never fetched, was deleted, or lives in another account. They
	// start their own threads no matter what the server tree said, and the
	// set is computed up front so the verdict cannot depend on input order.
	broken := make(map[int64]bool, len(locals))
	for i := range locals {
		l := &locals[i]
		if l.InReplyTo == "" {
			continue
		}
		if parent, ok := byMessageID[l.InReplyTo]; !ok || parent.ID == l.ID {
			broken[l.ID] = true
		}
	}

	// Source (b): reference chains. Each chain root is assigned one thread
	// identifier and its descendants inherit it, overriding any server
	// verdict. chainThreads records ids this pass established, so a root
	// first reached through one of its replies keeps the same id when its
	// own record comes up. A root in good standing converges with the
	// server verdict; a broken-reference root never joins a server tree.
	chainThreads := make(map[int64]string, len(locals))
	rootThreadID := func(root *db.LocalRecord) string {
		if id, ok := chainThreads[root.ID]; ok {
			return id
		}
		if !broken[root.ID] {
			if d, ok := decisions[root.ID]; ok && d.ThreadID != "" {
				chainThreads[root.ID] = d.ThreadID
				return d.ThreadID
			}
		}
		id := newID()
		chainThreads[root.ID] = id
		d := ThreadDecision{ThreadID: id, ParentUID: decisions[root.ID].ParentUID}
		if broken[root.ID] {
			d.ParentUID = nil
		}
		decisions[root.ID] = d
		return id
	}

	for i := range locals {
		l := &locals[i]
		if l.InReplyTo == "" {
			continue
		}

		if broken[l.ID] {
			decisions[l.ID] = ThreadDecision{ThreadID: rootThreadID(l)}
			continue
		}

		parent := byMessageID[l.InReplyTo]
		root := chainRoot(parent, byMessageID)
		parentUID := int64(parent.UID)
		decisions[l.ID] = ThreadDecision{ThreadID: rootThreadID(root), ParentUID: &parentUID}
	}

	// Anything neither source reached is a standalone thread.
	for i := range locals {
		l := &locals[i]
		if _, ok := decisions[l.ID]; !ok {
			decisions[l.ID] = ThreadDecision{ThreadID: newID()}
		}
	}

	return decisions
}

// chainRoot follows In-Reply-To links upward until the chain breaks, with a
// visited set so a reference cycle terminates instead of looping.
func chainRoot(start *db.LocalRecord, byMessageID map[string]*db.LocalRecord) *db.LocalRecord {
	current := start
	seen := map[int64]bool{current.ID: true}
	for current.InReplyTo != "" {
		next, ok := byMessageID[current.InReplyTo]
		if !ok {
			break
		}
		if seen[next.ID] {
			metrics.ThreadAnomaliesTotal.Inc()
			logger.Warn("Threads: reference cycle detected, treating current node as root",
				"local_id", fmt.Sprint(current.ID))
			break
		}
		seen[next.ID] = true
		current = next
	}
	return current
}
