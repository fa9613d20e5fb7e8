package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Updated int // moves and flag syncs applied
	Deleted int // local records soft-deleted
	Linked  int // mirror rows linked to local records
	Errors  []string
}

// LocationUpdate moves a local record to the location the mirror reports.
type LocationUpdate struct {
	LocalID     int64
	Folder      string
	UIDValidity uint32
	UID         imap.UID
}

// FlagUpdate overwrites a local record's flags with the mirror truth.
type FlagUpdate struct {
	LocalID int64
	Flags   int
}

// LinkUpdate binds a mirror row to its materialized local record.
type LinkUpdate struct {
	MirrorID int64
	LocalID  int64
}

// ReconcilePlan is the full set of changes one pass will apply. Building it
// is pure; applying it is a single transaction.
type ReconcilePlan struct {
	DuplicatePrunes []int64 // soft-deletes from duplicate resolution
	Moves           []LocationUpdate
	FlagSyncs       []FlagUpdate
	Links           []LinkUpdate
	Deletes         []int64  // soft-deletes of records absent from the mirror
	Anomalies       []string // duplicate groups with no resolvable survivor
}

// Reconcile aligns materialized local records with the Server Mirror in one
// transaction per account. An advisory lock keeps the pass single-writer;
// when another instance holds it the account is skipped for this cycle. The
// pass is idempotent: rerunning it against an unchanged mirror is a no-op.
func (e *Engine) Reconcile(ctx context.Context, accountID int64) (stats *ReconcileStats, err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ReconcileRunsTotal.WithLabelValues(status).Inc()
	}()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err = e.db.AcquireReconcileLock(ctx, tx, accountID); err != nil {
		return nil, err
	}

	mirror, err := e.db.GetMirrorRecordsTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	locals, err := e.db.GetLocalRecordsTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	plan := BuildReconcilePlan(mirror, locals)
	stats = &ReconcileStats{}

	for _, anomaly := range plan.Anomalies {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%v: %s", consts.ErrDataIntegrityAnomaly, anomaly))
		logger.WarnContext(ctx, "Reconcile: duplicate group with no resolvable survivor, pruning all candidates",
			"account_id", accountID, "identity_group", anomaly)
	}

	for _, id := range plan.DuplicatePrunes {
		if err = e.db.SoftDeleteLocal(ctx, tx, id); err != nil {
			return nil, err
		}
		stats.Deleted++
		metrics.ReconcileActionsTotal.WithLabelValues("duplicate_pruned").Inc()
	}
	for _, move := range plan.Moves {
		if err = e.db.UpdateLocalLocation(ctx, tx, move.LocalID, move.Folder, move.UIDValidity, move.UID); err != nil {
			return nil, err
		}
		stats.Updated++
		metrics.ReconcileActionsTotal.WithLabelValues("moved").Inc()
	}
	for _, flagSync := range plan.FlagSyncs {
		if err = e.db.UpdateLocalFlags(ctx, tx, flagSync.LocalID, flagSync.Flags); err != nil {
			return nil, err
		}
		stats.Updated++
		metrics.ReconcileActionsTotal.WithLabelValues("flags_synced").Inc()
	}
	for _, link := range plan.Links {
		if err = e.db.LinkLocalRecord(ctx, tx, link.MirrorID, link.LocalID); err != nil {
			return nil, err
		}
		stats.Linked++
		metrics.ReconcileActionsTotal.WithLabelValues("linked").Inc()
	}
	for _, id := range plan.Deletes {
		if err = e.db.SoftDeleteLocal(ctx, tx, id); err != nil {
			return nil, err
		}
		stats.Deleted++
		metrics.ReconcileActionsTotal.WithLabelValues("soft_deleted").Inc()
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	logger.InfoContext(ctx, "Reconcile: pass complete", "account_id", accountID,
		"updated", stats.Updated, "deleted", stats.Deleted, "linked", stats.Linked,
		"anomalies", len(plan.Anomalies))
	return stats, nil
}

// BuildReconcilePlan computes the alignment between mirror and local records.
// The three steps are order-sensitive: duplicates are resolved first so move
// and deletion logic only ever sees one candidate per identity.
func BuildReconcilePlan(mirror []db.MirrorRecord, locals []db.LocalRecord) *ReconcilePlan {
	plan := &ReconcilePlan{}

	type location struct {
		folder      string
		uidValidity uint32
		uid         imap.UID
	}

	mirrorByIdentity := make(map[string][]db.MirrorRecord)
	mirrorByLocation := make(map[location]db.MirrorRecord, len(mirror))
	for _, m := range mirror {
		if m.StableIdentity != "" {
			mirrorByIdentity[m.StableIdentity] = append(mirrorByIdentity[m.StableIdentity], m)
		}
		mirrorByLocation[location{m.Folder, m.UIDValidity, m.UID}] = m
	}

	// Step 1: duplicate resolution. The survivor of a multi-member group is
	// the member whose current location matches a mirror row of the same
	// identity; with no such member the whole group is pruned. Correctness
	// is restored by the next scan, never by guessing. Identity-less records
	// cannot form groups; they are tracked by location alone.
	localsByIdentity := make(map[string][]db.LocalRecord)
	var identityless []db.LocalRecord
	for _, l := range locals {
		if l.StableIdentity == "" {
			identityless = append(identityless, l)
			continue
		}
		localsByIdentity[l.StableIdentity] = append(localsByIdentity[l.StableIdentity], l)
	}

	identities := make([]string, 0, len(localsByIdentity))
	for identity := range localsByIdentity {
		identities = append(identities, identity)
	}
	sort.Strings(identities)

	var survivors []db.LocalRecord
	for _, identity := range identities {
		group := localsByIdentity[identity]
		if len(group) == 1 {
			survivors = append(survivors, group[0])
			continue
		}

		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		survivorIdx := -1
		for i, candidate := range group {
			if matchesMirror(candidate, mirrorByIdentity[identity]) {
				survivorIdx = i
				break
			}
		}

		if survivorIdx < 0 {
			for _, member := range group {
				plan.DuplicatePrunes = append(plan.DuplicatePrunes, member.ID)
			}
			plan.Anomalies = append(plan.Anomalies, identity)
			continue
		}
		for i, member := range group {
			if i == survivorIdx {
				survivors = append(survivors, member)
			} else {
				plan.DuplicatePrunes = append(plan.DuplicatePrunes, member.ID)
			}
		}
	}

	// Steps 2 and 3: move/flag propagation for identities the mirror still
	// reports, soft-deletion for those it does not.
	for _, local := range survivors {
		candidates := mirrorByIdentity[local.StableIdentity]
		if len(candidates) == 0 {
			plan.Deletes = append(plan.Deletes, local.ID)
			continue
		}

		target := pickMirrorRow(local, candidates)
		if target.Folder != local.Folder || target.UIDValidity != local.UIDValidity || target.UID != local.UID {
			plan.Moves = append(plan.Moves, LocationUpdate{
				LocalID:     local.ID,
				Folder:      target.Folder,
				UIDValidity: target.UIDValidity,
				UID:         target.UID,
			})
		}

		mirrorFlags := db.FlagsToBitwise(db.ParseFlagString(target.Flags))
		if mirrorFlags != local.Flags {
			plan.FlagSyncs = append(plan.FlagSyncs, FlagUpdate{LocalID: local.ID, Flags: mirrorFlags})
		}

		plan.Links = append(plan.Links, LinkUpdate{MirrorID: target.ID, LocalID: local.ID})
	}

	// Identity-less records live and die with their exact location: moves
	// cannot be recognized without an identity to follow.
	for _, local := range identityless {
		target, ok := mirrorByLocation[location{local.Folder, local.UIDValidity, local.UID}]
		if !ok {
			plan.Deletes = append(plan.Deletes, local.ID)
			continue
		}
		mirrorFlags := db.FlagsToBitwise(db.ParseFlagString(target.Flags))
		if mirrorFlags != local.Flags {
			plan.FlagSyncs = append(plan.FlagSyncs, FlagUpdate{LocalID: local.ID, Flags: mirrorFlags})
		}
		plan.Links = append(plan.Links, LinkUpdate{MirrorID: target.ID, LocalID: local.ID})
	}

	return plan
}

func matchesMirror(local db.LocalRecord, candidates []db.MirrorRecord) bool {
	for _, m := range candidates {
		if m.Folder == local.Folder && m.UIDValidity == local.UIDValidity && m.UID == local.UID {
			return true
		}
	}
	return false
}

// pickMirrorRow chooses which mirror row a local record follows when one
// identity appears in several folders: the row matching the record's current
// location when present, otherwise the first row in (folder, uid) order so
// the choice is deterministic.
func pickMirrorRow(local db.LocalRecord, candidates []db.MirrorRecord) db.MirrorRecord {
	for _, m := range candidates {
		if m.Folder == local.Folder && m.UIDValidity == local.UIDValidity && m.UID == local.UID {
			return m
		}
	}
	best := candidates[0]
	for _, m := range candidates[1:] {
		if m.Folder < best.Folder || (m.Folder == best.Folder && m.UID < best.UID) {
			best = m
		}
	}
	return best
}
