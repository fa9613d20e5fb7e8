package sync

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
)

// FetchFilters narrows a fetch delta.
type FetchFilters struct {
	IncludeFolders []string
	ExcludeFolders []string
	// Since drops messages whose envelope date is before the given time.
	Since time.Time
	// UnseenOnly restricts the delta to messages without \Seen.
	UnseenOnly bool
}

// ComputeFetchDelta returns, per folder, the ordered UIDs of server-known
// messages not yet materialized locally. Dedup runs at account scope: a
// message that moved folders since the last full sync already has a local
// record under its old location and must not be fetched again under the new
// one. The same rule collapses one identity appearing in several folders to
// a single fetch.
func (e *Engine) ComputeFetchDelta(ctx context.Context, accountID int64, filters FetchFilters) (map[string][]imap.UID, error) {
	records, err := e.db.GetUnlinkedMirrorRecords(ctx, accountID)
	if err != nil {
		return nil, err
	}

	delta := PlanFetchDelta(records, filters)

	var total int
	for _, uids := range delta {
		total += len(uids)
	}
	logger.DebugContext(ctx, "Sync: fetch delta computed",
		"account_id", accountID, "folders", len(delta), "messages", total)
	return delta, nil
}

// PlanFetchDelta is the pure planning step over unlinked mirror rows.
func PlanFetchDelta(records []db.MirrorRecord, filters FetchFilters) map[string][]imap.UID {
	included := make(map[string]bool, len(filters.IncludeFolders))
	for _, f := range filters.IncludeFolders {
		included[f] = true
	}
	excluded := make(map[string]bool, len(filters.ExcludeFolders))
	for _, f := range filters.ExcludeFolders {
		excluded[f] = true
	}

	delta := make(map[string][]imap.UID)
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if excluded[r.Folder] {
			continue
		}
		if len(included) > 0 && !included[r.Folder] {
			continue
		}
		if !filters.Since.IsZero() && (r.EnvDate.IsZero() || r.EnvDate.Before(filters.Since)) {
			continue
		}
		if filters.UnseenOnly && flagStringContains(r.Flags, imap.FlagSeen) {
			continue
		}
		// Identity-less messages cannot be deduplicated; each is fetched
		// under its own location.
		if r.StableIdentity != "" {
			if seen[r.StableIdentity] {
				continue
			}
			seen[r.StableIdentity] = true
		}
		delta[r.Folder] = append(delta[r.Folder], r.UID)
	}
	return delta
}

func flagStringContains(flags string, flag imap.Flag) bool {
	for _, f := range db.ParseFlagString(flags) {
		if strings.EqualFold(string(f), string(flag)) {
			return true
		}
	}
	return false
}
