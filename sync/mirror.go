package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/remote"
)

// ScanStats summarizes one SyncFolderState call.
type ScanStats struct {
	Scanned  int // folders scanned successfully
	OnServer int // messages observed across those folders
	Inserted int // mirror rows written
	Removed  int // previous mirror rows replaced
	Errors   []string
}

// SyncFolderState rebuilds the Server Mirror for the given folders. Folders
// are distributed over a bounded worker pool, one IMAP session per worker
// since sessions are not safe for concurrent use. Each folder is its own
// transaction, so one folder's failure never poisons another's: a failed
// folder lands in Errors and the scan moves on.
func (e *Engine) SyncFolderState(ctx context.Context, accountID int64, folders []string) (*ScanStats, error) {
	if len(folders) == 0 {
		listed, err := e.listFolders(ctx, accountID)
		if err != nil {
			return nil, err
		}
		folders = listed
	}
	folders = filterFolders(folders, e.cfg.IncludeFolders, e.cfg.ExcludeFolders)

	stats := &ScanStats{}
	if len(folders) == 0 {
		return stats, nil
	}

	workers := e.cfg.FolderWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(folders) {
		workers = len(folders)
	}

	sessions := make([]remote.Session, 0, workers)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	for i := 0; i < workers; i++ {
		session, err := e.dial(ctx, accountID)
		if err != nil {
			if len(sessions) == 0 {
				return nil, err
			}
			// Run degraded with the sessions we got.
			logger.WarnContext(ctx, "Sync: reduced folder worker pool",
				"account_id", accountID, "workers", len(sessions), "error", err)
			break
		}
		sessions = append(sessions, session)
	}

	work := make(chan string)
	var mu stdsync.Mutex
	var wg stdsync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(session remote.Session) {
			defer wg.Done()
			for folder := range work {
				e.scanFolderInto(ctx, session, accountID, folder, stats, &mu)
			}
		}(session)
	}

	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}
		work <- folder
	}
	close(work)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// listFolders opens a short-lived session just for LIST. A listing failure
// falls back to the default folder set rather than skipping the account.
func (e *Engine) listFolders(ctx context.Context, accountID int64) ([]string, error) {
	session, err := e.dial(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	remoteFolders, err := session.ListFolders(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Sync: folder listing failed, using default folder set",
			"account_id", accountID, "error", err)
		return consts.DefaultFolders, nil
	}

	folders := make([]string, 0, len(remoteFolders))
	for _, f := range remoteFolders {
		folders = append(folders, f.Name)
	}
	return folders, nil
}

// scanFolderInto scans one folder and folds the outcome into shared stats.
func (e *Engine) scanFolderInto(ctx context.Context, session remote.Session, accountID int64, folder string, stats *ScanStats, mu *stdsync.Mutex) {
	result, scanErr := e.scanFolder(ctx, session, accountID, folder)

	mu.Lock()
	defer mu.Unlock()
	if scanErr != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", folder, scanErr))
		metrics.FoldersScannedTotal.WithLabelValues("error").Inc()
		if errors.Is(scanErr, consts.ErrConcurrencyConflict) {
			logger.InfoContext(ctx, "Sync: folder scan skipped, concurrent scan in progress",
				"account_id", accountID, "folder", folder)
		} else {
			logger.WarnContext(ctx, "Sync: folder scan failed",
				"account_id", accountID, "folder", folder, "error", scanErr)
		}
		return
	}

	stats.Scanned++
	stats.OnServer += result.onServer
	stats.Inserted += result.inserted
	stats.Removed += result.removed
	metrics.FoldersScannedTotal.WithLabelValues("success").Inc()
}

type folderScanResult struct {
	onServer int
	inserted int
	removed  int
}

func (e *Engine) scanFolder(ctx context.Context, session remote.Session, accountID int64, folder string) (*folderScanResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.FolderScanDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	uidValidity, err := session.Select(ctx, folder)
	if err != nil {
		status = "error"
		return nil, err
	}

	uids, err := session.SearchAll(ctx)
	if err != nil {
		status = "error"
		return nil, err
	}

	metas, err := session.FetchEnvelopes(ctx, uids)
	if err != nil {
		status = "error"
		return nil, err
	}

	records := BuildMirrorRecords(accountID, folder, uidValidity, metas)
	removed, err := e.db.ReplaceFolderRecords(ctx, accountID, folder, records)
	if err != nil {
		status = "error"
		return nil, err
	}

	logger.DebugContext(ctx, "Sync: folder scanned",
		"account_id", accountID, "folder", folder, "uidvalidity", uidValidity,
		"messages", len(records), "elapsed", time.Since(start))

	return &folderScanResult{
		onServer: len(metas),
		inserted: len(records),
		removed:  int(removed),
	}, nil
}

// BuildMirrorRecords converts scanned metadata into mirror rows. Pure; the
// scan tests drive this directly.
func BuildMirrorRecords(accountID int64, folder string, uidValidity uint32, metas []remote.MessageMeta) []db.MirrorRecord {
	records := make([]db.MirrorRecord, 0, len(metas))
	for _, meta := range metas {
		env := ExtractEnvelope(meta.Envelope)
		contentHash := env.ContentHash()
		records = append(records, db.MirrorRecord{
			AccountID:      accountID,
			Folder:         folder,
			UIDValidity:    uidValidity,
			UID:            meta.UID,
			MessageID:      env.MessageID,
			ContentHash:    contentHash,
			StableIdentity: StableIdentity(env.MessageID, contentHash),
			Flags:          db.FormatFlagString(meta.Flags),
			EnvFrom:        env.From,
			EnvSubject:     env.Subject,
			EnvDate:        env.Date,
		})
	}
	return records
}

// filterFolders applies include/exclude lists. An empty include list admits
// everything; exclusion wins over inclusion.
func filterFolders(folders, include, exclude []string) []string {
	included := make(map[string]bool, len(include))
	for _, f := range include {
		included[f] = true
	}
	excluded := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		excluded[f] = true
	}

	var out []string
	for _, f := range folders {
		if excluded[f] {
			continue
		}
		if len(included) > 0 && !included[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
