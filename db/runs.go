package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SyncRun records the outcome of one phase of one cycle for an account.
type SyncRun struct {
	RunID     string
	AccountID int64
	Phase     string
	StartedAt time.Time
	Scanned   int
	OnServer  int
	Inserted  int
	Removed   int
	Errors    []string
}

// InsertSyncRun persists a run record. Failures here are logged by the
// caller but never fail the cycle; bookkeeping is best effort.
func (db *Database) InsertSyncRun(ctx context.Context, run *SyncRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to encode run errors: %w", err)
	}

	_, err = db.GetWritePool().Exec(ctx, `
		INSERT INTO sync_runs
			(run_id, account_id, phase, started_at, scanned, on_server, inserted, removed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.RunID, run.AccountID, run.Phase, run.StartedAt,
		run.Scanned, run.OnServer, run.Inserted, run.Removed, errsJSON)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}
