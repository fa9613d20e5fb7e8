package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/ternmail/tern/consts"
)

// AcquireReconcileLock takes the per-account advisory lock inside the given
// transaction. It does not block: when another instance already holds the
// lock, consts.ErrConcurrencyConflict is returned and the caller skips the
// account for this cycle. The lock releases automatically at commit or
// rollback.
func (db *Database) AcquireReconcileLock(ctx context.Context, tx pgx.Tx, accountID int64) error {
	var acquired bool
	err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
		consts.ReconcileLockNamespace, accountID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire reconcile lock for account %d: %w", accountID, err)
	}
	if !acquired {
		return fmt.Errorf("account %d is being reconciled elsewhere: %w", accountID, consts.ErrConcurrencyConflict)
	}
	return nil
}
