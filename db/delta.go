package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ternmail/tern/pkg/metrics"
)

// GetUnlinkedMirrorRecords returns mirror rows whose stable identity has no
// live local record anywhere in the account. Dedup is account-scoped on
// purpose: a message already materialized from one folder is not fetched
// again from another.
func (db *Database) GetUnlinkedMirrorRecords(ctx context.Context, accountID int64) ([]MirrorRecord, error) {
	start := time.Now()
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT s.id, s.account_id, s.folder, s.uidvalidity, s.uid, s.message_id,
		       s.content_hash, s.stable_identity, s.flags, s.env_from, s.env_subject,
		       COALESCE(s.env_date, 'epoch'::timestamptz),
		       s.first_seen_at, s.last_seen_at, s.is_deleted, s.linked_local_id
		FROM server_mail_records s
		WHERE s.account_id = $1
		  AND NOT s.is_deleted
		  AND NOT EXISTS (
		      SELECT 1 FROM local_mail_records l
		      WHERE l.account_id = s.account_id
		        AND l.stable_identity = s.stable_identity
		        AND l.deleted_at IS NULL
		  )
		ORDER BY s.folder, s.uid
	`, accountID)
	metrics.DBQueryDuration.WithLabelValues("delta_unlinked", "read").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("delta_unlinked", "error", "read").Inc()
		return nil, fmt.Errorf("failed to query unlinked mirror records: %w", err)
	}
	metrics.DBQueriesTotal.WithLabelValues("delta_unlinked", "success", "read").Inc()
	return scanMirrorRecords(rows)
}
