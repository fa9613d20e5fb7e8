package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

// MirrorRecord is one row of the Server Mirror: what the server reported for
// a single (folder, uidvalidity, uid) during the latest scan.
type MirrorRecord struct {
	ID             int64
	AccountID      int64
	Folder         string
	UIDValidity    uint32
	UID            imap.UID
	MessageID      string // cleaned, "" when the header is missing
	ContentHash    string
	StableIdentity string
	Flags          string // space-joined IMAP flags as reported by the server
	EnvFrom        string
	EnvSubject     string
	EnvDate        time.Time
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	IsDeleted      bool
	LinkedLocalID  *int64
}

// ReplaceFolderRecords deletes all mirror rows for (account, folder) and
// inserts the freshly observed set in one transaction. The mirror is a copy,
// never a merge: this is idempotent and correct regardless of prior state.
//
// A unique violation means another worker is scanning the same folder; the
// transaction is rolled back and consts.ErrConcurrencyConflict returned so
// the caller can skip the folder for this cycle.
func (db *Database) ReplaceFolderRecords(ctx context.Context, accountID int64, folder string, records []MirrorRecord) (removed int64, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.DBQueryDuration.WithLabelValues("mirror_replace", "write").Observe(time.Since(start).Seconds())
		metrics.DBQueriesTotal.WithLabelValues("mirror_replace", status, "write").Inc()
	}()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM server_mail_records
		WHERE account_id = $1 AND folder = $2
	`, accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to clear mirror rows for folder %s: %w", folder, err)
	}
	removed = tag.RowsAffected()

	if len(records) > 0 {
		now := time.Now()
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"server_mail_records"},
			[]string{
				"account_id", "folder", "uidvalidity", "uid",
				"message_id", "content_hash", "stable_identity", "flags",
				"env_from", "env_subject", "env_date",
				"first_seen_at", "last_seen_at", "is_deleted",
			},
			pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
				r := records[i]
				var envDate any
				if !r.EnvDate.IsZero() {
					envDate = r.EnvDate
				}
				return []any{
					r.AccountID, r.Folder, int64(r.UIDValidity), int64(r.UID),
					r.MessageID, r.ContentHash, r.StableIdentity, r.Flags,
					r.EnvFrom, r.EnvSubject, envDate,
					now, now, false,
				}, nil
			}),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				logger.Warn("Database: concurrent scan detected on folder, skipping",
					"account_id", accountID, "folder", folder)
				return 0, fmt.Errorf("folder %s: %w", folder, consts.ErrConcurrencyConflict)
			}
			return 0, fmt.Errorf("failed to insert mirror rows for folder %s: %w", folder, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	metrics.MirrorRowsReplaced.Add(float64(len(records)))
	return removed, nil
}

// GetMirrorRecords loads all live mirror rows for an account.
func (db *Database) GetMirrorRecords(ctx context.Context, accountID int64) ([]MirrorRecord, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT id, account_id, folder, uidvalidity, uid, message_id, content_hash,
		       stable_identity, flags, env_from, env_subject,
		       COALESCE(env_date, 'epoch'::timestamptz),
		       first_seen_at, last_seen_at, is_deleted, linked_local_id
		FROM server_mail_records
		WHERE account_id = $1 AND NOT is_deleted
		ORDER BY folder, uid
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror records: %w", err)
	}
	return scanMirrorRecords(rows)
}

// GetMirrorRecordsTx is the transactional variant used by the reconciler so
// the pass reads and writes under one snapshot.
func (db *Database) GetMirrorRecordsTx(ctx context.Context, tx pgx.Tx, accountID int64) ([]MirrorRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, account_id, folder, uidvalidity, uid, message_id, content_hash,
		       stable_identity, flags, env_from, env_subject,
		       COALESCE(env_date, 'epoch'::timestamptz),
		       first_seen_at, last_seen_at, is_deleted, linked_local_id
		FROM server_mail_records
		WHERE account_id = $1 AND NOT is_deleted
		ORDER BY folder, uid
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror records: %w", err)
	}
	return scanMirrorRecords(rows)
}

func scanMirrorRecords(rows pgx.Rows) ([]MirrorRecord, error) {
	defer rows.Close()

	var records []MirrorRecord
	for rows.Next() {
		var r MirrorRecord
		var uidvalidity, uid int64
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Folder, &uidvalidity, &uid,
			&r.MessageID, &r.ContentHash, &r.StableIdentity, &r.Flags,
			&r.EnvFrom, &r.EnvSubject, &r.EnvDate,
			&r.FirstSeenAt, &r.LastSeenAt, &r.IsDeleted, &r.LinkedLocalID); err != nil {
			return nil, fmt.Errorf("failed to scan mirror record: %w", err)
		}
		r.UIDValidity = uint32(uidvalidity)
		r.UID = imap.UID(uid)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error scanning mirror rows: %w", err)
	}
	return records, nil
}

// LinkLocalRecord sets the mirror row's link to a materialized local record.
// Linking is the exclusive responsibility of the reconciler.
func (db *Database) LinkLocalRecord(ctx context.Context, tx pgx.Tx, mirrorID, localID int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE server_mail_records SET linked_local_id = $1 WHERE id = $2
	`, localID, mirrorID)
	if err != nil {
		return fmt.Errorf("failed to link mirror row %d: %w", mirrorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mirror row %d: %w", mirrorID, ErrRecordNotFound)
	}
	return nil
}
