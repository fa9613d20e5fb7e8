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
	"github.com/ternmail/tern/pkg/metrics"
)

// LocalRecord is a materialized message: envelope, identity, payload pointer
// and the thread assignment computed by the resolver.
type LocalRecord struct {
	ID             int64
	AccountID      int64
	Folder         string
	UIDValidity    uint32
	UID            imap.UID
	MessageID      string
	InReplyTo      string
	StableIdentity string
	ContentHash    string
	Flags          int // bitwise, see flags.go
	EnvFrom        string
	EnvSubject     string
	EnvDate        time.Time
	PayloadKey     string
	PayloadSize    int64
	ThreadID       *string
	ParentUID      *int64
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertLocalRecord materializes a fetched message in its own transaction so
// a failure mid-batch loses only that one message. A collision on the live
// (account, folder, uidvalidity, uid) key returns ErrDuplicateRecord; the
// fetch executor treats it as already-materialized and moves on.
func (db *Database) InsertLocalRecord(ctx context.Context, record *LocalRecord) (int64, error) {
	start := time.Now()
	var err error
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.DBQueryDuration.WithLabelValues("local_insert", "write").Observe(time.Since(start).Seconds())
		metrics.DBQueriesTotal.WithLabelValues("local_insert", status, "write").Inc()
	}()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var envDate any
	if !record.EnvDate.IsZero() {
		envDate = record.EnvDate
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO local_mail_records
			(account_id, folder, uidvalidity, uid, message_id, in_reply_to,
			 stable_identity, content_hash, flags, env_from, env_subject, env_date,
			 payload_key, payload_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, record.AccountID, record.Folder, int64(record.UIDValidity), int64(record.UID),
		record.MessageID, record.InReplyTo, record.StableIdentity, record.ContentHash,
		record.Flags, record.EnvFrom, record.EnvSubject, envDate,
		record.PayloadKey, record.PayloadSize).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			err = ErrDuplicateRecord
			return 0, err
		}
		err = fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		err = fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
		return 0, err
	}
	record.ID = id
	return id, nil
}

// GetLocalRecords loads all live local records for an account.
func (db *Database) GetLocalRecords(ctx context.Context, accountID int64) ([]LocalRecord, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, localSelect+`
		WHERE account_id = $1 AND deleted_at IS NULL
		ORDER BY folder, uid
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local records: %w", err)
	}
	return scanLocalRecords(rows)
}

// GetLocalRecordsTx is the transactional variant for the reconciler.
func (db *Database) GetLocalRecordsTx(ctx context.Context, tx pgx.Tx, accountID int64) ([]LocalRecord, error) {
	rows, err := tx.Query(ctx, localSelect+`
		WHERE account_id = $1 AND deleted_at IS NULL
		ORDER BY folder, uid
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local records: %w", err)
	}
	return scanLocalRecords(rows)
}

const localSelect = `
	SELECT id, account_id, folder, uidvalidity, uid, message_id, in_reply_to,
	       stable_identity, content_hash, flags, env_from, env_subject,
	       COALESCE(env_date, 'epoch'::timestamptz),
	       payload_key, payload_size, thread_id, parent_uid, deleted_at,
	       created_at, updated_at
	FROM local_mail_records
`

func scanLocalRecords(rows pgx.Rows) ([]LocalRecord, error) {
	defer rows.Close()

	var records []LocalRecord
	for rows.Next() {
		var r LocalRecord
		var uidvalidity, uid int64
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Folder, &uidvalidity, &uid,
			&r.MessageID, &r.InReplyTo, &r.StableIdentity, &r.ContentHash, &r.Flags,
			&r.EnvFrom, &r.EnvSubject, &r.EnvDate,
			&r.PayloadKey, &r.PayloadSize, &r.ThreadID, &r.ParentUID, &r.DeletedAt,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan local record: %w", err)
		}
		r.UIDValidity = uint32(uidvalidity)
		r.UID = imap.UID(uid)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error scanning local rows: %w", err)
	}
	return records, nil
}

// UpdateLocalLocation moves a live local record to a new (folder, uidvalidity,
// uid) triple. Used by the reconciler when the server copy moved folders, and
// by mutation confirmation once the server reports the new UID.
func (db *Database) UpdateLocalLocation(ctx context.Context, tx pgx.Tx, localID int64, folder string, uidValidity uint32, uid imap.UID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE local_mail_records
		SET folder = $1, uidvalidity = $2, uid = $3, updated_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL
	`, folder, int64(uidValidity), int64(uid), localID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("local record %d: %w", localID, ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to move local record %d: %w", localID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("local record %d: %w", localID, ErrRecordNotFound)
	}
	return nil
}

// UpdateLocalFlags overwrites a live record's flags with the server truth.
func (db *Database) UpdateLocalFlags(ctx context.Context, tx pgx.Tx, localID int64, flags int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE local_mail_records
		SET flags = $1, updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NULL
	`, flags, localID)
	if err != nil {
		return fmt.Errorf("failed to update flags on local record %d: %w", localID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("local record %d: %w", localID, ErrRecordNotFound)
	}
	return nil
}

// SoftDeleteLocal marks a local record deleted. The row stays for audit; the
// partial unique index frees its key for re-materialization.
func (db *Database) SoftDeleteLocal(ctx context.Context, tx pgx.Tx, localID int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE local_mail_records
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, localID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete local record %d: %w", localID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("local record %d: %w", localID, ErrRecordNotFound)
	}
	return nil
}

// ThreadAssignment is one resolver decision: the record's thread and its
// parent within the folder epoch, nil parent for thread roots.
type ThreadAssignment struct {
	LocalID   int64
	ThreadID  string
	ParentUID *int64
}

// SetThreadAssignments writes a batch of resolver decisions in one
// transaction so readers never observe a half-threaded account.
func (db *Database) SetThreadAssignments(ctx context.Context, accountID int64, assignments []ThreadAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, a := range assignments {
		batch.Queue(`
			UPDATE local_mail_records
			SET thread_id = $1, parent_uid = $2, updated_at = NOW()
			WHERE id = $3 AND account_id = $4 AND deleted_at IS NULL
		`, a.ThreadID, a.ParentUID, a.LocalID, accountID)
	}

	results := tx.SendBatch(ctx, batch)
	for range assignments {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to apply thread assignment: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close thread assignment batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}
