package consts

import "errors"

var (
	// ErrTransientNetwork marks a failure that should be left for the next
	// scheduled sync cycle rather than retried deep inline.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrConcurrencyConflict is returned when a constraint violation or an
	// advisory lock indicates another worker is operating on the same
	// folder or account. The affected item is skipped for this cycle.
	ErrConcurrencyConflict = errors.New("concurrent operation in progress")

	// ErrDataIntegrityAnomaly marks a duplicate identity group with no
	// resolvable survivor. Resolution is soft-deleting all candidates,
	// never guessing.
	ErrDataIntegrityAnomaly = errors.New("data integrity anomaly")

	// ErrCapabilityMissing is returned when the server lacks an optional
	// capability (UIDPLUS remap hints, THREAD). Callers fall back to the
	// documented alternative instead of failing the operation.
	ErrCapabilityMissing = errors.New("server capability missing")

	ErrAccountNotFound = errors.New("account not found")
	ErrFolderNotFound  = errors.New("folder not found")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrPayloadUploadFailed = errors.New("payload upload failed")
)
