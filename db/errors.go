package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrRecordNotFound indicates the requested record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateRecord indicates an insert collided with an existing row
	// for the same (account, folder, uidvalidity, uid) key.
	ErrDuplicateRecord = errors.New("record already exists")
)
