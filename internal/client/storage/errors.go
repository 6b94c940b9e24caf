package storage

import "errors"

var (
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrOperationNotFound is returned when a queue operation doesn't exist.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrConflictNotFound is returned when a conflict doesn't exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictResolved is returned when mutating an already resolved
	// conflict. Resolved conflicts are immutable.
	ErrConflictResolved = errors.New("conflict is already resolved")

	// ErrRecordNotFound is returned when a local record doesn't exist.
	ErrRecordNotFound = errors.New("record not found")
)
