package storage

import "errors"

var (
	// ErrEntityNotFound is returned when an entity doesn't exist
	ErrEntityNotFound = errors.New("entity not found")
	// ErrKeyNotFound is returned when an idempotency key has no recorded result
	ErrKeyNotFound = errors.New("idempotency key not found")
)
