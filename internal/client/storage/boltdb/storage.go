// Package boltdb provides the BoltDB-backed reference implementation of
// the client storage interfaces: operation queue, conflict registry,
// local record store and sync metadata, all in a single database file.
package boltdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fieldworks/fieldsync/internal/models"
)

var (
	// BoltDB bucket names
	bucketOperations = []byte("operations")
	bucketConflicts  = []byte("conflicts")
	bucketRecords    = []byte("records")
	bucketMetadata   = []byte("metadata")
)

// Options tunes queue retry behavior.
type Options struct {
	// MaxRetries is the transient-failure ceiling; once RetryCount reaches
	// it the operation moves to failed and stops being dequeued.
	MaxRetries int

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it.
	BackoffBase time.Duration

	// BackoffCap bounds the computed backoff.
	BackoffCap time.Duration
}

// DefaultOptions returns the retry defaults used by the engine.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  5,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
	}
}

type recordObserver struct {
	fn         func(models.LocalChange)
	entityType string // "" observes all types
}

// Storage is the BoltDB storage implementation for the sync engine.
// It implements storage.OperationQueue, storage.ConflictRegistry,
// storage.LocalStore and storage.MetadataStorage.
type Storage struct {
	db   *bbolt.DB
	opts Options

	mu              sync.Mutex
	queueObservers  map[int]func()
	recordObservers map[int]recordObserver
	nextObserverID  int
}

// New creates a new BoltDB storage instance.
// dbPath is the path to the database file. Zero-value opts fields fall
// back to DefaultOptions.
func New(ctx context.Context, dbPath string, opts Options) (*Storage, error) {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = def.BackoffCap
	}

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{
		db:              db,
		opts:            opts,
		queueObservers:  make(map[int]func()),
		recordObservers: make(map[int]recordObserver),
	}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets creates the required buckets if they don't exist.
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketConflicts, bucketRecords, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Subscribe registers a queue-change callback and returns an
// unsubscribe func. Implements storage.OperationQueue.
func (s *Storage) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserverID
	s.nextObserverID++
	s.queueObservers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.queueObservers, id)
	}
}

// notifyQueue fires queue-change callbacks outside any transaction.
func (s *Storage) notifyQueue() {
	s.mu.Lock()
	observers := make([]func(), 0, len(s.queueObservers))
	for _, fn := range s.queueObservers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// ObserveChanges registers a local-record observer.
// Implements storage.LocalStore.
func (s *Storage) ObserveChanges(entityType string, fn func(models.LocalChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserverID
	s.nextObserverID++
	s.recordObservers[id] = recordObserver{entityType: entityType, fn: fn}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.recordObservers, id)
	}
}

// notifyRecord fires record observers matching the change's entity type.
func (s *Storage) notifyRecord(change models.LocalChange) {
	s.mu.Lock()
	observers := make([]func(models.LocalChange), 0, len(s.recordObservers))
	for _, obs := range s.recordObservers {
		if obs.entityType == "" || obs.entityType == change.EntityType {
			observers = append(observers, obs.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
}
