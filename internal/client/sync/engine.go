package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/fieldsync/internal/client/adapter"
	clientapi "github.com/fieldworks/fieldsync/internal/client/api"
	"github.com/fieldworks/fieldsync/internal/client/storage"
	"github.com/fieldworks/fieldsync/internal/models"
)

// Config wires an Engine.
type Config struct {
	Logger    *slog.Logger
	Queue     storage.OperationQueue
	Conflicts storage.ConflictRegistry
	Records   storage.LocalStore
	Metadata  storage.MetadataStorage
	Client    clientapi.SyncAPI
	Adapters  *adapter.Registry

	// BatchSize caps operations per push request; 0 uses DefaultBatchSize.
	BatchSize int
	// Debounce collapses bursts of sync triggers; 0 uses DefaultDebounce.
	Debounce time.Duration
	// PeriodicInterval schedules background cycles; 0 disables them.
	PeriodicInterval time.Duration
}

// Engine is the UI-facing facade over the sync machinery: one instance
// per process, created at startup and closed at teardown.
type Engine struct {
	logger       *slog.Logger
	queue        storage.OperationQueue
	conflicts    storage.ConflictRegistry
	records      storage.LocalStore
	metadata     storage.MetadataStorage
	adapters     *adapter.Registry
	orchestrator *Orchestrator
	publisher    *StatusPublisher
	triggers     *TriggerScheduler

	unsubQueue func()

	mu     stdsync.Mutex
	online bool
	closed bool
}

// NewEngine builds the engine and recomputes the published status from
// the durable stores, so queue counts and conflicts survive restarts.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Adapters == nil {
		cfg.Adapters = adapter.DefaultRegistry()
	}

	e := &Engine{
		logger:    cfg.Logger,
		queue:     cfg.Queue,
		conflicts: cfg.Conflicts,
		records:   cfg.Records,
		metadata:  cfg.Metadata,
		adapters:  cfg.Adapters,
		online:    true,
	}

	e.orchestrator = NewOrchestrator(cfg.Logger, cfg.Queue, cfg.Conflicts, cfg.Records,
		cfg.Metadata, cfg.Client, cfg.Adapters, cfg.BatchSize)

	initial, err := e.computeStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to compute startup status: %w", err)
	}
	e.publisher = NewStatusPublisher(cfg.Logger, initial)

	e.unsubQueue = cfg.Queue.Subscribe(func() {
		e.refreshStatus(context.Background())
	})

	e.triggers = NewTriggerScheduler(cfg.Logger, cfg.Debounce, cfg.PeriodicInterval, func() {
		e.backgroundSync()
	})

	return e, nil
}

// Close stops background triggers and detaches from the stores. It does
// not close the stores themselves; the caller owns them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.triggers.Stop()
	e.unsubQueue()
	return nil
}

// Status returns the current sync status.
func (e *Engine) Status() models.SyncStatus {
	return e.publisher.Current()
}

// Subscribe registers a status listener and returns an unsubscribe func.
func (e *Engine) Subscribe(fn func(models.SyncStatus)) func() {
	return e.publisher.Subscribe(fn)
}

// Sync runs one cycle now. It returns ErrSyncInProgress when a cycle is
// already running, and skips the network entirely while offline.
func (e *Engine) Sync(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()

	if !online {
		err := errors.New("device is offline")
		e.refreshStatusWithError(ctx, err.Error())
		return nil, err
	}

	e.publishSyncing(true)
	result, err := e.orchestrator.RunCycle(ctx)

	if errors.Is(err, ErrSyncInProgress) {
		return nil, err
	}
	e.publishSyncing(false)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		e.logger.Warn("sync cycle failed", "error", err)
	}
	e.refreshStatusWithError(ctx, errMsg)

	return result, err
}

// Enqueue records a local mutation: the optimistic write to the local
// store and the queued operation. For creates with an empty entityID a
// temporary ID is generated and injected into the payload; it is
// replaced by the server-assigned ID once the create is accepted.
// Returns the entity ID the caller should use.
func (e *Engine) Enqueue(ctx context.Context, entityType string, kind models.OperationKind, entityID string, payload json.RawMessage) (string, error) {
	if _, err := e.adapters.Get(entityType); err != nil {
		return "", err
	}

	switch kind {
	case models.OpCreate:
		if entityID == "" {
			entityID = models.TempIDPrefix + uuid.New().String()
		}
		withID, err := setJSONField(payload, "id", entityID)
		if err != nil {
			return "", fmt.Errorf("failed to set entity id: %w", err)
		}
		payload = withID

		rec := &models.LocalRecord{
			EntityType: entityType,
			EntityID:   entityID,
			Data:       payload,
		}
		if err := e.records.WriteRecord(ctx, rec); err != nil {
			return "", fmt.Errorf("failed to write local record: %w", err)
		}

		_, err = e.queue.Enqueue(ctx, &models.SyncOperation{
			EntityType: entityType,
			EntityID:   entityID,
			Kind:       models.OpCreate,
			Payload:    payload,
		})
		if err != nil {
			return "", fmt.Errorf("failed to enqueue create: %w", err)
		}
		return entityID, nil

	case models.OpUpdate:
		rec, err := e.records.ReadRecord(ctx, entityType, entityID)
		if err != nil {
			return "", fmt.Errorf("failed to read record for update: %w", err)
		}

		payload, err = setJSONField(payload, "id", entityID)
		if err != nil {
			return "", fmt.Errorf("failed to set entity id: %w", err)
		}

		rec.Data = payload
		rec.UpdatedAt = time.Now()
		if err := e.records.WriteRecord(ctx, rec); err != nil {
			return "", fmt.Errorf("failed to write local record: %w", err)
		}

		_, err = e.queue.Enqueue(ctx, &models.SyncOperation{
			EntityType:      entityType,
			EntityID:        entityID,
			Kind:            models.OpUpdate,
			Payload:         payload,
			BaseFingerprint: rec.BaseFingerprint,
		})
		if err != nil {
			return "", fmt.Errorf("failed to enqueue update: %w", err)
		}
		return entityID, nil

	case models.OpDelete:
		rec, err := e.records.ReadRecord(ctx, entityType, entityID)
		if err != nil {
			return "", fmt.Errorf("failed to read record for delete: %w", err)
		}

		if err := e.records.SoftDeleteRecord(ctx, entityType, entityID, time.Now()); err != nil {
			return "", fmt.Errorf("failed to soft delete record: %w", err)
		}

		_, err = e.queue.Enqueue(ctx, &models.SyncOperation{
			EntityType:      entityType,
			EntityID:        entityID,
			Kind:            models.OpDelete,
			BaseFingerprint: rec.BaseFingerprint,
		})
		if err != nil {
			return "", fmt.Errorf("failed to enqueue delete: %w", err)
		}
		return entityID, nil

	default:
		return "", fmt.Errorf("unknown operation kind %q", kind)
	}
}

// ListUnresolvedConflicts returns all conflicts awaiting a decision.
func (e *Engine) ListUnresolvedConflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	return e.conflicts.ListUnresolved(ctx)
}

// ResolveConflict applies a resolution decision:
//
//   - local: the local data is re-enqueued as an update against the
//     now-known server baseline;
//   - server: the server snapshot is applied locally and any queued
//     operation for the entity is dropped;
//   - merged: mergedData is applied locally and pushed as an update.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution, mergedData json.RawMessage) error {
	conflict, err := e.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved {
		return storage.ErrConflictResolved
	}

	switch resolution {
	case models.ResolutionLocal, models.ResolutionServer:
	case models.ResolutionMerged:
		if len(mergedData) == 0 {
			return fmt.Errorf("merged resolution requires merged data")
		}
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	a, err := e.adapters.Get(conflict.EntityType)
	if err != nil {
		return err
	}

	rec, err := e.records.ReadRecord(ctx, conflict.EntityType, conflict.EntityID)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return fmt.Errorf("failed to read conflicted record: %w", err)
	}

	var localData json.RawMessage
	if rec != nil {
		localData = rec.Data
	}

	// The server snapshot defines the baseline every resolution pushes
	// against, or applies outright.
	serverLocal, err := a.FromWire(conflict.ServerData, localData)
	if err != nil {
		return fmt.Errorf("failed to convert server snapshot: %w", err)
	}
	serverFp, err := a.Fingerprint(serverLocal)
	if err != nil {
		return fmt.Errorf("failed to fingerprint server snapshot: %w", err)
	}

	switch resolution {
	case models.ResolutionLocal:
		if rec == nil {
			return fmt.Errorf("cannot keep local data: record %s/%s is gone", conflict.EntityType, conflict.EntityID)
		}
		rec.BaseFingerprint = serverFp
		if err := e.records.WriteRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to update baseline: %w", err)
		}
		_, err = e.queue.Enqueue(ctx, &models.SyncOperation{
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			Kind:            models.OpUpdate,
			Payload:         rec.Data,
			BaseFingerprint: serverFp,
		})
		if err != nil {
			return fmt.Errorf("failed to re-enqueue local data: %w", err)
		}

	case models.ResolutionServer:
		if op, err := e.queue.GetByEntity(ctx, conflict.EntityType, conflict.EntityID); err == nil {
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				return fmt.Errorf("failed to drop queued operation: %w", err)
			}
		} else if !errors.Is(err, storage.ErrOperationNotFound) {
			return fmt.Errorf("failed to look up queued operation: %w", err)
		}

		applied := &models.LocalRecord{
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			Data:            serverLocal,
			BaseFingerprint: serverFp,
		}
		if err := e.records.WriteRecord(ctx, applied); err != nil {
			return fmt.Errorf("failed to apply server data: %w", err)
		}

	case models.ResolutionMerged:
		merged := mergedData
		applied := &models.LocalRecord{
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			Data:            merged,
			BaseFingerprint: serverFp,
		}
		if err := e.records.WriteRecord(ctx, applied); err != nil {
			return fmt.Errorf("failed to apply merged data: %w", err)
		}
		_, err = e.queue.Enqueue(ctx, &models.SyncOperation{
			EntityType:      conflict.EntityType,
			EntityID:        conflict.EntityID,
			Kind:            models.OpUpdate,
			Payload:         merged,
			BaseFingerprint: serverFp,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue merged data: %w", err)
		}
	}

	// Marked resolved only after the decision has been applied; a failed
	// side effect above leaves the conflict open for another attempt.
	if _, err := e.conflicts.Resolve(ctx, conflictID, resolution, mergedData); err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	e.refreshStatus(ctx)
	e.logger.Info("conflict resolved",
		"conflict_id", conflictID, "resolution", resolution,
		"entity_type", conflict.EntityType, "entity_id", conflict.EntityID)
	return nil
}

// SetOnline flips connectivity state. An offline-to-online transition
// schedules a debounced sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	e.mu.Unlock()

	status := e.publisher.Current()
	status.IsOnline = online
	e.publisher.Publish(status)

	if online && !wasOnline {
		e.logger.Info("connectivity restored, scheduling sync")
		e.triggers.Request()
	}
}

// NotifyForeground schedules a debounced sync when the app returns to
// the foreground.
func (e *Engine) NotifyForeground() {
	e.triggers.Request()
}

// backgroundSync runs a trigger-initiated cycle. A cycle already in
// progress means the trigger is dropped, not queued.
func (e *Engine) backgroundSync() {
	e.mu.Lock()
	online, closed := e.online, e.closed
	e.mu.Unlock()
	if !online || closed {
		return
	}

	if _, err := e.Sync(context.Background()); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			e.logger.Debug("trigger dropped, cycle already running")
			return
		}
		e.logger.Warn("background sync failed", "error", err)
	}
}

func (e *Engine) publishSyncing(syncing bool) {
	status := e.publisher.Current()
	status.IsSyncing = syncing
	e.publisher.Publish(status)
}

func (e *Engine) refreshStatus(ctx context.Context) {
	e.refreshStatusWithError(ctx, e.publisher.Current().Error)
}

func (e *Engine) refreshStatusWithError(ctx context.Context, errMsg string) {
	status, err := e.computeStatus(ctx, errMsg)
	if err != nil {
		e.logger.Warn("failed to recompute status", "error", err)
		return
	}

	e.mu.Lock()
	status.IsOnline = e.online
	e.mu.Unlock()
	status.IsSyncing = e.orchestrator.State() != StateIdle

	e.publisher.Publish(status)
}

// computeStatus derives the published status from the durable stores.
func (e *Engine) computeStatus(ctx context.Context, errMsg string) (models.SyncStatus, error) {
	pending, err := e.queue.CountPending(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to count pending operations: %w", err)
	}
	failed, err := e.queue.ListFailed(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to list failed operations: %w", err)
	}
	conflictCount, err := e.conflicts.CountUnresolved(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to count conflicts: %w", err)
	}
	lastSync, err := e.metadata.GetLastSyncTime(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to read last sync time: %w", err)
	}

	status := models.SyncStatus{
		PendingOperations: pending,
		FailedOperations:  len(failed),
		Conflicts:         conflictCount,
		Error:             errMsg,
		IsOnline:          true,
	}
	// Operations stuck past the retry ceiling never run again on their
	// own, so they stay visible even after clean cycles.
	if status.Error == "" && len(failed) > 0 {
		status.Error = failedSummary(failed)
	}
	if !lastSync.IsZero() {
		status.LastSync = &lastSync
	}
	return status, nil
}

// failedSummary describes permanently failed operations using the most
// recent failure's message.
func failedSummary(failed []*models.SyncOperation) string {
	last := failed[0]
	for _, op := range failed[1:] {
		if op.LastAttemptAt.After(last.LastAttemptAt) {
			last = op
		}
	}
	return fmt.Sprintf("%d operation(s) failed: %s", len(failed), last.LastError)
}

// setJSONField sets a top-level field in a JSON object.
func setJSONField(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	doc := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	doc[key] = value
	return json.Marshal(doc)
}
