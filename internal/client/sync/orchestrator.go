// Package sync contains the sync engine: the push/pull orchestrator, the
// status publisher, the trigger scheduling and the UI-facing facade.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/fieldworks/fieldsync/internal/client/adapter"
	clientapi "github.com/fieldworks/fieldsync/internal/client/api"
	"github.com/fieldworks/fieldsync/internal/client/storage"
	"github.com/fieldworks/fieldsync/internal/models"
	"github.com/fieldworks/fieldsync/pkg/api"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// cycle is still running. The request is dropped, never queued.
var ErrSyncInProgress = errors.New("sync cycle already in progress")

// State is the orchestrator's cycle phase.
type State string

const (
	StateIdle        State = "idle"
	StatePushing     State = "pushing"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
)

// DefaultBatchSize is how many operations go into one push request.
const DefaultBatchSize = 50

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Pushed    int // operations accepted by the server
	Pulled    int // remote changes applied locally
	Conflicts int // conflicts recorded during the cycle
}

// Orchestrator drives the idle -> pushing -> pulling -> reconciling cycle
// against the durable stores and the sync API.
type Orchestrator struct {
	logger    *slog.Logger
	queue     storage.OperationQueue
	conflicts storage.ConflictRegistry
	records   storage.LocalStore
	metadata  storage.MetadataStorage
	client    clientapi.SyncAPI
	adapters  *adapter.Registry
	batchSize int

	mu    stdsync.Mutex
	state State
}

// NewOrchestrator wires an orchestrator. batchSize <= 0 falls back to
// DefaultBatchSize.
func NewOrchestrator(
	logger *slog.Logger,
	queue storage.OperationQueue,
	conflicts storage.ConflictRegistry,
	records storage.LocalStore,
	metadata storage.MetadataStorage,
	client clientapi.SyncAPI,
	adapters *adapter.Registry,
	batchSize int,
) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Orchestrator{
		logger:    logger,
		queue:     queue,
		conflicts: conflicts,
		records:   records,
		metadata:  metadata,
		client:    client,
		adapters:  adapters,
		batchSize: batchSize,
		state:     StateIdle,
	}
}

// State returns the current cycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunCycle executes one full push/pull/reconcile cycle. Only one cycle
// runs at a time; a concurrent call returns ErrSyncInProgress.
//
// The pull cursor advances only when the whole cycle succeeds, so a
// failed cycle re-delivers the same remote changes. Applying a change is
// idempotent, which makes the re-delivery safe.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.state = StatePushing
	o.mu.Unlock()

	defer o.setState(StateIdle)

	result := &CycleResult{}

	if err := o.pushPhase(ctx, result); err != nil {
		return result, fmt.Errorf("push phase: %w", err)
	}

	o.setState(StatePulling)
	pullResp, err := o.pullPhase(ctx)
	if err != nil {
		return result, fmt.Errorf("pull phase: %w", err)
	}

	o.setState(StateReconciling)
	if err := o.reconcile(ctx, pullResp, result); err != nil {
		return result, fmt.Errorf("reconcile phase: %w", err)
	}

	if err := o.metadata.SaveSyncCursor(ctx, pullResp.Cursor); err != nil {
		return result, fmt.Errorf("failed to save cursor: %w", err)
	}
	if err := o.metadata.SaveLastSyncTime(ctx, time.Now()); err != nil {
		return result, fmt.Errorf("failed to save sync time: %w", err)
	}

	o.logger.Info("sync cycle completed",
		"pushed", result.Pushed, "pulled", result.Pulled, "conflicts", result.Conflicts)
	return result, nil
}

// pushPhase drains the queue in batches until no ready operation remains.
func (o *Orchestrator) pushPhase(ctx context.Context, result *CycleResult) error {
	for {
		batch, err := o.queue.DequeueNextBatch(ctx, o.batchSize)
		if err != nil {
			return fmt.Errorf("failed to dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		// Operations referencing another queued create's temporary ID are
		// held back until that create is accepted and the remap has
		// rewritten their payloads. They stay pending and come back on the
		// next iteration.
		ready, deferred := splitDependentOps(batch)
		if len(deferred) > 0 {
			o.logger.Debug("holding back operations with unresolved temporary references",
				"count", len(deferred))
		}

		if err := o.pushBatch(ctx, ready, result); err != nil {
			return err
		}
	}
}

// splitDependentOps partitions a batch into operations safe to transmit
// now and operations whose payload references the temporary ID of
// another create in the same batch. When every operation depends on
// another (a reference cycle), the batch is sent as-is rather than
// spinning forever.
func splitDependentOps(batch []*models.SyncOperation) (ready, deferred []*models.SyncOperation) {
	tempIDs := make(map[string]bool)
	for _, op := range batch {
		if op.Kind == models.OpCreate && models.IsTempID(op.EntityID) {
			tempIDs[op.EntityID] = true
		}
	}
	if len(tempIDs) == 0 {
		return batch, nil
	}

	for _, op := range batch {
		if referencesOtherTempID(op, tempIDs) {
			deferred = append(deferred, op)
		} else {
			ready = append(ready, op)
		}
	}
	if len(ready) == 0 {
		return batch, nil
	}
	return ready, deferred
}

// referencesOtherTempID reports whether any top-level string field of
// the payload names a temporary ID from the set, not counting the
// operation's own entity ID.
func referencesOtherTempID(op *models.SyncOperation, tempIDs map[string]bool) bool {
	if len(op.Payload) == 0 {
		return false
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(op.Payload, &fields); err != nil {
		return false
	}
	for _, v := range fields {
		if s, ok := v.(string); ok && s != op.EntityID && tempIDs[s] {
			return true
		}
	}
	return false
}

func (o *Orchestrator) pushBatch(ctx context.Context, batch []*models.SyncOperation, result *CycleResult) error {
	items := make([]api.PushItem, 0, len(batch))
	byKey := make(map[string]*models.SyncOperation, len(batch))
	var ids []string

	for _, op := range batch {
		item, err := o.buildPushItem(op)
		if err != nil {
			// The payload cannot be serialized; it will never succeed.
			o.logger.Warn("dropping unserializable operation",
				"operation_id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
			if markErr := o.queue.MarkRejected(ctx, op.ID, err.Error()); markErr != nil {
				return fmt.Errorf("failed to reject operation: %w", markErr)
			}
			continue
		}
		items = append(items, item)
		byKey[op.IdempotencyKey] = op
		ids = append(ids, op.ID)
	}

	if len(items) == 0 {
		return nil
	}

	if err := o.queue.MarkInFlight(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark batch in flight: %w", err)
	}

	resp, err := o.client.Push(ctx, api.PushRequest{Items: items})
	if err != nil {
		// Whole-transport failure: every item stays retryable.
		for _, id := range ids {
			if markErr := o.queue.MarkFailed(ctx, id, err.Error()); markErr != nil {
				return fmt.Errorf("failed to record push failure: %w", markErr)
			}
		}
		return fmt.Errorf("push request failed: %w", err)
	}

	handled := make(map[string]bool, len(resp.Results))
	for _, res := range resp.Results {
		op, ok := byKey[res.IdempotencyKey]
		if !ok {
			o.logger.Warn("push result for unknown idempotency key", "key", res.IdempotencyKey)
			continue
		}
		handled[res.IdempotencyKey] = true

		// An earlier accepted create in this batch may have remapped this
		// operation's entity ID and payload; use the stored state.
		if current, err := o.queue.Get(ctx, op.ID); err == nil {
			op = current
		}

		if err := o.handlePushResult(ctx, op, res, result); err != nil {
			return err
		}
	}

	// Items the server did not answer for are treated as transient.
	for key, op := range byKey {
		if handled[key] {
			continue
		}
		if err := o.queue.MarkFailed(ctx, op.ID, "no result from server"); err != nil {
			return fmt.Errorf("failed to record missing result: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) buildPushItem(op *models.SyncOperation) (api.PushItem, error) {
	item := api.PushItem{
		IdempotencyKey:  op.IdempotencyKey,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            string(op.Kind),
		BaseFingerprint: op.BaseFingerprint,
	}

	if op.Kind == models.OpDelete {
		return item, nil
	}

	a, err := o.adapters.Get(op.EntityType)
	if err != nil {
		return api.PushItem{}, err
	}
	wire, err := a.ToWire(op.Payload)
	if err != nil {
		return api.PushItem{}, err
	}
	item.Payload = wire
	return item, nil
}

func (o *Orchestrator) handlePushResult(ctx context.Context, op *models.SyncOperation, res api.PushItemResult, result *CycleResult) error {
	switch res.Status {
	case api.PushAccepted:
		return o.handleAccepted(ctx, op, res, result)

	case api.PushRejectedTransient:
		o.logger.Warn("operation rejected transiently",
			"operation_id", op.ID, "entity_id", op.EntityID, "message", res.Message)
		if err := o.queue.MarkFailed(ctx, op.ID, res.Message); err != nil {
			return fmt.Errorf("failed to record transient rejection: %w", err)
		}
		return nil

	case api.PushRejectedVersionConflict:
		return o.handleVersionConflict(ctx, op, res, result)

	case api.PushRejectedPermanent:
		o.logger.Warn("operation rejected permanently",
			"operation_id", op.ID, "entity_id", op.EntityID, "message", res.Message)
		if err := o.queue.MarkRejected(ctx, op.ID, res.Message); err != nil {
			return fmt.Errorf("failed to record permanent rejection: %w", err)
		}
		return nil

	default:
		if err := o.queue.MarkFailed(ctx, op.ID, fmt.Sprintf("unknown push status %q", res.Status)); err != nil {
			return fmt.Errorf("failed to record unknown status: %w", err)
		}
		return nil
	}
}

// handleAccepted confirms an operation: temp IDs are remapped to the
// server-assigned ID across the queue, the local store and dependent
// references before the operation is removed.
func (o *Orchestrator) handleAccepted(ctx context.Context, op *models.SyncOperation, res api.PushItemResult, result *CycleResult) error {
	entityID := op.EntityID

	if op.Kind == models.OpCreate && res.ServerEntityID != "" && res.ServerEntityID != op.EntityID {
		if err := o.records.RemapRecordID(ctx, op.EntityType, op.EntityID, res.ServerEntityID); err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
			return fmt.Errorf("failed to remap local record: %w", err)
		}
		if err := o.queue.RemapEntityID(ctx, op.EntityType, op.EntityID, res.ServerEntityID); err != nil {
			return fmt.Errorf("failed to remap queued operations: %w", err)
		}
		entityID = res.ServerEntityID
		o.logger.Info("assigned server id",
			"entity_type", op.EntityType, "temp_id", op.EntityID, "server_id", entityID)

		// The remap rewrote this operation's stored payload too; refresh
		// it so the baseline is fingerprinted over the final IDs.
		if current, err := o.queue.Get(ctx, op.ID); err == nil {
			op = current
		}
	}

	if op.Kind != models.OpDelete {
		if err := o.updateBaseFingerprint(ctx, op, entityID); err != nil {
			return err
		}
	}

	if err := o.queue.MarkSucceeded(ctx, []string{op.ID}); err != nil {
		return fmt.Errorf("failed to mark operation succeeded: %w", err)
	}
	result.Pushed++
	return nil
}

// updateBaseFingerprint records the pushed state as the new last-synced
// baseline. Local edits made after the push started keep the record
// dirty relative to this baseline, which is exactly right.
func (o *Orchestrator) updateBaseFingerprint(ctx context.Context, op *models.SyncOperation, entityID string) error {
	a, err := o.adapters.Get(op.EntityType)
	if err != nil {
		return err
	}
	fp, err := a.Fingerprint(op.Payload)
	if err != nil {
		return fmt.Errorf("failed to fingerprint accepted payload: %w", err)
	}

	rec, err := o.records.ReadRecord(ctx, op.EntityType, entityID)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read record after push: %w", err)
	}

	rec.BaseFingerprint = fp
	if err := o.records.WriteRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to update base fingerprint: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleVersionConflict(ctx context.Context, op *models.SyncOperation, res api.PushItemResult, result *CycleResult) error {
	localData := op.Payload
	if len(localData) == 0 {
		// Deletes carry no payload; capture the local record instead.
		if rec, err := o.records.ReadRecord(ctx, op.EntityType, op.EntityID); err == nil {
			localData = rec.Data
		}
	}

	if _, err := o.conflicts.Record(ctx, op.EntityType, op.EntityID, localData, res.CurrentServerSnapshot); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	if err := o.queue.Remove(ctx, op.ID); err != nil && !errors.Is(err, storage.ErrOperationNotFound) {
		return fmt.Errorf("failed to remove conflicted operation: %w", err)
	}

	o.logger.Info("version conflict recorded",
		"entity_type", op.EntityType, "entity_id", op.EntityID)
	result.Conflicts++
	return nil
}

func (o *Orchestrator) pullPhase(ctx context.Context) (*api.PullResponse, error) {
	cursor, err := o.metadata.GetSyncCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}

	resp, err := o.client.Pull(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// reconcile applies pulled changes to the local store, recording a
// conflict instead of applying whenever the local record carries
// unsynced edits that differ from the server state.
func (o *Orchestrator) reconcile(ctx context.Context, resp *api.PullResponse, result *CycleResult) error {
	for _, change := range resp.Changes {
		if err := o.applyChange(ctx, change, result); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyChange(ctx context.Context, change api.PullChange, result *CycleResult) error {
	a, err := o.adapters.Get(change.EntityType)
	if err != nil {
		o.logger.Warn("skipping change for unknown entity type", "entity_type", change.EntityType)
		return nil
	}

	rec, err := o.records.ReadRecord(ctx, change.EntityType, change.EntityID)
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return fmt.Errorf("failed to read local record: %w", err)
	}

	if change.DeletedAt != nil {
		return o.applyRemoteDelete(ctx, a, change, rec, result)
	}

	var localData []byte
	if rec != nil {
		localData = rec.Data
	}

	incoming, err := a.FromWire(change.Snapshot, localData)
	if err != nil {
		return fmt.Errorf("failed to convert snapshot for %s/%s: %w", change.EntityType, change.EntityID, err)
	}
	serverFp, err := a.Fingerprint(incoming)
	if err != nil {
		return fmt.Errorf("failed to fingerprint snapshot: %w", err)
	}

	// First sight of the entity: just store it.
	if rec == nil {
		newRec := &models.LocalRecord{
			EntityType:      change.EntityType,
			EntityID:        change.EntityID,
			Data:            incoming,
			BaseFingerprint: serverFp,
		}
		if err := o.records.WriteRecord(ctx, newRec); err != nil {
			return fmt.Errorf("failed to write pulled record: %w", err)
		}
		result.Pulled++
		return nil
	}

	localFp, err := a.Fingerprint(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to fingerprint local record: %w", err)
	}

	// Already converged; only the baseline may need refreshing.
	if localFp == serverFp {
		if rec.BaseFingerprint != serverFp {
			rec.BaseFingerprint = serverFp
			if err := o.records.WriteRecord(ctx, rec); err != nil {
				return fmt.Errorf("failed to refresh baseline: %w", err)
			}
		}
		return nil
	}

	// Clean local record: the server state wins.
	if rec.BaseFingerprint == localFp || rec.Deleted {
		rec.Data = incoming
		rec.BaseFingerprint = serverFp
		rec.Deleted = false
		rec.DeletedAt = nil
		rec.UpdatedAt = time.Now()
		if err := o.records.WriteRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to apply pulled change: %w", err)
		}
		result.Pulled++
		return nil
	}

	// Local record diverged from both the baseline and the server.
	o.logger.Debug("pull conflict detected",
		"entity_type", change.EntityType, "entity_id", change.EntityID)
	if _, err := o.conflicts.Record(ctx, change.EntityType, change.EntityID, rec.Data, change.Snapshot); err != nil {
		return fmt.Errorf("failed to record pull conflict: %w", err)
	}
	result.Conflicts++
	return nil
}

func (o *Orchestrator) applyRemoteDelete(ctx context.Context, a adapter.Adapter, change api.PullChange, rec *models.LocalRecord, result *CycleResult) error {
	if rec == nil || rec.Deleted {
		return nil
	}

	localFp, err := a.Fingerprint(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to fingerprint local record: %w", err)
	}

	if rec.BaseFingerprint != "" && rec.BaseFingerprint != localFp {
		// Local edits against a remotely deleted entity.
		if _, err := o.conflicts.Record(ctx, change.EntityType, change.EntityID, rec.Data, change.Snapshot); err != nil {
			return fmt.Errorf("failed to record delete conflict: %w", err)
		}
		result.Conflicts++
		return nil
	}

	deletedAt := time.Now()
	if change.DeletedAt != nil {
		deletedAt = *change.DeletedAt
	}
	if err := o.records.SoftDeleteRecord(ctx, change.EntityType, change.EntityID, deletedAt); err != nil {
		return fmt.Errorf("failed to apply remote delete: %w", err)
	}
	result.Pulled++
	return nil
}
