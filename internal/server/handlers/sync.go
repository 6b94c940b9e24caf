// Package handlers implements the HTTP endpoints of the dev sync server.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fieldworks/fieldsync/internal/fingerprint"
	"github.com/fieldworks/fieldsync/internal/server/storage"
	"github.com/fieldworks/fieldsync/pkg/api"
)

// SyncHandler handles push and pull requests.
type SyncHandler struct {
	logger  *slog.Logger
	storage storage.SyncStorage
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(logger *slog.Logger, store storage.SyncStorage) *SyncHandler {
	return &SyncHandler{
		logger:  logger,
		storage: store,
	}
}

// HandlePush handles POST /sync/push. Items are processed in order; each
// gets an individual verdict. Replayed idempotency keys return the
// originally recorded verdict without reapplying the mutation.
func (h *SyncHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to decode request body")
		return
	}

	ctx := r.Context()
	resp := api.PushResponse{Results: make([]api.PushItemResult, 0, len(req.Items))}

	for _, item := range req.Items {
		result, err := h.processItem(r, item)
		if err != nil {
			h.logger.Error("failed to process push item",
				"idempotency_key", item.IdempotencyKey, "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to process push")
			return
		}
		resp.Results = append(resp.Results, *result)

		if recorded, err := json.Marshal(result); err == nil {
			if err := h.storage.SavePushResult(ctx, item.IdempotencyKey, recorded); err != nil {
				h.logger.Warn("failed to record idempotency result", "error", err)
			}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *SyncHandler) processItem(r *http.Request, item api.PushItem) (*api.PushItemResult, error) {
	ctx := r.Context()

	// Replay protection: a key we've answered before gets the same answer.
	if recorded, err := h.storage.GetPushResult(ctx, item.IdempotencyKey); err == nil {
		var result api.PushItemResult
		if err := json.Unmarshal(recorded, &result); err == nil {
			h.logger.Info("replayed push item", "idempotency_key", item.IdempotencyKey)
			return &result, nil
		}
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	result := &api.PushItemResult{IdempotencyKey: item.IdempotencyKey}

	if item.EntityType == "" {
		result.Status = api.PushRejectedPermanent
		result.Message = "entity_type is required"
		return result, nil
	}

	switch item.Kind {
	case "create":
		return h.processCreate(r, item, result)
	case "update":
		return h.processUpdate(r, item, result)
	case "delete":
		return h.processDelete(r, item, result)
	default:
		result.Status = api.PushRejectedPermanent
		result.Message = fmt.Sprintf("unknown operation kind %q", item.Kind)
		return result, nil
	}
}

func (h *SyncHandler) processCreate(r *http.Request, item api.PushItem, result *api.PushItemResult) (*api.PushItemResult, error) {
	ctx := r.Context()

	snapshot, ok := validateSnapshot(item.Payload)
	if !ok {
		result.Status = api.PushRejectedPermanent
		result.Message = "payload must be a JSON object"
		return result, nil
	}

	serverID, err := h.storage.NextEntityID(ctx, item.EntityType)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate server id: %w", err)
	}

	snapshot["id"] = serverID
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	fp, err := fingerprint.Hash(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint snapshot: %w", err)
	}

	if err := h.storage.UpsertEntity(ctx, item.EntityType, serverID, raw, fp); err != nil {
		return nil, err
	}

	h.logger.Info("created entity", "entity_type", item.EntityType, "entity_id", serverID)
	result.Status = api.PushAccepted
	result.ServerEntityID = serverID
	return result, nil
}

func (h *SyncHandler) processUpdate(r *http.Request, item api.PushItem, result *api.PushItemResult) (*api.PushItemResult, error) {
	ctx := r.Context()

	if _, ok := validateSnapshot(item.Payload); !ok {
		result.Status = api.PushRejectedPermanent
		result.Message = "payload must be a JSON object"
		return result, nil
	}

	existing, err := h.storage.GetEntity(ctx, item.EntityType, item.EntityID)
	if errors.Is(err, storage.ErrEntityNotFound) {
		result.Status = api.PushRejectedPermanent
		result.Message = "entity does not exist"
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}

	if existing.Fingerprint != item.BaseFingerprint {
		result.Status = api.PushRejectedVersionConflict
		result.CurrentServerSnapshot = existing.Snapshot
		result.Message = "entity changed since client baseline"
		return result, nil
	}

	fp, err := fingerprint.Hash(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint snapshot: %w", err)
	}
	if err := h.storage.UpsertEntity(ctx, item.EntityType, item.EntityID, item.Payload, fp); err != nil {
		return nil, err
	}

	result.Status = api.PushAccepted
	return result, nil
}

func (h *SyncHandler) processDelete(r *http.Request, item api.PushItem, result *api.PushItemResult) (*api.PushItemResult, error) {
	ctx := r.Context()

	existing, err := h.storage.GetEntity(ctx, item.EntityType, item.EntityID)
	if errors.Is(err, storage.ErrEntityNotFound) {
		// The entity never made it to the server; nothing to delete.
		result.Status = api.PushAccepted
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}

	if existing.DeletedAt != nil {
		result.Status = api.PushAccepted
		return result, nil
	}

	if existing.Fingerprint != item.BaseFingerprint {
		result.Status = api.PushRejectedVersionConflict
		result.CurrentServerSnapshot = existing.Snapshot
		result.Message = "entity changed since client baseline"
		return result, nil
	}

	if err := h.storage.DeleteEntity(ctx, item.EntityType, item.EntityID); err != nil {
		return nil, err
	}

	result.Status = api.PushAccepted
	return result, nil
}

// HandlePull handles GET /sync/pull?since=cursor. The cursor is the
// decimal sequence number of the last change the client applied.
func (h *SyncHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		var err error
		since, err = strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || since < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_cursor", "since must be a non-negative integer")
			return
		}
	}

	entities, err := h.storage.ChangesSince(ctx, since)
	if err != nil {
		h.logger.Error("failed to load changes", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load changes")
		return
	}

	cursor := since
	resp := api.PullResponse{Changes: make([]api.PullChange, 0, len(entities))}
	for _, entity := range entities {
		change := api.PullChange{
			EntityType: entity.EntityType,
			EntityID:   entity.EntityID,
			DeletedAt:  entity.DeletedAt,
		}
		if entity.DeletedAt == nil {
			change.Snapshot = entity.Snapshot
		}
		resp.Changes = append(resp.Changes, change)
		if entity.Seq > cursor {
			cursor = entity.Seq
		}
	}
	resp.Cursor = strconv.FormatInt(cursor, 10)

	h.writeJSON(w, http.StatusOK, resp)
}

func validateSnapshot(payload json.RawMessage) (map[string]any, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func (h *SyncHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: code, Message: message})
}
