package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/models"
)

// RunEnqueue queues a local mutation.
// args: <entity-type> <create|update|delete> [entity-id] [json]
//   - create takes JSON and no ID (a temporary ID is generated)
//   - update takes an ID and JSON
//   - delete takes only an ID
func (c *Cli) RunEnqueue(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: enqueue <type> <create|update|delete> [id] [json]")
	}

	entityType := args[0]
	kind := models.OperationKind(args[1])
	rest := args[2:]

	var entityID string
	var payload json.RawMessage

	switch kind {
	case models.OpCreate:
		if len(rest) == 1 {
			payload = json.RawMessage(rest[0])
		} else if len(rest) == 2 {
			entityID = rest[0]
			payload = json.RawMessage(rest[1])
		} else {
			return fmt.Errorf("usage: enqueue %s create [id] <json>", entityType)
		}
	case models.OpUpdate:
		if len(rest) != 2 {
			return fmt.Errorf("usage: enqueue %s update <id> <json>", entityType)
		}
		entityID = rest[0]
		payload = json.RawMessage(rest[1])
	case models.OpDelete:
		if len(rest) != 1 {
			return fmt.Errorf("usage: enqueue %s delete <id>", entityType)
		}
		entityID = rest[0]
	default:
		return fmt.Errorf("unknown operation kind %q (want create, update or delete)", args[1])
	}

	if payload != nil && !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	id, err := c.engine.Enqueue(ctx, entityType, kind, entityID, payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	c.printf("Queued %s %s %s.\n", kind, entityType, id)
	return nil
}
