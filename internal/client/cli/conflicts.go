package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/models"
)

// RunConflicts lists unresolved conflicts.
func (c *Cli) RunConflicts(ctx context.Context) error {
	conflicts, err := c.engine.ListUnresolvedConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		c.printf("No unresolved conflicts.\n")
		return nil
	}

	c.printf("=== Unresolved Conflicts (%d) ===\n\n", len(conflicts))
	for _, conflict := range conflicts {
		c.printf("ID:          %s\n", conflict.ID)
		c.printf("Entity:      %s/%s\n", conflict.EntityType, conflict.EntityID)
		c.printf("Detected:    %s\n", conflict.DetectedAt.Format(time.RFC3339))
		c.printf("Local data:  %s\n", compactJSON(conflict.LocalData))
		c.printf("Server data: %s\n", compactJSON(conflict.ServerData))
		c.printf("\n")
	}
	c.printf("Resolve with 'fieldsync resolve <id> <local|server|merged>'.\n")

	return nil
}

// RunResolve resolves a conflict. args: <conflict-id> <resolution>
// [merged-json].
func (c *Cli) RunResolve(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: resolve <conflict-id> <local|server|merged> [merged-json]")
	}

	conflictID := args[0]
	resolution := models.Resolution(args[1])

	var mergedData json.RawMessage
	switch resolution {
	case models.ResolutionLocal, models.ResolutionServer:
	case models.ResolutionMerged:
		if len(args) < 3 {
			return fmt.Errorf("merged resolution requires the merged record JSON")
		}
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("merged data is not valid JSON")
		}
		mergedData = json.RawMessage(args[2])
	default:
		return fmt.Errorf("unknown resolution %q (want local, server or merged)", args[1])
	}

	if err := c.engine.ResolveConflict(ctx, conflictID, resolution, mergedData); err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	c.printf("Conflict %s resolved (%s).\n", conflictID, resolution)
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
