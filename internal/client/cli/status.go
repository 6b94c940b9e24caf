package cli

import (
	"context"
	"time"
)

// RunStatus prints the current sync status.
func (c *Cli) RunStatus(ctx context.Context) error {
	status := c.engine.Status()

	c.printf("=== Sync Status ===\n\n")

	if status.IsOnline {
		c.printf("Connectivity:  online\n")
	} else {
		c.printf("Connectivity:  offline\n")
	}

	if status.IsSyncing {
		c.printf("Cycle:         running\n")
	} else {
		c.printf("Cycle:         idle\n")
	}

	if status.LastSync != nil {
		c.printf("Last sync:     %s\n", status.LastSync.Format(time.RFC3339))
	} else {
		c.printf("Last sync:     never\n")
	}

	c.printf("Pending:       %d operation(s)\n", status.PendingOperations)
	if status.FailedOperations > 0 {
		c.printf("Failed:        %d operation(s)\n", status.FailedOperations)
	}
	c.printf("Conflicts:     %d unresolved\n", status.Conflicts)

	if status.Error != "" {
		c.printf("Last error:    %s\n", status.Error)
	}

	return nil
}
