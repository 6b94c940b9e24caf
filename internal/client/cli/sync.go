package cli

import (
	"context"
	"fmt"
)

// RunSync runs one sync cycle and reports its outcome.
func (c *Cli) RunSync(ctx context.Context) error {
	c.printf("Syncing...\n")

	result, err := c.engine.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	c.printf("Pushed:    %d operation(s)\n", result.Pushed)
	c.printf("Pulled:    %d change(s)\n", result.Pulled)
	if result.Conflicts > 0 {
		c.printf("Conflicts: %d new. Run 'fieldsync conflicts' to inspect.\n", result.Conflicts)
	}

	return nil
}
