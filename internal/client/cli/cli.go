// Package cli implements the command-line surface of the sync client.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fieldworks/fieldsync/internal/client/sync"
)

// Cli executes client commands against a running sync engine.
type Cli struct {
	engine *sync.Engine
	out    io.Writer
}

// New creates a Cli writing to stdout.
func New(engine *sync.Engine) *Cli {
	return &Cli{engine: engine, out: os.Stdout}
}

// NewWithOutput creates a Cli writing to the given writer. Used in tests.
func NewWithOutput(engine *sync.Engine, out io.Writer) *Cli {
	return &Cli{engine: engine, out: out}
}

// PrintUsage prints the command summary.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `fieldsync - offline-first field service sync client

Usage:
  fieldsync [flags] <command> [arguments]

Commands:
  status                                    Show sync status
  sync                                      Run a sync cycle now
  enqueue <type> <kind> [id] <json>         Queue a local mutation
  conflicts                                 List unresolved conflicts
  resolve <conflict-id> <local|server|merged> [merged-json]
                                            Resolve a conflict

Flags:
  -server string   Server URL (default "http://localhost:8080")
  -db string       Path to local database (default "fieldsync-client.db")
  -version         Show version information
`)
}

func (c *Cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
