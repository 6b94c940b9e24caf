package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fieldworks/fieldsync/internal/client/api"
	"github.com/fieldworks/fieldsync/internal/client/cli"
	"github.com/fieldworks/fieldsync/internal/client/storage/boltdb"
	"github.com/fieldworks/fieldsync/internal/client/sync"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "fieldsync-client.db", "Path to local database")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}

	command := args[0]
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	store, err := boltdb.New(ctx, *dbPath, boltdb.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	engine, err := sync.NewEngine(ctx, sync.Config{
		Logger:    logger,
		Queue:     store,
		Conflicts: store,
		Records:   store,
		Metadata:  store,
		Client:    api.NewClient(*serverURL),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start sync engine: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("failed to close sync engine", "error", err)
		}
	}()

	c := cli.New(engine)

	switch command {
	case "status":
		err = c.RunStatus(ctx)
	case "sync":
		err = c.RunSync(ctx)
	case "enqueue":
		err = c.RunEnqueue(ctx, args[1:])
	case "conflicts":
		err = c.RunConflicts(ctx)
	case "resolve":
		err = c.RunResolve(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		cli.PrintUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("FieldSync Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
