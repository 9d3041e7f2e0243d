package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/maintainer"
	"github.com/notectx/notectx-mcp/internal/mcp"
	"github.com/notectx/notectx-mcp/internal/scheduler"
	"github.com/notectx/notectx-mcp/internal/searcher"
	"github.com/notectx/notectx-mcp/internal/vault"
	"github.com/notectx/notectx-mcp/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Handle version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("NoteCtx MCP Server\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", index.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", index.DriverName)
		fmt.Printf("Vector Extension: %v\n", index.VectorExtensionAvailable)
		os.Exit(0)
	}

	// Log startup info to stderr (stdout reserved for MCP protocol)
	log.SetOutput(os.Stderr)
	log.Printf("NoteCtx MCP Server v%s starting...", version)
	log.Printf("Build Mode: %s, Driver: %s, Vector Extension: %v",
		index.BuildMode, index.DriverName, index.VectorExtensionAvailable)

	if err := run(); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
	log.Println("Server stopped")
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if cfg.VaultPath == "" {
		return fmt.Errorf("vault path not configured (set %s)", config.EnvVaultPath)
	}
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}
	cfg.DBPath = dbPath

	v, err := vault.NewFSVault(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer func() { _ = v.Close() }()

	store, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	emb, err := embedder.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize embedder: %w", err)
	}
	defer func() { _ = emb.Close() }()
	spec := emb.Spec()
	log.Printf("Embedding model: %s (%s, %d dims, artifact %s)",
		spec.ID, spec.Provider, spec.Dimension, emb.Artifact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := scheduler.New(emb, scheduler.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	})
	defer pool.Close()

	if err := activateShard(ctx, store, spec.ID, spec.Dimension); err != nil {
		return fmt.Errorf("activate shard: %w", err)
	}

	g := graph.New(graph.Options{
		Damping:       cfg.Damping,
		MaxIterations: cfg.MaxIterations,
	})

	srch := searcher.New(store, g, pool, spec, cfg)
	maint := maintainer.New(v, store, g, pool, srch, spec, cfg, log.Default())

	// Bring the index up to date before serving; embeddings backfill on the
	// bulk lane while queries are already possible.
	stats, err := maint.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("initial index: %w", err)
	}
	log.Printf("Index ready: %d indexed, %d unchanged, %d pruned, %d embeddings queued",
		stats.Indexed, stats.Unchanged, stats.Pruned, stats.Scheduled)

	go func() {
		if err := maint.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Maintenance loop stopped: %v", err)
		}
	}()
	go logProgress(pool)

	server := mcp.NewServer(store, srch, maint, g, cfg)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Println("MCP server ready, listening on stdio...")
		errChan <- server.Serve(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
		return nil
	case err := <-errChan:
		return err
	}
}

// activateShard makes the configured model's shard active, rebuilding the
// shard when its persisted dimensionality disagrees with the catalog. The
// initial Rebuild re-embeds everything the reset dropped.
func activateShard(ctx context.Context, store *index.Store, modelID string, dimension int) error {
	err := store.SetActiveShard(ctx, modelID, dimension)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrShardMismatch) {
		return err
	}

	log.Printf("Shard %s disagrees with the model catalog (%v), rebuilding it", modelID, err)
	if err := store.ResetShard(ctx, modelID, dimension); err != nil {
		return fmt.Errorf("reset shard: %w", err)
	}
	return store.SetActiveShard(ctx, modelID, dimension)
}

// openStore opens the index, recovering from a corrupt database file by
// resetting it. The index is derived state; the vault is the source of
// truth, so a reset only costs a rebuild.
func openStore(dbPath string) (*index.Store, error) {
	store, err := index.Open(dbPath)
	if err == nil {
		return store, nil
	}
	log.Printf("Index unusable (%v), resetting %s", err, dbPath)
	if err := index.Reset(dbPath); err != nil {
		return nil, fmt.Errorf("reset index: %w", err)
	}
	return index.Open(dbPath)
}

func resolveDBPath(cfg config.Config) (string, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".notectx", "index.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return "", fmt.Errorf("create index directory: %w", err)
	}
	return dbPath, nil
}

// logProgress mirrors model-switch progress notifications to stderr.
func logProgress(pool *scheduler.Pool) {
	for pr := range pool.Progress() {
		if pr.File != "" {
			log.Printf("Model switch: %s %s", pr.Status, pr.File)
		} else {
			log.Printf("Model switch: %s", pr.Status)
		}
	}
}
