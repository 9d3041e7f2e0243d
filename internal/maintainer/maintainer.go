package maintainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/notes"
	"github.com/notectx/notectx-mcp/internal/scheduler"
	"github.com/notectx/notectx-mcp/internal/vault"
	"github.com/notectx/notectx-mcp/pkg/types"
)

// RenameGrace is how long a deletion is held before it is applied, giving
// the matching create of a rename time to arrive.
const RenameGrace = 500 * time.Millisecond

// Searcher is the slice of the query layer the maintainer drives.
type Searcher interface {
	InvalidateCache()
	SetModel(spec embedder.ModelSpec)
}

// RebuildStats summarizes a full rebuild.
type RebuildStats struct {
	Indexed   int
	Unchanged int
	Failed    int
	Pruned    int
	Scheduled int // Embeddings queued on the bulk lane
	Duration  time.Duration
}

// Maintainer synchronizes vault, index, graph, and embeddings.
type Maintainer struct {
	vault  vault.Vault
	store  *index.Store
	graph  *graph.Graph
	pool   *scheduler.Pool
	search Searcher
	parser *notes.Parser
	cfg    config.Config
	logger *log.Logger

	mu    sync.Mutex
	model embedder.ModelSpec

	// Deletions held for rename correlation. expired carries paths whose
	// grace window ran out back onto the event loop.
	delMu   sync.Mutex
	held    map[string]*time.Timer
	expired chan string

	embedWG sync.WaitGroup
}

// New creates a maintainer. The model spec names the active shard that
// incremental embedding work targets.
func New(v vault.Vault, store *index.Store, g *graph.Graph, pool *scheduler.Pool, search Searcher, spec embedder.ModelSpec, cfg config.Config, logger *log.Logger) *Maintainer {
	if logger == nil {
		logger = log.Default()
	}
	return &Maintainer{
		vault:   v,
		store:   store,
		graph:   g,
		pool:    pool,
		search:  search,
		parser:  notes.New(),
		cfg:     cfg,
		logger:  logger,
		model:   spec,
		held:    make(map[string]*time.Timer),
		expired: make(chan string, 64),
	}
}

// Run consumes vault change events until ctx is cancelled or the vault's
// event stream closes. It is the only goroutine that mutates the index in
// response to watcher activity.
func (m *Maintainer) Run(ctx context.Context) error {
	defer m.embedWG.Wait()
	defer m.cancelHeld()

	events := m.vault.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(ctx, ev)
		case path := <-m.expired:
			m.applyDelete(ctx, path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Maintainer) handleEvent(ctx context.Context, ev types.ChangeEvent) {
	switch ev.Kind {
	case types.ChangeCreated, types.ChangeModified:
		if err := m.indexNote(ctx, ev.Path); err != nil {
			m.logger.Printf("maintainer: index %s: %v", ev.Path, err)
		}
	case types.ChangeDeleted:
		m.holdDelete(ev.Path)
	case types.ChangeRenamed:
		// The watcher never emits this kind itself; handle it anyway for
		// vault implementations that can report renames directly.
		if err := m.applyRename(ctx, ev.OldPath, ev.Path); err != nil {
			m.logger.Printf("maintainer: rename %s -> %s: %v", ev.OldPath, ev.Path, err)
		}
	}
}

// indexNote brings one note's stored row up to date and schedules embedding
// if the content changed. A create whose fingerprint matches a held
// deletion is applied as a rename first, preserving the stored vector.
func (m *Maintainer) indexNote(ctx context.Context, path string) error {
	content, err := m.vault.ReadContent(ctx, path)
	if errors.Is(err, vault.ErrNotFound) {
		// Deleted again before we got to it; the delete event follows.
		return nil
	}
	if err != nil {
		return err
	}

	note := m.parser.Parse(path, content)
	if modTime, size, err := m.vault.Stat(ctx, path); err == nil {
		note.ModTime = modTime
		note.SizeBytes = size
	}

	stored, err := m.store.GetFingerprint(ctx, path)
	known := err == nil
	if known && stored == note.Fingerprint {
		return nil // Unchanged content, nothing to do.
	}

	needsEmbed := true
	if !known {
		renamed, err := m.correlateRename(ctx, note)
		if err != nil {
			return err
		}
		// A rename moved the embedding along with the row.
		needsEmbed = !renamed
	}

	if err := m.store.UpsertNote(ctx, note); err != nil {
		return err
	}
	m.refreshGraph(ctx)
	m.search.InvalidateCache()

	if needsEmbed {
		m.scheduleEmbed(ctx, note)
	}
	return nil
}

// correlateRename looks for a stored note with identical content whose file
// is gone and moves its row (and embeddings) to the new path.
func (m *Maintainer) correlateRename(ctx context.Context, note *types.Note) (bool, error) {
	candidates, err := m.store.FindByFingerprint(ctx, note.Fingerprint)
	if err != nil {
		return false, err
	}

	for _, old := range candidates {
		if old == note.Path {
			continue
		}
		if !m.releaseHeld(old) {
			// Not pending deletion; only treat it as the rename source if
			// the file is actually gone from the vault.
			if _, _, err := m.vault.Stat(ctx, old); !errors.Is(err, vault.ErrNotFound) {
				continue
			}
		}
		if err := m.store.RenameNote(ctx, old, note.Path); err != nil {
			if errors.Is(err, index.ErrNotFound) {
				continue
			}
			return false, err
		}
		m.logger.Printf("maintainer: rename detected %s -> %s", old, note.Path)
		return true, nil
	}
	return false, nil
}

func (m *Maintainer) applyRename(ctx context.Context, oldPath, newPath string) error {
	if err := m.store.RenameNote(ctx, oldPath, newPath); err != nil {
		return err
	}
	m.refreshGraph(ctx)
	m.search.InvalidateCache()
	return nil
}

// holdDelete defers a deletion by the rename grace window.
func (m *Maintainer) holdDelete(path string) {
	m.delMu.Lock()
	defer m.delMu.Unlock()

	if t, ok := m.held[path]; ok {
		t.Stop()
	}
	m.held[path] = time.AfterFunc(RenameGrace, func() {
		m.delMu.Lock()
		delete(m.held, path)
		m.delMu.Unlock()

		select {
		case m.expired <- path:
		default:
			// Event loop saturated; the next rebuild prunes the row.
		}
	})
}

// releaseHeld cancels a pending deletion, reporting whether one existed.
func (m *Maintainer) releaseHeld(path string) bool {
	m.delMu.Lock()
	defer m.delMu.Unlock()

	t, ok := m.held[path]
	if ok {
		t.Stop()
		delete(m.held, path)
	}
	return ok
}

func (m *Maintainer) cancelHeld() {
	m.delMu.Lock()
	defer m.delMu.Unlock()
	for path, t := range m.held {
		t.Stop()
		delete(m.held, path)
	}
}

func (m *Maintainer) applyDelete(ctx context.Context, path string) {
	if err := m.store.DeleteNote(ctx, path); err != nil && !errors.Is(err, index.ErrNotFound) {
		m.logger.Printf("maintainer: delete %s: %v", path, err)
		return
	}
	m.refreshGraph(ctx)
	m.search.InvalidateCache()
}

// refreshGraph reloads topology from the index. Centrality itself stays
// lazy; this only updates adjacency and the staleness counter.
func (m *Maintainer) refreshGraph(ctx context.Context) {
	paths, err := m.store.ListNotePaths(ctx)
	if err != nil {
		m.logger.Printf("maintainer: list paths: %v", err)
		return
	}
	stored, err := m.store.ListEdges(ctx)
	if err != nil {
		m.logger.Printf("maintainer: list edges: %v", err)
		return
	}

	edges := make([]graph.Edge, len(stored))
	for i, e := range stored {
		edges[i] = graph.Edge{Source: e.Source, Target: e.Target}
	}
	m.graph.Update(paths, edges)
}

// scheduleEmbed queues the note on the bulk lane and collects the result in
// the background. Stale results are discarded by the store, so a note
// edited again while queued resolves to the newest content.
func (m *Maintainer) scheduleEmbed(ctx context.Context, note *types.Note) {
	model := m.activeModel()

	_, respCh, err := m.pool.Submit(ctx, note.Content, scheduler.PriorityLow)
	if err != nil {
		if errors.Is(err, types.ErrQueueFull) {
			// Backpressure: leave it stale, the periodic sweep retries.
			m.logger.Printf("maintainer: embed queue full, deferring %s", note.Path)
			return
		}
		m.logger.Printf("maintainer: submit %s: %v", note.Path, err)
		return
	}

	fingerprint := note.Fingerprint
	path := note.Path
	m.embedWG.Add(1)
	go func() {
		defer m.embedWG.Done()

		var resp scheduler.Response
		select {
		case resp = <-respCh:
		case <-ctx.Done():
			return
		}
		if resp.Err != nil {
			m.logger.Printf("maintainer: embed %s: %v", path, resp.Err)
			return
		}

		applied, err := m.store.UpsertEmbedding(context.Background(), &types.EmbeddingRecord{
			Path:        path,
			ModelID:     model.ID,
			Vector:      resp.Output.Vector,
			Dimension:   resp.Output.Dimension,
			Fingerprint: fingerprint,
			TokenCount:  resp.Output.TokenCount,
			Truncated:   resp.Output.Truncated,
			Artifact:    resp.Output.Artifact,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			m.logger.Printf("maintainer: store embedding %s: %v", path, err)
			return
		}
		if applied {
			m.search.InvalidateCache()
		}
	}()
}

func (m *Maintainer) activeModel() embedder.ModelSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Rebuild re-indexes the whole vault: every document is parsed and
// upserted, rows for vanished files are pruned, and notes without a current
// vector are queued for embedding. Unchanged notes are cheap no-ops.
func (m *Maintainer) Rebuild(ctx context.Context) (*RebuildStats, error) {
	start := time.Now()
	stats := &RebuildStats{}

	docs, err := m.vault.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}

	workers := m.cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, path := range docs {
		g.Go(func() error {
			changed, err := m.rebuildNote(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				m.logger.Printf("maintainer: rebuild %s: %v", path, err)
			case changed:
				stats.Indexed++
			default:
				stats.Unchanged++
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pruned, err := m.pruneVanished(ctx, docs)
	if err != nil {
		return nil, err
	}
	stats.Pruned = pruned

	m.refreshGraph(ctx)
	m.search.InvalidateCache()

	scheduled, err := m.sweepStale(ctx)
	if err != nil {
		return nil, err
	}
	stats.Scheduled = scheduled

	if err := m.store.MarkShardRebuilt(ctx, m.activeModel().ID); err != nil && !errors.Is(err, index.ErrNotFound) {
		m.logger.Printf("maintainer: mark rebuilt: %v", err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// rebuildNote upserts one document, reporting whether its content changed.
func (m *Maintainer) rebuildNote(ctx context.Context, path string) (bool, error) {
	content, err := m.vault.ReadContent(ctx, path)
	if err != nil {
		return false, err
	}

	note := m.parser.Parse(path, content)
	if modTime, size, err := m.vault.Stat(ctx, path); err == nil {
		note.ModTime = modTime
		note.SizeBytes = size
	}

	stored, err := m.store.GetFingerprint(ctx, path)
	if err == nil && stored == note.Fingerprint {
		return false, nil
	}

	return true, m.store.UpsertNote(ctx, note)
}

// pruneVanished deletes index rows whose files are gone from the vault.
func (m *Maintainer) pruneVanished(ctx context.Context, docs []string) (int, error) {
	present := make(map[string]bool, len(docs))
	for _, p := range docs {
		present[p] = true
	}

	indexed, err := m.store.ListNotePaths(ctx)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, path := range indexed {
		if present[path] {
			continue
		}
		if err := m.store.DeleteNote(ctx, path); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// sweepStale queues embedding work for every note whose vector is missing
// or out of date under the active model.
func (m *Maintainer) sweepStale(ctx context.Context) (int, error) {
	stale, err := m.store.StalePaths(ctx, m.activeModel().ID)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, path := range stale {
		note, err := m.store.GetNote(ctx, path)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				continue
			}
			return scheduled, err
		}
		m.scheduleEmbed(ctx, note)
		scheduled++
	}
	return scheduled, nil
}

// WaitForEmbeds blocks until every scheduled embedding result has been
// collected. Meant for tests and shutdown.
func (m *Maintainer) WaitForEmbeds() {
	m.embedWG.Wait()
}
