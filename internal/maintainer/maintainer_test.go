package maintainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/scheduler"
	"github.com/notectx/notectx-mcp/internal/vault"
	"github.com/notectx/notectx-mcp/pkg/types"
)

const testModelID = "test-model"

// memVault is an in-memory vault with a manually driven event stream.
type memVault struct {
	mu     sync.Mutex
	docs   map[string]string
	events chan types.ChangeEvent
}

func newMemVault() *memVault {
	return &memVault{
		docs:   make(map[string]string),
		events: make(chan types.ChangeEvent, 16),
	}
}

func (v *memVault) put(path, content string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs[path] = content
}

func (v *memVault) remove(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.docs, path)
}

func (v *memVault) emit(ev types.ChangeEvent) {
	v.events <- ev
}

func (v *memVault) ListDocuments(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	paths := make([]string, 0, len(v.docs))
	for p := range v.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (v *memVault) ReadContent(ctx context.Context, path string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	content, ok := v.docs[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", vault.ErrNotFound, path)
	}
	return content, nil
}

func (v *memVault) Stat(ctx context.Context, path string) (time.Time, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	content, ok := v.docs[path]
	if !ok {
		return time.Time{}, 0, fmt.Errorf("%w: %s", vault.ErrNotFound, path)
	}
	return time.Unix(1700000000, 0), int64(len(content)), nil
}

func (v *memVault) Events() <-chan types.ChangeEvent { return v.events }
func (v *memVault) Close() error                     { return nil }

// countingEmbedder returns a fixed vector and counts inference calls.
type countingEmbedder struct {
	spec  embedder.ModelSpec
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, req embedder.Request) (*embedder.Embedding, error) {
	c.calls.Add(1)
	return &embedder.Embedding{
		Vector:    []float32{1, 0, 0},
		Dimension: 3,
		ModelID:   c.spec.ID,
		Artifact:  c.spec.ID,
	}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, req embedder.BatchRequest) (*embedder.BatchResponse, error) {
	out := &embedder.BatchResponse{ModelID: c.spec.ID, Artifact: c.spec.ID}
	for range req.Texts {
		emb, err := c.Embed(ctx, embedder.Request{Text: ""})
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, emb)
	}
	return out, nil
}

func (c *countingEmbedder) Spec() embedder.ModelSpec { return c.spec }
func (c *countingEmbedder) Artifact() string         { return c.spec.ID }
func (c *countingEmbedder) Close() error             { return nil }

// recordingSearcher records cache invalidations and model switches.
type recordingSearcher struct {
	invalidations atomic.Int32
	mu            sync.Mutex
	model         embedder.ModelSpec
}

func (r *recordingSearcher) InvalidateCache() { r.invalidations.Add(1) }

func (r *recordingSearcher) SetModel(spec embedder.ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = spec
}

func (r *recordingSearcher) currentModel() embedder.ModelSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

type fixture struct {
	vault      *memVault
	store      *index.Store
	graph      *graph.Graph
	pool       *scheduler.Pool
	search     *recordingSearcher
	embedder   *countingEmbedder
	maintainer *Maintainer
	cfg        config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	spec := embedder.ModelSpec{
		ID:        testModelID,
		Provider:  embedder.ProviderOllama,
		Dimension: 3,
		MaxTokens: 512,
		Overflow:  embedder.OverflowTruncate,
		Tokenizer: embedder.TokenizerWordPiece,
	}
	emb := &countingEmbedder{spec: spec}

	pool := scheduler.New(emb, scheduler.Options{Workers: 2})
	t.Cleanup(func() { pool.Close() })

	v := newMemVault()
	g := graph.New(graph.Options{})
	search := &recordingSearcher{}
	cfg := config.Default()

	require.NoError(t, store.SetActiveShard(context.Background(), testModelID, 3))

	m := New(v, store, g, pool, search, spec, cfg, log.New(io.Discard, "", 0))
	return &fixture{
		vault: v, store: store, graph: g, pool: pool,
		search: search, embedder: emb, maintainer: m, cfg: cfg,
	}
}

func seedVault(v *memVault) {
	v.put("a.md", "# Alpha\n\nNotes on alpha, see [[b]].")
	v.put("b.md", "# Beta\n\nNotes on beta.")
	v.put("c.md", "# Gamma\n\nGamma relates to [[a]].")
}

func TestRebuildIndexesAndEmbeds(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()

	stats, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 0, stats.Pruned)
	assert.Equal(t, 3, stats.Scheduled)

	f.maintainer.WaitForEmbeds()

	for _, path := range []string{"a.md", "b.md", "c.md"} {
		_, err := f.store.GetEmbedding(ctx, path, testModelID)
		assert.NoError(t, err, path)
	}

	nodes, edges := f.graph.Size()
	assert.Equal(t, 3, nodes)
	assert.Equal(t, 2, edges)

	stale, err := f.store.StalePaths(ctx, testModelID)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRebuildSecondPassIsNoop(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()

	_, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()

	stats, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 3, stats.Unchanged)
	assert.Equal(t, 0, stats.Scheduled)
}

func TestRebuildPrunesVanished(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()

	_, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()

	f.vault.remove("c.md")
	stats, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pruned)

	paths, err := f.store.ListNotePaths(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.md", "b.md"}, paths)
}

func startLoop(t *testing.T, f *fixture) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.maintainer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWatcherCreateIndexesNote(t *testing.T) {
	f := newFixture(t)
	startLoop(t, f)

	f.vault.put("new.md", "# New Note\n\nFresh content.")
	f.vault.emit(types.ChangeEvent{Kind: types.ChangeCreated, Path: "new.md"})

	require.Eventually(t, func() bool {
		_, err := f.store.GetNote(context.Background(), "new.md")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := f.store.GetEmbedding(context.Background(), "new.md", testModelID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Greater(t, f.search.invalidations.Load(), int32(0))
}

func TestWatcherModifySkipsUnchangedContent(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	_, err := f.maintainer.Rebuild(context.Background())
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()
	before := f.embedder.calls.Load()

	startLoop(t, f)

	// Touch without changing content, e.g. an editor re-saving the file.
	f.vault.emit(types.ChangeEvent{Kind: types.ChangeModified, Path: "a.md"})

	time.Sleep(200 * time.Millisecond)
	f.maintainer.WaitForEmbeds()
	assert.Equal(t, before, f.embedder.calls.Load())
}

func TestWatcherDeleteAppliesAfterGrace(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	_, err := f.maintainer.Rebuild(context.Background())
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()

	startLoop(t, f)

	f.vault.remove("b.md")
	f.vault.emit(types.ChangeEvent{Kind: types.ChangeDeleted, Path: "b.md"})

	// Still present inside the grace window.
	_, err = f.store.GetNote(context.Background(), "b.md")
	assert.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.store.GetNote(context.Background(), "b.md")
		return err != nil
	}, 3*time.Second, 25*time.Millisecond)
}

func TestRenamePreservesEmbedding(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()
	_, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()
	before := f.embedder.calls.Load()

	startLoop(t, f)

	// A rename arrives as delete(old) + create(new) with identical content.
	content, err := f.vault.ReadContent(ctx, "b.md")
	require.NoError(t, err)
	f.vault.remove("b.md")
	f.vault.put("beta-renamed.md", content)
	f.vault.emit(types.ChangeEvent{Kind: types.ChangeDeleted, Path: "b.md"})
	f.vault.emit(types.ChangeEvent{Kind: types.ChangeCreated, Path: "beta-renamed.md"})

	require.Eventually(t, func() bool {
		_, err := f.store.GetEmbedding(ctx, "beta-renamed.md", testModelID)
		return err == nil
	}, 3*time.Second, 25*time.Millisecond)

	_, err = f.store.GetNote(ctx, "b.md")
	assert.Error(t, err)

	// The vector moved with the note; nothing was re-embedded.
	f.maintainer.WaitForEmbeds()
	assert.Equal(t, before, f.embedder.calls.Load())
}

// fakeOllama serves the model list and fixed-dimension embeddings.
func fakeOllama(t *testing.T, model string, dim int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": model}},
		})
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float64, dim)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vec})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSwitchModelActivatesAndBackfills(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()
	_, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()

	srv := fakeOllama(t, "all-minilm", 384)
	f.maintainer.cfg.BaseURL = srv.URL

	spec, err := f.maintainer.SwitchModel(ctx, "all-minilm")
	require.NoError(t, err)
	assert.Equal(t, "all-minilm", spec.ID)
	assert.Equal(t, 384, spec.Dimension)

	active, err := f.store.ActiveShard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "all-minilm", active.ModelID)
	assert.Equal(t, "all-minilm", f.search.currentModel().ID)

	f.maintainer.WaitForEmbeds()
	for _, path := range []string{"a.md", "b.md", "c.md"} {
		_, err := f.store.GetEmbedding(ctx, path, "all-minilm")
		assert.NoError(t, err, path)
		// The previous shard keeps its vectors for cheap rollback.
		_, err = f.store.GetEmbedding(ctx, path, testModelID)
		assert.NoError(t, err, path)
	}
}

func TestSwitchModelUnavailableKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	seedVault(f.vault)
	ctx := context.Background()
	_, err := f.maintainer.Rebuild(ctx)
	require.NoError(t, err)
	f.maintainer.WaitForEmbeds()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // Unreachable backend.
	f.maintainer.cfg.BaseURL = srv.URL

	_, err = f.maintainer.SwitchModel(ctx, "all-minilm")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)

	active, err := f.store.ActiveShard(ctx)
	require.NoError(t, err)
	assert.Equal(t, testModelID, active.ModelID)
	assert.Equal(t, testModelID, f.maintainer.activeModel().ID)
}

func TestSwitchModelUnknownID(t *testing.T) {
	f := newFixture(t)

	_, err := f.maintainer.SwitchModel(context.Background(), "no-such-model")
	require.Error(t, err)
	assert.ErrorIs(t, err, embedder.ErrUnknownModel)
}
