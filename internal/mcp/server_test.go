package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/maintainer"
	"github.com/notectx/notectx-mcp/internal/scheduler"
	"github.com/notectx/notectx-mcp/internal/searcher"
	"github.com/notectx/notectx-mcp/internal/vault"
)

const testModelID = "test-model"

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct {
	spec embedder.ModelSpec
}

func (f *fixedEmbedder) Embed(ctx context.Context, req embedder.Request) (*embedder.Embedding, error) {
	return &embedder.Embedding{
		Vector:    []float32{1, 0, 0},
		Dimension: 3,
		ModelID:   f.spec.ID,
		Artifact:  f.spec.ID,
	}, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, req embedder.BatchRequest) (*embedder.BatchResponse, error) {
	out := &embedder.BatchResponse{ModelID: f.spec.ID, Artifact: f.spec.ID}
	for range req.Texts {
		emb, _ := f.Embed(ctx, embedder.Request{})
		out.Embeddings = append(out.Embeddings, emb)
	}
	return out, nil
}

func (f *fixedEmbedder) Spec() embedder.ModelSpec { return f.spec }
func (f *fixedEmbedder) Artifact() string         { return f.spec.ID }
func (f *fixedEmbedder) Close() error             { return nil }

// newTestServer wires a complete engine over a temp vault and index.
func newTestServer(t *testing.T) (*Server, *maintainer.Maintainer) {
	t.Helper()

	vaultDir := t.TempDir()
	writeNote := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(vaultDir, name), []byte(content), 0o644))
	}
	writeNote("alpha.md", "# Alpha Note\n\nAlpha content linking to [[beta]].")
	writeNote("beta.md", "# Beta Note\n\nBeta content.")

	v, err := vault.NewFSVault(vaultDir)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

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
	emb := &fixedEmbedder{spec: spec}

	pool := scheduler.New(emb, scheduler.Options{Workers: 2})
	t.Cleanup(func() { pool.Close() })

	require.NoError(t, store.SetActiveShard(context.Background(), testModelID, 3))

	g := graph.New(graph.Options{})
	cfg := config.Default()
	cfg.VaultPath = vaultDir

	srch := searcher.New(store, g, pool, spec, cfg)
	maint := maintainer.New(v, store, g, pool, srch, spec, cfg, log.New(io.Discard, "", 0))

	return NewServer(store, srch, maint, g, cfg), maint
}

func callTool(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestIndexVaultThenSearch(t *testing.T) {
	s, maint := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleIndexVault(ctx, callTool(nil))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, float64(2), out["indexed"])
	assert.Equal(t, float64(0), out["failed"])

	maint.WaitForEmbeds()

	res, err = s.handleSearchNotes(ctx, callTool(map[string]interface{}{
		"query": "alpha",
	}))
	require.NoError(t, err)
	out = resultJSON(t, res)

	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, results)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "alpha.md", first["path"])
	assert.Equal(t, "Alpha Note", first["title"])
	assert.Equal(t, float64(1), first["rank"])
}

func TestSearchNotesHealsShardMismatch(t *testing.T) {
	s, maint := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleIndexVault(ctx, callTool(nil))
	require.NoError(t, err)
	maint.WaitForEmbeds()

	// Simulate a persisted shard whose dimensionality no longer matches
	// the active model; the next search must repair it, not fail.
	require.NoError(t, s.store.ResetShard(ctx, testModelID, 5))

	res, err := s.handleSearchNotes(ctx, callTool(map[string]interface{}{
		"query": "alpha",
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)

	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, results)

	maint.WaitForEmbeds()
	info, err := s.store.GetShard(ctx, testModelID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Dimension)
	assert.Positive(t, info.Records)
}

func TestSearchNotesRequiresQuery(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleSearchNotes(context.Background(), callTool(map[string]interface{}{}))
	require.Error(t, err)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeEmptyQuery, mcpErr.Code)
}

func TestSearchNotesValidatesLimit(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleSearchNotes(context.Background(), callTool(map[string]interface{}{
		"query": "alpha",
		"limit": float64(500),
	}))
	require.Error(t, err)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestVaultStatusReportsShards(t *testing.T) {
	s, maint := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleIndexVault(ctx, callTool(nil))
	require.NoError(t, err)
	maint.WaitForEmbeds()

	res, err := s.handleVaultStatus(ctx, callTool(nil))
	require.NoError(t, err)
	out := resultJSON(t, res)

	assert.Equal(t, testModelID, out["active_model"])

	stats := out["statistics"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["notes"])
	assert.Equal(t, float64(2), stats["embeddings"])

	graphInfo := out["graph"].(map[string]interface{})
	assert.Equal(t, float64(2), graphInfo["nodes"])

	shards := out["shards"].([]interface{})
	require.Len(t, shards, 1)
	active := shards[0].(map[string]interface{})
	assert.Equal(t, true, active["active"])
}

func TestSetModelUnknown(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleSetModel(context.Background(), callTool(map[string]interface{}{
		"model": "no-such-model",
	}))
	require.Error(t, err)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeUnknownModel, mcpErr.Code)
}

func TestListModels(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleListModels(context.Background(), callTool(nil))
	require.NoError(t, err)
	out := resultJSON(t, res)

	models := out["models"].([]interface{})
	require.NotEmpty(t, models)

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.(map[string]interface{})["id"].(string)
	}
	assert.Contains(t, ids, "nomic-embed-text")
	assert.Contains(t, ids, "text-embedding-3-small")
}

func TestPruneShardRefusesActive(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handlePruneShard(context.Background(), callTool(map[string]interface{}{
		"model": testModelID,
	}))
	require.Error(t, err)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeShardActive, mcpErr.Code)
}

func TestPruneShardUnknown(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handlePruneShard(context.Background(), callTool(map[string]interface{}{
		"model": "never-used",
	}))
	require.Error(t, err)

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestServerRegistersAllTools(t *testing.T) {
	s, _ := newTestServer(t)

	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.store)
	assert.NotNil(t, s.searcher)
	assert.NotNil(t, s.maintainer)
}
