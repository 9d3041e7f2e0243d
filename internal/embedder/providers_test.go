package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notectx/notectx-mcp/pkg/types"
)

func testSpec(dim int) ModelSpec {
	return ModelSpec{
		ID:        "test-embed",
		Provider:  ProviderOllama,
		Dimension: dim,
		MaxTokens: 64,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerBPE,
		Artifacts: []string{"test-embed", "test-embed:q4_0"},
	}
}

// fakeOllama serves /api/tags and /api/embeddings the way the local runtime
// does, returning a deterministic vector.
func fakeOllama(t *testing.T, models []string, dim int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			type model struct {
				Name string `json:"name"`
			}
			var out struct {
				Models []model `json:"models"`
			}
			for _, m := range models {
				out.Models = append(out.Models, model{Name: m})
			}
			_ = json.NewEncoder(w).Encode(out)
		case "/api/embeddings":
			if calls != nil {
				calls.Add(1)
			}
			vec := make([]float64, dim)
			for i := range vec {
				vec[i] = float64(i) / float64(dim)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vec})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOllamaResolvesPreferredArtifact(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed:latest", "test-embed:q4_0"}, 4, nil)
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL, testSpec(4), nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, "test-embed", p.Artifact())
}

func TestOllamaFallsBackToQuantizedArtifact(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed:q4_0"}, 4, nil)
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL, testSpec(4), nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, "test-embed:q4_0", p.Artifact())
}

func TestOllamaMissingModelFailsAtStartup(t *testing.T) {
	srv := fakeOllama(t, []string{"some-other-model"}, 4, nil)
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, testSpec(4), nil)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestOllamaUnreachableRuntime(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed"}, 4, nil)
	srv.Close() // Connection refused from here on.

	_, err := NewOllamaProvider(srv.URL, testSpec(4), nil)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestOllamaEmbed(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed"}, 4, nil)
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL, testSpec(4), NewCache(10))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	emb, err := p.Embed(context.Background(), Request{Text: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, 4, emb.Dimension)
	assert.Equal(t, "test-embed", emb.ModelID)
	assert.Equal(t, "test-embed", emb.Artifact)
	assert.False(t, emb.Truncated)
	assert.NotEmpty(t, emb.Hash)
}

func TestOllamaEmbedUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := fakeOllama(t, []string{"test-embed"}, 4, &calls)
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL, testSpec(4), NewCache(10))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Embed(context.Background(), Request{Text: "same text"})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), Request{Text: "same text"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaDimensionMismatch(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed"}, 7, nil) // Wrong width.
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL, testSpec(4), nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Embed(context.Background(), Request{Text: "hello"})
	assert.ErrorIs(t, err, types.ErrInferenceError)
}

func TestOllamaTruncatesLongInput(t *testing.T) {
	srv := fakeOllama(t, []string{"test-embed"}, 4, nil)
	defer srv.Close()

	spec := testSpec(4)
	spec.MaxTokens = 8
	p, err := NewOllamaProvider(srv.URL, spec, nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}

	emb, err := p.Embed(context.Background(), Request{Text: string(long)})
	require.NoError(t, err)
	assert.True(t, emb.Truncated)
	assert.Equal(t, spec.MaxTokens, emb.TokenCount)
}

func fakeOpenAI(t *testing.T, dim int, failures *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && failures.Load() > 0 {
			failures.Add(-1)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		var in struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		out := struct {
			Data  []item `json:"data"`
			Model string `json:"model"`
		}{Model: in.Model}

		for i := range in.Input {
			vec := make([]float32, dim)
			for j := range vec {
				vec[j] = float32(i + j)
			}
			// Out-of-order on purpose; the client must reorder by index.
			out.Data = append([]item{{Embedding: vec, Index: i}}, out.Data...)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func openAISpec(dim int) ModelSpec {
	return ModelSpec{
		ID:        "test-remote",
		Provider:  ProviderOpenAI,
		Dimension: dim,
		MaxTokens: 64,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerBPE,
		Artifacts: []string{"test-remote"},
	}
}

func newTestOpenAI(t *testing.T, srv *httptest.Server, spec ModelSpec) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider("test-key", spec, NewCache(10))
	require.NoError(t, err)
	// Point the client at the fake server.
	p.httpClient = srv.Client()
	p.httpClient.Transport = rewriteHost(srv.URL)
	return p
}

// rewriteHost redirects all requests to the test server regardless of the
// URL the provider built.
type rewriteHost string

func (h rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	target := string(h)
	req.URL.Scheme = "http"
	req.URL.Host = target[len("http://"):]
	return http.DefaultTransport.RoundTrip(req)
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("", openAISpec(4), nil)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestOpenAIBatchPreservesOrder(t *testing.T) {
	srv := fakeOpenAI(t, 4, nil)
	defer srv.Close()

	p := newTestOpenAI(t, srv, openAISpec(4))
	defer func() { _ = p.Close() }()

	resp, err := p.EmbedBatch(context.Background(), BatchRequest{Texts: []string{"first", "second", "third"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)

	// Vector j for input i is i+j, so the first element identifies the input.
	for i, emb := range resp.Embeddings {
		assert.Equal(t, float32(i), emb.Vector[0])
	}
}

func TestOpenAIRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	srv := fakeOpenAI(t, 4, &failures)
	defer srv.Close()

	p := newTestOpenAI(t, srv, openAISpec(4))
	p.retry = RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	defer func() { _ = p.Close() }()

	emb, err := p.Embed(context.Background(), Request{Text: "eventually works"})
	require.NoError(t, err)
	assert.Equal(t, 4, emb.Dimension)
}

func TestOpenAIExhaustsRetries(t *testing.T) {
	var failures atomic.Int32
	failures.Store(100)
	srv := fakeOpenAI(t, 4, &failures)
	defer srv.Close()

	p := newTestOpenAI(t, srv, openAISpec(4))
	p.retry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	defer func() { _ = p.Close() }()

	_, err := p.Embed(context.Background(), Request{Text: "never works"})
	assert.ErrorIs(t, err, types.ErrInferenceError)
}

func TestRetryWithBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retryWithBackoff(ctx, DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
