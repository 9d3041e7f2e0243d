package embedder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/pkg/types"
)

func TestLookupModel(t *testing.T) {
	spec, err := LookupModel("nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, 768, spec.Dimension)
	assert.Equal(t, ProviderOllama, spec.Provider)

	_, err = LookupModel("no-such-model")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestDefaultModel(t *testing.T) {
	spec, err := DefaultModel(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, spec.ID)

	_, err = DefaultModel("mystery")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestConfiguredRetryCountReachesRemoteBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = ProviderOpenAI
	cfg.ModelID = "text-embedding-3-small"
	cfg.APIKey = "test-key"
	cfg.RetryCount = 7

	emb, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = emb.Close() }()

	p, ok := emb.(*OpenAIProvider)
	require.True(t, ok)
	assert.Equal(t, 7, p.retry.MaxRetries)
}

func TestCountTokensByFamily(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"

	bpe := ModelSpec{Tokenizer: TokenizerBPE}
	assert.Equal(t, len(text)/4, bpe.CountTokens(text))

	wp := ModelSpec{Tokenizer: TokenizerWordPiece}
	// 9 words -> 9 + 9/3 = 12 estimated tokens.
	assert.Equal(t, 12, wp.CountTokens(text))
}

func TestTruncateFitsLimit(t *testing.T) {
	spec := ModelSpec{MaxTokens: 10, Tokenizer: TokenizerWordPiece}
	long := strings.Repeat("word ", 100)

	cut := spec.Truncate(long)
	assert.LessOrEqual(t, spec.CountTokens(cut), spec.MaxTokens)
	assert.Less(t, len(cut), len(long))

	short := "just a few words"
	assert.Equal(t, short, spec.Truncate(short))
}

func TestPrepareInputTruncates(t *testing.T) {
	spec := ModelSpec{ID: "m", MaxTokens: 8, Overflow: OverflowTruncate, Tokenizer: TokenizerBPE}
	long := strings.Repeat("x", 100)

	input, tokens, truncated, err := prepareInput(spec, long)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, spec.MaxTokens, tokens)
	assert.Equal(t, 32, len(input)) // 8 tokens * 4 chars
}

func TestPrepareInputRejects(t *testing.T) {
	spec := ModelSpec{ID: "m", MaxTokens: 8, Overflow: OverflowReject, Tokenizer: TokenizerBPE}

	_, _, _, err := prepareInput(spec, strings.Repeat("x", 100))
	assert.ErrorIs(t, err, types.ErrTruncationOverflow)
}

func TestPrepareInputPassthrough(t *testing.T) {
	spec := ModelSpec{ID: "m", MaxTokens: 100, Overflow: OverflowReject, Tokenizer: TokenizerBPE}

	input, tokens, truncated, err := prepareInput(spec, "short text")
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "short text", input)
	assert.Equal(t, len("short text")/4, tokens)
}

func TestCacheReturnsDeepCopy(t *testing.T) {
	cache := NewCache(10)
	cache.Set("h", &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3})

	got, ok := cache.Get("h")
	require.True(t, ok)
	got.Vector[0] = 99

	again, ok := cache.Get("h")
	require.True(t, ok)
	assert.Equal(t, float32(1), again.Vector[0])
}

func TestCacheMiss(t *testing.T) {
	cache := NewCache(10)
	_, ok := cache.Get("absent")
	assert.False(t, ok)
}

func TestComputeHashDeterministic(t *testing.T) {
	assert.Equal(t, ComputeHash("abc"), ComputeHash("abc"))
	assert.NotEqual(t, ComputeHash("abc"), ComputeHash("abd"))
}

func TestValidateRequest(t *testing.T) {
	assert.ErrorIs(t, ValidateRequest(Request{}), ErrEmptyText)
	assert.NoError(t, ValidateRequest(Request{Text: "ok"}))
}

func TestValidateBatchRequest(t *testing.T) {
	assert.ErrorIs(t, ValidateBatchRequest(BatchRequest{}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateBatchRequest(BatchRequest{Texts: []string{"a", ""}}), ErrInvalidInput)
	assert.NoError(t, ValidateBatchRequest(BatchRequest{Texts: []string{"a", "b"}}))
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := NormalizeVector([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
