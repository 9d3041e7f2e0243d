package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/notectx/notectx-mcp/pkg/types"
)

// Common errors.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyText     = errors.New("text cannot be empty")
	ErrBatchTooLarge = errors.New("batch size exceeds limit")
	ErrUnknownModel  = errors.New("unknown embedding model")
)

// Embedding represents a vector embedding with metadata.
type Embedding struct {
	Vector     []float32
	Dimension  int
	ModelID    string
	Artifact   string // Weight variant actually used (e.g. "nomic-embed-text:q4_0")
	TokenCount int    // Tokens embedded; equals the model max when truncated
	Truncated  bool
	Hash       string // Content hash for caching
}

// Request asks for a single embedding.
type Request struct {
	Text string
}

// BatchRequest asks for embeddings of multiple texts in one backend call.
type BatchRequest struct {
	Texts []string
}

// BatchResponse carries the embeddings for a batch, in input order.
type BatchResponse struct {
	Embeddings []*Embedding
	ModelID    string
	Artifact   string
}

// Embedder is the uniform interface over embedding backends. Failures map
// onto the engine taxonomy: types.ErrModelUnavailable when the backend is
// unreachable, types.ErrTruncationOverflow when input exceeds the token
// limit under a rejecting policy, and types.ErrInferenceError for transient
// backend failures.
type Embedder interface {
	// Embed generates a single embedding for the given text.
	Embed(ctx context.Context, req Request) (*Embedding, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)

	// Spec returns the model specification this backend serves.
	Spec() ModelSpec

	// Artifact returns the weight variant resolved at startup.
	Artifact() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Cache provides in-memory LRU caching of embeddings by content hash.
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// DefaultCacheSize is the default number of cached embeddings.
const DefaultCacheSize = 10000

// NewCache creates a new embedding cache with LRU eviction.
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		// Should never happen with positive size, but fall back to default
		cache, _ = lru.New[string, *Embedding](DefaultCacheSize)
	}
	return &Cache{cache: cache}
}

// Get retrieves a deep copy of an embedding from cache. A copy prevents
// caller mutations from affecting cached values.
func (c *Cache) Get(hash string) (*Embedding, bool) {
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}

	vectorCopy := make([]float32, len(emb.Vector))
	copy(vectorCopy, emb.Vector)

	cp := *emb
	cp.Vector = vectorCopy
	return &cp, true
}

// Set stores an embedding in cache with automatic LRU eviction.
func (c *Cache) Set(hash string, emb *Embedding) {
	c.cache.Add(hash, emb)
}

// Size returns the current cache size.
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.cache.Purge()
}

// ComputeHash computes the SHA-256 hash of text for caching.
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateRequest validates an embedding request.
func ValidateRequest(req Request) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request.
func ValidateBatchRequest(req BatchRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}

	for i, text := range req.Texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}

	return nil
}

// prepareInput applies the model's token limit to one text. It returns the
// possibly-truncated text, the token count that will be embedded, and the
// truncation flag. Under OverflowReject the error wraps
// types.ErrTruncationOverflow.
func prepareInput(spec ModelSpec, text string) (string, int, bool, error) {
	count := spec.CountTokens(text)
	if count <= spec.MaxTokens {
		return text, count, false, nil
	}

	if spec.Overflow == OverflowReject {
		return "", 0, false, fmt.Errorf("%w: %d tokens exceeds %s limit of %d",
			types.ErrTruncationOverflow, count, spec.ID, spec.MaxTokens)
	}

	return spec.Truncate(text), spec.MaxTokens, true, nil
}
