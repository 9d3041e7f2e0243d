package integration

import (
	"context"
	"math"
	"strings"
	"sync/atomic"

	"github.com/notectx/notectx-mcp/internal/embedder"
)

// topicEmbedder maps text onto a 3-dimensional topic space so similarity
// rankings in integration tests are meaningful and fully deterministic.
type topicEmbedder struct {
	spec  embedder.ModelSpec
	calls atomic.Int32
}

func newTopicEmbedder() *topicEmbedder {
	return &topicEmbedder{
		spec: embedder.ModelSpec{
			ID:        "test-topic-model",
			Provider:  embedder.ProviderOllama,
			Dimension: 3,
			MaxTokens: 8192,
			Overflow:  embedder.OverflowTruncate,
			Tokenizer: embedder.TokenizerWordPiece,
		},
	}
}

func topicVector(text string) []float32 {
	t := strings.ToLower(text)
	v := []float32{
		float32(strings.Count(t, "alpha")),
		float32(strings.Count(t, "beta")),
		float32(strings.Count(t, "gamma")),
	}

	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		return []float32{0, 0, 0}
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func (e *topicEmbedder) Embed(ctx context.Context, req embedder.Request) (*embedder.Embedding, error) {
	e.calls.Add(1)
	return &embedder.Embedding{
		Vector:    topicVector(req.Text),
		Dimension: 3,
		ModelID:   e.spec.ID,
		Artifact:  e.spec.ID,
	}, nil
}

func (e *topicEmbedder) EmbedBatch(ctx context.Context, req embedder.BatchRequest) (*embedder.BatchResponse, error) {
	out := &embedder.BatchResponse{ModelID: e.spec.ID, Artifact: e.spec.ID}
	for _, text := range req.Texts {
		emb, err := e.Embed(ctx, embedder.Request{Text: text})
		if err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, emb)
	}
	return out, nil
}

func (e *topicEmbedder) Spec() embedder.ModelSpec { return e.spec }
func (e *topicEmbedder) Artifact() string         { return e.spec.ID }
func (e *topicEmbedder) Close() error             { return nil }
