package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/notectx/notectx-mcp/pkg/types"
)

// Batch limits and retry configuration.
const (
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	// DefaultOllamaHost is used when OLLAMA_HOST is unset.
	DefaultOllamaHost = "http://localhost:11434"
)

// OllamaProvider implements Embedder against a local Ollama runtime.
type OllamaProvider struct {
	host       string
	spec       ModelSpec
	artifact   string
	httpClient *http.Client
	cache      *Cache
}

// NewOllamaProvider creates a local embedder for the given model spec. It
// probes the runtime's model list once and resolves which weight artifact
// (full-precision or quantized) will serve requests; if the runtime is
// unreachable or carries none of the model's artifacts, it fails with
// types.ErrModelUnavailable rather than deferring the error to query time.
func NewOllamaProvider(host string, spec ModelSpec, cache *Cache) (*OllamaProvider, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	host = strings.TrimSuffix(host, "/")

	p := &OllamaProvider{
		host: host,
		spec: spec,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		cache: cache,
	}

	artifact, err := p.resolveArtifact(context.Background())
	if err != nil {
		return nil, err
	}
	p.artifact = artifact

	return p, nil
}

// resolveArtifact asks the runtime which models it has and picks the first
// artifact from the spec's preference list.
func (p *OllamaProvider) resolveArtifact(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.host+"/api/tags", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ollama at %s: %v", types.ErrModelUnavailable, p.host, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: ollama at %s returned %d", types.ErrModelUnavailable, p.host, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", fmt.Errorf("decode tags: %w", err)
	}

	available := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		available[m.Name] = true
		// Ollama reports "name:latest" for untagged pulls.
		available[strings.TrimSuffix(m.Name, ":latest")] = true
	}

	for _, artifact := range p.spec.Artifacts {
		if available[artifact] {
			return artifact, nil
		}
	}

	return "", fmt.Errorf("%w: none of %v present at %s",
		types.ErrModelUnavailable, p.spec.Artifacts, p.host)
}

// Embed generates a single embedding, consulting the cache first.
func (p *OllamaProvider) Embed(ctx context.Context, req Request) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Text)
	if p.cache != nil {
		if emb, ok := p.cache.Get(hash); ok {
			return emb, nil
		}
	}

	resp, err := p.EmbedBatch(ctx, BatchRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", types.ErrInferenceError)
	}

	return resp.Embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts. The local runtime
// embeds one text per call; failures surface immediately without retry
// since a local runtime either works or is down.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		input, tokens, truncated, err := prepareInput(p.spec, text)
		if err != nil {
			return nil, err
		}

		vector, err := p.callAPI(ctx, input)
		if err != nil {
			return nil, err
		}

		hash := ComputeHash(text)
		emb := &Embedding{
			Vector:     vector,
			Dimension:  len(vector),
			ModelID:    p.spec.ID,
			Artifact:   p.artifact,
			TokenCount: tokens,
			Truncated:  truncated,
			Hash:       hash,
		}
		if p.cache != nil {
			p.cache.Set(hash, emb)
		}
		embeddings[i] = emb
	}

	return &BatchResponse{
		Embeddings: embeddings,
		ModelID:    p.spec.ID,
		Artifact:   p.artifact,
	}, nil
}

func (p *OllamaProvider) callAPI(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"model":  p.artifact,
		"prompt": text,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama %d: %s", types.ErrInferenceError, resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(apiResp.Embedding) != p.spec.Dimension {
		return nil, fmt.Errorf("%w: got %d dimensions, model %s declares %d",
			types.ErrInferenceError, len(apiResp.Embedding), p.spec.ID, p.spec.Dimension)
	}

	vector := make([]float32, len(apiResp.Embedding))
	for i, v := range apiResp.Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

func (p *OllamaProvider) Spec() ModelSpec { return p.spec }

func (p *OllamaProvider) Artifact() string { return p.artifact }

func (p *OllamaProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder against the OpenAI embeddings API.
type OpenAIProvider struct {
	apiKey     string
	spec       ModelSpec
	httpClient *http.Client
	cache      *Cache
	retry      RetryConfig
}

// NewOpenAIProvider creates a remote embedder for the given model spec.
func NewOpenAIProvider(apiKey string, spec ModelSpec, cache *Cache) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", types.ErrModelUnavailable)
	}

	return &OpenAIProvider{
		apiKey: apiKey,
		spec:   spec,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: cache,
		retry: DefaultRetryConfig(),
	}, nil
}

// Embed generates a single embedding, consulting the cache first.
func (o *OpenAIProvider) Embed(ctx context.Context, req Request) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Text)
	if o.cache != nil {
		if emb, ok := o.cache.Get(hash); ok {
			return emb, nil
		}
	}

	resp, err := o.EmbedBatch(ctx, BatchRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", types.ErrInferenceError)
	}

	return resp.Embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call,
// retrying transient failures with exponential backoff.
func (o *OpenAIProvider) EmbedBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	inputs := make([]string, len(req.Texts))
	tokens := make([]int, len(req.Texts))
	truncated := make([]bool, len(req.Texts))
	for i, text := range req.Texts {
		input, n, cut, err := prepareInput(o.spec, text)
		if err != nil {
			return nil, err
		}
		inputs[i] = input
		tokens[i] = n
		truncated[i] = cut
	}

	vectors, err := retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
		return o.callAPI(ctx, inputs)
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d retries: %v", types.ErrInferenceError, o.retry.MaxRetries, err)
	}

	embeddings := make([]*Embedding, len(vectors))
	for i, vector := range vectors {
		hash := ComputeHash(req.Texts[i])
		emb := &Embedding{
			Vector:     vector,
			Dimension:  len(vector),
			ModelID:    o.spec.ID,
			Artifact:   o.spec.ID,
			TokenCount: tokens[i],
			Truncated:  truncated[i],
			Hash:       hash,
		}
		if o.cache != nil {
			o.cache.Set(hash, emb)
		}
		embeddings[i] = emb
	}

	return &BatchResponse{
		Embeddings: embeddings,
		ModelID:    o.spec.ID,
		Artifact:   o.spec.ID,
	}, nil
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": o.spec.ID,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors := make([][]float32, len(apiResp.Data))
	for _, data := range apiResp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("response index %d out of range", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}

	return vectors, nil
}

func (o *OpenAIProvider) Spec() ModelSpec { return o.spec }

func (o *OpenAIProvider) Artifact() string { return o.spec.ID }

func (o *OpenAIProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// NormalizeVector normalizes a vector to unit length for cosine similarity.
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
