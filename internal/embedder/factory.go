package embedder

import (
	"fmt"
	"strings"

	"github.com/notectx/notectx-mcp/internal/config"
)

// New creates an embedder from engine configuration. The model id selects a
// catalog entry; an empty model falls back to the provider default. The
// provider named in the config must match the model's provider so a model
// never runs against a backend with a different tokenizer.
func New(cfg config.Config) (Embedder, error) {
	cache := NewCache(DefaultCacheSize)

	spec, err := resolveSpec(cfg.Provider, cfg.ModelID)
	if err != nil {
		return nil, err
	}

	return newForSpec(cfg, spec, cache)
}

// NewForModel creates an embedder for a specific model id, reusing the rest
// of the configuration. Used when switching the active model at runtime.
func NewForModel(cfg config.Config, modelID string) (Embedder, error) {
	spec, err := LookupModel(modelID)
	if err != nil {
		return nil, err
	}

	cache := NewCache(DefaultCacheSize)

	return newForSpec(cfg, spec, cache)
}

// newForSpec builds the provider for a resolved catalog entry, applying the
// configured retry count to the remote backend.
func newForSpec(cfg config.Config, spec ModelSpec, cache *Cache) (Embedder, error) {
	switch spec.Provider {
	case ProviderOllama:
		return NewOllamaProvider(cfg.BaseURL, spec, cache)
	case ProviderOpenAI:
		p, err := NewOpenAIProvider(cfg.APIKey, spec, cache)
		if err != nil {
			return nil, err
		}
		if cfg.RetryCount > 0 {
			p.retry.MaxRetries = cfg.RetryCount
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: provider %s", ErrUnknownModel, spec.Provider)
	}
}

// resolveSpec maps a (provider, model) pair onto a catalog entry.
func resolveSpec(provider, modelID string) (ModelSpec, error) {
	provider = strings.ToLower(provider)

	if modelID == "" {
		return DefaultModel(provider)
	}

	spec, err := LookupModel(modelID)
	if err != nil {
		return ModelSpec{}, err
	}
	if provider != "" && spec.Provider != provider {
		return ModelSpec{}, fmt.Errorf("%w: model %s belongs to provider %s, not %s",
			ErrUnknownModel, modelID, spec.Provider, provider)
	}
	return spec, nil
}
