package embedder

import (
	"fmt"
	"sort"
	"strings"
)

// OverflowPolicy declares how a model handles input beyond its token limit.
type OverflowPolicy string

const (
	// OverflowTruncate cuts the input at the token limit and flags the result.
	OverflowTruncate OverflowPolicy = "truncate"
	// OverflowReject fails the request with ErrTruncationOverflow.
	OverflowReject OverflowPolicy = "reject"
)

// TokenizerFamily selects the token-counting scheme for a model. It is part
// of model identity, never an independent setting: counting with the wrong
// family corrupts truncation decisions without raising an error.
type TokenizerFamily string

const (
	// TokenizerBPE approximates byte-pair-encoding vocabularies
	// (OpenAI-style): roughly one token per four characters.
	TokenizerBPE TokenizerFamily = "bpe"
	// TokenizerWordPiece approximates WordPiece vocabularies (BERT-family
	// local models): roughly 1.3 tokens per whitespace word.
	TokenizerWordPiece TokenizerFamily = "wordpiece"
)

// ModelSpec describes one logical embedding model.
type ModelSpec struct {
	ID        string
	Provider  string // "ollama" or "openai"
	Dimension int
	MaxTokens int
	Overflow  OverflowPolicy
	Tokenizer TokenizerFamily

	// Artifacts lists deployable weight variants in preference order. The
	// local provider resolves to the first one available; remote models have
	// a single artifact equal to the model id.
	Artifacts []string
}

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Default models per provider.
const (
	DefaultOllamaModel = "nomic-embed-text"
	DefaultOpenAIModel = "text-embedding-3-small"
)

// catalog is the built-in model catalog. Entries are looked up by logical
// model id; unknown ids fall back to provider defaults with conservative
// limits (see LookupModel).
var catalog = map[string]ModelSpec{
	"nomic-embed-text": {
		ID:        "nomic-embed-text",
		Provider:  ProviderOllama,
		Dimension: 768,
		MaxTokens: 8192,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerWordPiece,
		Artifacts: []string{"nomic-embed-text", "nomic-embed-text:q4_0"},
	},
	"all-minilm": {
		ID:        "all-minilm",
		Provider:  ProviderOllama,
		Dimension: 384,
		MaxTokens: 512,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerWordPiece,
		Artifacts: []string{"all-minilm", "all-minilm:l6-v2"},
	},
	"mxbai-embed-large": {
		ID:        "mxbai-embed-large",
		Provider:  ProviderOllama,
		Dimension: 1024,
		MaxTokens: 512,
		Overflow:  OverflowReject,
		Tokenizer: TokenizerWordPiece,
		Artifacts: []string{"mxbai-embed-large", "mxbai-embed-large:q4_0"},
	},
	"text-embedding-3-small": {
		ID:        "text-embedding-3-small",
		Provider:  ProviderOpenAI,
		Dimension: 1536,
		MaxTokens: 8191,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerBPE,
		Artifacts: []string{"text-embedding-3-small"},
	},
	"text-embedding-3-large": {
		ID:        "text-embedding-3-large",
		Provider:  ProviderOpenAI,
		Dimension: 3072,
		MaxTokens: 8191,
		Overflow:  OverflowTruncate,
		Tokenizer: TokenizerBPE,
		Artifacts: []string{"text-embedding-3-large"},
	},
}

// ListModels returns every catalog entry sorted by model id.
func ListModels() []ModelSpec {
	out := make([]ModelSpec, 0, len(catalog))
	for _, spec := range catalog {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupModel returns the spec for a model id.
func LookupModel(modelID string) (ModelSpec, error) {
	spec, ok := catalog[modelID]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return spec, nil
}

// DefaultModel returns the default model spec for a provider.
func DefaultModel(provider string) (ModelSpec, error) {
	switch provider {
	case ProviderOllama:
		return LookupModel(DefaultOllamaModel)
	case ProviderOpenAI:
		return LookupModel(DefaultOpenAIModel)
	default:
		return ModelSpec{}, fmt.Errorf("%w: no default for provider %s", ErrUnknownModel, provider)
	}
}

// CountTokens estimates the token count of text under this model's
// tokenizer family. The estimate errs high for WordPiece so truncation is
// conservative rather than silently over-long.
func (s ModelSpec) CountTokens(text string) int {
	switch s.Tokenizer {
	case TokenizerWordPiece:
		words := len(strings.Fields(text))
		return words + words/3 // ~1.33 tokens per word
	default: // TokenizerBPE
		return len(text) / 4
	}
}

// Truncate cuts text so it fits within MaxTokens under this model's
// tokenizer family.
func (s ModelSpec) Truncate(text string) string {
	switch s.Tokenizer {
	case TokenizerWordPiece:
		words := strings.Fields(text)
		// Invert the CountTokens estimate: n words -> n + n/3 tokens.
		keep := s.MaxTokens * 3 / 4
		if keep >= len(words) {
			return text
		}
		return strings.Join(words[:keep], " ")
	default: // TokenizerBPE
		max := s.MaxTokens * 4
		if len(text) <= max {
			return text
		}
		return text[:max]
	}
}
