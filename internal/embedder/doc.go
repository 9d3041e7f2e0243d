// Package embedder provides a uniform interface over embedding backends.
//
// Two backends are supported: a local inference runtime (Ollama) and a
// remote embedding API (OpenAI). Callers are agnostic to which is active;
// the provider is resolved once at configuration time from the model
// catalog, not per call.
//
// # Model identity
//
// Every model is described by a ModelSpec declaring its vector
// dimensionality, token limit, overflow policy, and tokenizer family. The
// tokenizer is part of model identity: counting tokens with the wrong
// family silently corrupts truncation decisions, so the spec carries it and
// callers never choose a tokenizer separately.
//
// Quantized and full-precision weights are distinct artifacts of the same
// logical model. The local provider resolves to whichever artifact is
// available at startup and records which one was used.
//
// # Truncation
//
// Input exceeding the model's token limit is handled per the model's
// declared overflow policy: OverflowTruncate cuts the input at the limit
// and flags the result, OverflowReject fails with ErrTruncationOverflow.
// A truncated result reports TokenCount equal to the model maximum. The
// whole document is never silently dropped.
//
// # Caching and retries
//
// Embeddings are cached in-memory (LRU) keyed by SHA-256 content hash.
// The remote provider retries transient failures with exponential backoff;
// the local provider surfaces them immediately.
package embedder
