package types

import "errors"

// Engine failure taxonomy. Components wrap these with fmt.Errorf("%w: ...")
// so callers can classify failures with errors.Is.
var (
	// ErrModelUnavailable indicates the embedding backend is not loaded or
	// not reachable. Retryable once the backend recovers.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrTruncationOverflow indicates input exceeded the model's token limit
	// and the model's overflow policy is to reject rather than truncate.
	ErrTruncationOverflow = errors.New("input exceeds model token limit")

	// ErrInferenceError indicates a transient backend failure. The worker
	// pool does not auto-retry; retry policy belongs to the caller.
	ErrInferenceError = errors.New("inference failed")

	// ErrShardMismatch indicates the active index shard's dimensionality does
	// not match the configured model. Treated as a trigger for a full
	// rebuild, not a user-visible error.
	ErrShardMismatch = errors.New("index shard does not match active model")

	// ErrQueueFull indicates the worker pool rejected a submission due to
	// backpressure. The caller must retry later.
	ErrQueueFull = errors.New("worker queue full")

	// ErrIndexCorruption indicates the persisted index is unreadable. The
	// index is a derived cache, so this triggers a rebuild from the vault and
	// is never fatal.
	ErrIndexCorruption = errors.New("index corrupted")
)

// Validation errors for search results.
var (
	ErrEmptyPath             = errors.New("note path cannot be empty")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
)
