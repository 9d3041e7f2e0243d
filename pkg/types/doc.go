// Package types provides shared type definitions for the notectx MCP server.
//
// This package defines domain types used across multiple components of
// notectx, including notes, embedding records, query candidates, and search
// results.
//
// # Core Types
//
// Note represents a single document in the vault, identified by its stable
// path. The vault owns note content; the engine holds a read-only view plus
// derived data keyed by path:
//
//	note := &types.Note{
//	    Path:  "projects/deep-learning-guide.md",
//	    Title: "Deep Learning Guide",
//	    Links: []string{"projects/machine-learning-basics.md"},
//	}
//
// EmbeddingRecord represents a persisted vector for a note under a specific
// embedding model. Vectors from different models are never mixed; the
// fingerprint records the note content the vector was computed from:
//
//	rec := &types.EmbeddingRecord{
//	    Path:        note.Path,
//	    ModelID:     "nomic-embed-text",
//	    Vector:      vector,
//	    Fingerprint: note.Fingerprint,
//	}
//
// # Search Results
//
// SearchResult combines note metadata with the fused relevance score
// produced by the GARS scorer (vector similarity, graph centrality, and
// activation, each normalized and weighted):
//
//	result := &types.SearchResult{
//	    Path:       "projects/deep-learning-guide.md",
//	    Rank:       1,
//	    FusedScore: 0.92,
//	}
//
// # Error Taxonomy
//
// The sentinel errors in this package form the engine-wide failure taxonomy:
// ErrModelUnavailable, ErrTruncationOverflow, ErrInferenceError,
// ErrShardMismatch, ErrQueueFull, and ErrIndexCorruption. Components wrap
// them with fmt.Errorf("%w") so callers can classify failures with errors.Is.
package types
