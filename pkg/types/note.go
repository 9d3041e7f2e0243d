package types

import (
	"crypto/sha256"
	"errors"
	"time"
)

// Note represents a single vault document and the metadata the engine derives
// from it. The vault owns the content; everything here is a read-only view
// keyed by the note's stable path.
type Note struct {
	// Identification
	Path  string // Relative to vault root, stable identity
	Title string // First H1, frontmatter title, or filename

	// Content
	Content     string
	Fingerprint [32]byte // SHA-256 of raw content, detects change since last embedding
	TokenCount  int      // Heuristic estimate, refined by the embedder's tokenizer

	// Cross-references
	Links []string // Wikilink targets plus frontmatter-declared relations
	Tags  []string // Frontmatter tags, lowercased

	// Vault metadata
	ModTime   time.Time
	SizeBytes int64
}

// ComputeFingerprint computes the SHA-256 fingerprint of the note content.
func (n *Note) ComputeFingerprint() {
	n.Fingerprint = sha256.Sum256([]byte(n.Content))
}

// EstimateTokens estimates the token count using the chars/4 heuristic. The
// embedding backend's tokenizer produces the authoritative count.
func (n *Note) EstimateTokens() int {
	n.TokenCount = len(n.Content) / 4
	return n.TokenCount
}

// Validate checks structural validity of a parsed note.
func (n *Note) Validate() error {
	if n.Path == "" {
		return ErrEmptyPath
	}

	var zero [32]byte
	if n.Fingerprint == zero {
		return errors.New("fingerprint must be computed")
	}

	return nil
}

// EmbeddingRecord is the persisted vector for one note under one embedding
// model. Vectors from different models live in different shards and are never
// compared with each other.
type EmbeddingRecord struct {
	Path        string
	ModelID     string
	Vector      []float32
	Dimension   int
	Fingerprint [32]byte // Note content hash at embedding time
	TokenCount  int      // Tokens actually embedded (== model max when truncated)
	Truncated   bool
	Artifact    string // Weight variant that produced the vector
	CreatedAt   time.Time
}

// Stale reports whether the record was computed from content other than the
// given fingerprint.
func (r *EmbeddingRecord) Stale(fingerprint [32]byte) bool {
	return r.Fingerprint != fingerprint
}

// ChangeKind identifies a vault change notification.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangeEvent is a document-store change notification consumed by the
// maintenance loop.
type ChangeEvent struct {
	Kind    ChangeKind
	Path    string
	OldPath string // Set for renames
}
