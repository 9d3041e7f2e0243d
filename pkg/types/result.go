package types

// SearchResult represents a single ranked result returned by the GARS scorer.
type SearchResult struct {
	// Identification
	Path  string
	Title string
	Rank  int // Position in result set (1-based)

	// Scoring
	FusedScore float64 // Weighted combination of the normalized signals
	Similarity float64 // Raw cosine similarity, 0 when the note has no vector
	Lexical    float64 // Keyword score incl. title/tag boost, 0 when no term match
	Centrality float64 // Graph centrality of the note
	Activation float64 // Graph proximity to other high-scoring candidates

	// Metadata
	Tags    []string
	Snippet string // Leading content excerpt
}

// Validate checks if the search result is valid.
func (sr *SearchResult) Validate() error {
	if sr.Path == "" {
		return ErrEmptyPath
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.FusedScore < 0 {
		return ErrInvalidRelevanceScore
	}

	return nil
}

// Candidate is an ephemeral per-query scoring record. It is constructed
// during candidate gathering and discarded after ranking; it is never
// persisted.
type Candidate struct {
	Path string

	// Raw signals. HasSimilarity distinguishes "never embedded" (the signal
	// contributes zero but the candidate is kept) from a genuine zero score.
	Similarity    float64
	HasSimilarity bool
	Lexical       float64
	HasLexical    bool
	Centrality    float64

	// Derived during fusion
	Activation float64
	Fused      float64
}
