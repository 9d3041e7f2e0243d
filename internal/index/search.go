package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/notectx/notectx-mcp/pkg/types"
)

// Discrete boosts for exact matches, added on top of the normalised BM25
// score. A title hit is qualitatively stronger evidence than a body hit of
// equal frequency.
const (
	ExactTitleBoost = 0.5
	ExactTagBoost   = 0.25
)

// Per-column BM25 weights: a term in the title counts five times a term in
// the body.
const titleFieldWeight = 5.0

// VectorHit is one vector-search candidate.
type VectorHit struct {
	Path       string
	Similarity float64
}

// TextHit is one keyword-search candidate.
type TextHit struct {
	Path       string
	Score      float64
	ExactTitle bool
	ExactTag   bool
}

// SearchVector returns the k nearest notes to queryVector in modelID's
// shard, by cosine similarity, excluding hits below minSimilarity. The
// query dimensionality must match the shard's declared dimensionality;
// disagreement fails with types.ErrShardMismatch so vectors from different
// models are never compared. A model with no shard yet yields no hits.
func (s *Store) SearchVector(ctx context.Context, queryVector []float32, modelID string, k int, minSimilarity float64) ([]VectorHit, error) {
	var dimension int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM shards WHERE model_id = ?`, modelID).Scan(&dimension)
	if err == sql.ErrNoRows {
		return []VectorHit{}, nil
	}
	if err != nil {
		if isCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, err
	}

	if dimension != len(queryVector) {
		return nil, fmt.Errorf("%w: query has %d dimensions, shard %s declares %d",
			types.ErrShardMismatch, len(queryVector), modelID, dimension)
	}

	if VectorExtensionAvailable {
		return s.searchVectorOptimized(ctx, queryVector, modelID, k, minSimilarity)
	}
	return s.searchVectorFallback(ctx, queryVector, modelID, k, minSimilarity)
}

// searchVectorOptimized computes similarity at the database layer via the
// sqlite-vec extension.
func (s *Store) searchVectorOptimized(ctx context.Context, queryVector []float32, modelID string, k int, minSimilarity float64) ([]VectorHit, error) {
	if k <= 0 {
		return []VectorHit{}, nil
	}

	blob := serializeVector(queryVector)

	// vec_distance_cosine returns distance (lower is better); convert to
	// similarity for the caller.
	query := `
		SELECT path, 1.0 - vec_distance_cosine(vector, ?) AS similarity
		FROM embeddings
		WHERE model_id = ?
		AND (1.0 - vec_distance_cosine(vector, ?)) >= ?
		ORDER BY similarity DESC, path
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, blob, modelID, blob, minSimilarity, k)
	if err != nil {
		if isCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]VectorHit, 0, k)
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.Path, &h.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchVectorFallback computes cosine similarity in Go for pure-Go builds.
func (s *Store) searchVectorFallback(ctx context.Context, queryVector []float32, modelID string, k int, minSimilarity float64) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, vector FROM embeddings WHERE model_id = ?`, modelID)
	if err != nil {
		if isCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]VectorHit, 0, 256)
	for rows.Next() {
		var path string
		var blob []byte
		if err := rows.Scan(&path, &blob); err != nil {
			return nil, err
		}

		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue // Stored under a dimension the shard no longer declares.
		}

		similarity := cosineSimilarity(queryVector, vector)
		if similarity < minSimilarity {
			continue
		}
		hits = append(hits, VectorHit{Path: path, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Path < hits[j].Path
	})

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchText performs BM25 keyword search over titles and bodies, with
// title terms weighted above body terms and discrete boosts for exact title
// or tag matches.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]TextHit, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return []TextHit{}, nil
	}
	if limit <= 0 {
		return []TextHit{}, nil
	}

	sqlQuery := fmt.Sprintf(`
		SELECT n.path, bm25(notes_fts, %g, 1.0) AS score
		FROM notes_fts
		JOIN notes n ON notes_fts.rowid = n.rowid
		WHERE notes_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, titleFieldWeight)

	rows, err := s.db.QueryContext(ctx, sqlQuery, sanitized, limit)
	if err != nil {
		if isCorruptionError(err) {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]TextHit, 0, limit)
	for rows.Next() {
		var h TextHit
		var bm25 float64
		if err := rows.Scan(&h.Path, &bm25); err != nil {
			return nil, err
		}
		// FTS5 bm25() is negative with more-negative meaning better; map
		// its magnitude onto [0, 1) so a stronger match scores higher.
		h.Score = math.Abs(bm25) / (50.0 + math.Abs(bm25))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.applyExactBoosts(ctx, query, hits); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})

	return hits, nil
}

// applyExactBoosts adds the discrete exact-title and exact-tag boosts.
func (s *Store) applyExactBoosts(ctx context.Context, query string, hits []TextHit) error {
	if len(hits) == 0 {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}

	titleMatches, err := s.pathSet(ctx, `SELECT path FROM notes WHERE lower(title) = ?`, needle)
	if err != nil {
		return err
	}
	tagMatches, err := s.pathSet(ctx, `SELECT path FROM tags WHERE tag = ?`, needle)
	if err != nil {
		return err
	}

	for i := range hits {
		if titleMatches[hits[i].Path] {
			hits[i].ExactTitle = true
			hits[i].Score += ExactTitleBoost
		}
		if tagMatches[hits[i].Path] {
			hits[i].ExactTag = true
			hits[i].Score += ExactTagBoost
		}
	}
	return nil
}

func (s *Store) pathSet(ctx context.Context, query string, args ...interface{}) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		set[p] = true
	}
	return set, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FTS5 operator pattern for escaping Boolean operators
var ftsOperatorPattern = regexp.MustCompile(`\b(AND|OR|NOT|NEAR)\b`)

// sanitizeFTSQuery quotes user input for FTS5 so operators and punctuation
// are matched literally instead of interpreted.
func sanitizeFTSQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	replacer := strings.NewReplacer(
		`"`, `""`,
		`*`, ` `,
		`(`, ` `,
		`)`, ` `,
	)
	escaped := replacer.Replace(query)

	escaped = ftsOperatorPattern.ReplaceAllStringFunc(escaped, strings.ToLower)

	// Quote each term so hyphens and other punctuation stay literal.
	terms := strings.Fields(escaped)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " ")
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
