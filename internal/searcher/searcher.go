package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/notes"
	"github.com/notectx/notectx-mcp/internal/scheduler"
	"github.com/notectx/notectx-mcp/pkg/types"
)

// QueryState tracks a query through its lifecycle.
type QueryState string

const (
	StateIdle               QueryState = "idle"
	StateEmbeddingQuery     QueryState = "embedding_query"
	StateCandidateGathering QueryState = "candidate_gathering"
	StateScoring            QueryState = "scoring"
	StateRanked             QueryState = "ranked"
)

// QueryCacheSize bounds the LRU response cache.
const QueryCacheSize = 1000

const snippetLength = 200

// Request describes one search. Zero fields fall back to the configured
// defaults; the request is captured by value so concurrent queries under
// different settings never cross-contaminate.
type Request struct {
	Query         string
	Limit         int
	MinSimilarity float64
	// MinSimilaritySet marks MinSimilarity as explicit, so a zero or
	// negative floor is usable; otherwise the configured default applies.
	MinSimilaritySet bool
	Weights          config.Weights
	UseCache         bool
}

// Response is a ranked result list plus query metadata.
type Response struct {
	Results           []types.SearchResult
	State             QueryState
	Duration          time.Duration
	CacheHit          bool
	VectorCandidates  int
	KeywordCandidates int
}

// Searcher coordinates keyword search, vector search, and graph signals.
type Searcher struct {
	store *index.Store
	graph *graph.Graph
	pool  *scheduler.Pool
	cfg   config.Config

	cache *lru.Cache[[32]byte, *Response]

	mu         sync.Mutex
	model      embedder.ModelSpec
	cancelPrev context.CancelFunc
	generation uint64
	state      QueryState
}

// New creates a searcher with defaults taken from cfg.
func New(store *index.Store, g *graph.Graph, pool *scheduler.Pool, spec embedder.ModelSpec, cfg config.Config) *Searcher {
	cache, err := lru.New[[32]byte, *Response](QueryCacheSize)
	if err != nil {
		// Should never happen with valid size parameter
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	return &Searcher{
		store: store,
		graph: g,
		pool:  pool,
		cfg:   cfg,
		model: spec,
		cache: cache,
		state: StateIdle,
	}
}

// State reports the phase of the most recent query. Concurrent queries
// overwrite each other's phase; the value is a status-reporting hint, not
// a synchronization point.
func (s *Searcher) State() QueryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Searcher) setState(state QueryState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetModel switches the model used for query embeddings. Called after a
// completed model migration; cached responses for the old model are keyed
// separately and simply age out.
func (s *Searcher) SetModel(spec embedder.ModelSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = spec
}

// InvalidateCache drops all cached responses. Called by the maintenance
// loop whenever index contents change.
func (s *Searcher) InvalidateCache() {
	s.cache.Purge()
}

// Search runs one query through the full pipeline and returns at most
// req.Limit results sorted by descending fused score. A vector-lane
// failure degrades to keyword-only ranking; types.ErrShardMismatch is
// surfaced to the caller, which reacts by scheduling a rebuild.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, fmt.Errorf("empty query")
	}
	s.applyDefaults(&req)

	model := s.currentModel()

	key := s.cacheKey(req, model.ID)
	if req.UseCache {
		if cached, ok := s.cache.Get(key); ok {
			out := *cached
			out.CacheHit = true
			out.Duration = time.Since(start)
			return &out, nil
		}
	}

	// A newer query supersedes the previous one's pending embedding.
	ctx, cancel := context.WithCancel(ctx)
	gen := s.takeoverInteractive(cancel)
	defer func() {
		cancel()
		s.releaseInteractive(gen)
	}()

	s.setState(StateEmbeddingQuery)
	cands, vectorCount, keywordCount, err := s.gather(ctx, req, model)
	if err != nil {
		return nil, err
	}

	s.setState(StateScoring)
	results, err := s.score(ctx, req, cands)
	if err != nil {
		return nil, err
	}
	s.setState(StateRanked)

	resp := &Response{
		Results:           results,
		State:             StateRanked,
		Duration:          time.Since(start),
		VectorCandidates:  vectorCount,
		KeywordCandidates: keywordCount,
	}

	if req.UseCache && len(results) > 0 {
		s.cache.Add(key, resp)
	}

	return resp, nil
}

func (s *Searcher) applyDefaults(req *Request) {
	if req.Limit <= 0 {
		req.Limit = s.cfg.ResultLimit
	}
	if !req.MinSimilaritySet {
		req.MinSimilarity = s.cfg.MinSimilarity
	}
	if req.Weights == (config.Weights{}) {
		req.Weights = s.cfg.Weights
	}
}

func (s *Searcher) currentModel() embedder.ModelSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Searcher) takeoverInteractive(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelPrev != nil {
		s.cancelPrev()
	}
	s.cancelPrev = cancel
	s.generation++
	return s.generation
}

func (s *Searcher) releaseInteractive(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only clear if a newer query has not already taken over.
	if s.generation == gen {
		s.cancelPrev = nil
	}
}

// laneResult carries one lane's hits out of the concurrent gather phase.
type laneResult struct {
	vector  []index.VectorHit
	keyword []index.TextHit
	err     error
}

// gather runs the keyword and vector lanes concurrently and unions their
// hits into one candidate set deduplicated by path.
func (s *Searcher) gather(ctx context.Context, req Request, model embedder.ModelSpec) (map[string]*types.Candidate, int, int, error) {
	vectorChan := make(chan laneResult, 1)
	keywordChan := make(chan laneResult, 1)

	go s.runVectorLane(ctx, req, model, vectorChan)
	go s.runKeywordLane(ctx, req, keywordChan)

	var vectorRes, keywordRes laneResult
	var vectorDone, keywordDone bool
	for !vectorDone || !keywordDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case keywordRes = <-keywordChan:
			keywordDone = true
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}

	// A superseded or abandoned query never degrades to partial results.
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}

	// Shard mismatch is the rebuild trigger; never swallow it.
	if vectorRes.err != nil && errors.Is(vectorRes.err, types.ErrShardMismatch) {
		return nil, 0, 0, vectorRes.err
	}
	// One lane may fail; ranking degrades to the surviving signal.
	if vectorRes.err != nil && keywordRes.err != nil {
		return nil, 0, 0, fmt.Errorf("both lanes failed: vector=%w, keyword=%v", vectorRes.err, keywordRes.err)
	}

	cands := make(map[string]*types.Candidate)
	for _, hit := range vectorRes.vector {
		cands[hit.Path] = &types.Candidate{
			Path:          hit.Path,
			Similarity:    hit.Similarity,
			HasSimilarity: true,
		}
	}
	for _, hit := range keywordRes.keyword {
		if c, ok := cands[hit.Path]; ok {
			c.Lexical = hit.Score
			c.HasLexical = true
			continue
		}
		cands[hit.Path] = &types.Candidate{
			Path:       hit.Path,
			Lexical:    hit.Score,
			HasLexical: true,
		}
	}

	return cands, len(vectorRes.vector), len(keywordRes.keyword), nil
}

// runVectorLane embeds the query on the interactive lane and searches the
// active shard. The similarity threshold applies here, before fusion, so a
// low-similarity note cannot be rescued by centrality later.
func (s *Searcher) runVectorLane(ctx context.Context, req Request, model embedder.ModelSpec, out chan<- laneResult) {
	var res laneResult

	vector, err := s.embedQuery(ctx, req.Query)
	if err != nil {
		res.err = fmt.Errorf("embed query: %w", err)
	} else {
		s.setState(StateCandidateGathering)
		res.vector, res.err = s.store.SearchVector(ctx, vector, model.ID, req.Limit*2, req.MinSimilarity)
	}

	select {
	case out <- res:
	case <-ctx.Done():
	}
}

func (s *Searcher) runKeywordLane(ctx context.Context, req Request, out chan<- laneResult) {
	var res laneResult
	res.keyword, res.err = s.store.SearchText(ctx, req.Query, req.Limit*2)

	select {
	case out <- res:
	case <-ctx.Done():
	}
}

// embedQuery submits the query text to the worker pool at high priority
// and waits for the terminal response.
func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	_, respCh, err := s.pool.Submit(ctx, query, scheduler.PriorityHigh)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Output.Vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// score fuses the candidate signals and builds the final result list.
func (s *Searcher) score(ctx context.Context, req Request, cands map[string]*types.Candidate) ([]types.SearchResult, error) {
	if len(cands) == 0 {
		return []types.SearchResult{}, nil
	}

	for _, c := range cands {
		c.Centrality = s.graph.Centrality(c.Path)
	}

	simNorm := normalizer(cands, func(c *types.Candidate) float64 { return c.Similarity })
	centNorm := normalizer(cands, func(c *types.Candidate) float64 { return c.Centrality })

	// Base relevance drives activation: a candidate connected to other
	// relevant candidates gets boosted.
	base := make(map[string]float64, len(cands))
	for path, c := range cands {
		base[path] = req.Weights.Similarity*simNorm(c.Similarity) + req.Weights.Centrality*centNorm(c.Centrality)
	}
	for _, c := range cands {
		var activation float64
		for _, neighbor := range s.graph.Neighbors(c.Path) {
			if score, ok := base[neighbor]; ok {
				activation += score
			}
		}
		c.Activation = activation
	}
	actNorm := normalizer(cands, func(c *types.Candidate) float64 { return c.Activation })

	for _, c := range cands {
		c.Fused = req.Weights.Similarity*simNorm(c.Similarity) +
			req.Weights.Centrality*centNorm(c.Centrality) +
			req.Weights.Activation*actNorm(c.Activation)
	}

	ordered := make([]*types.Candidate, 0, len(cands))
	for _, c := range cands {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Fused != ordered[j].Fused {
			return ordered[i].Fused > ordered[j].Fused
		}
		if ordered[i].Lexical != ordered[j].Lexical {
			return ordered[i].Lexical > ordered[j].Lexical
		}
		return ordered[i].Path < ordered[j].Path
	})

	if len(ordered) > req.Limit {
		ordered = ordered[:req.Limit]
	}

	return s.buildResults(ctx, ordered)
}

// buildResults hydrates candidates into user-facing results.
func (s *Searcher) buildResults(ctx context.Context, ordered []*types.Candidate) ([]types.SearchResult, error) {
	results := make([]types.SearchResult, 0, len(ordered))
	for i, c := range ordered {
		note, err := s.store.GetNote(ctx, c.Path)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				continue // Deleted mid-query; skip rather than fail.
			}
			return nil, err
		}
		tags, err := s.store.GetTags(ctx, c.Path)
		if err != nil {
			return nil, err
		}

		results = append(results, types.SearchResult{
			Path:       c.Path,
			Title:      note.Title,
			Rank:       i + 1,
			FusedScore: c.Fused,
			Similarity: c.Similarity,
			Lexical:    c.Lexical,
			Centrality: c.Centrality,
			Activation: c.Activation,
			Tags:       tags,
			Snippet:    notes.Snippet(note.Content, snippetLength),
		})
	}
	return results, nil
}

// normalizer returns a min-max rescaling function over the candidate set
// for one signal. A flat signal maps to zero so it cannot dominate.
func normalizer(cands map[string]*types.Candidate, get func(*types.Candidate) float64) func(float64) float64 {
	first := true
	var min, max float64
	for _, c := range cands {
		v := get(c)
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	if max == min {
		return func(float64) float64 { return 0 }
	}
	span := max - min
	return func(v float64) float64 { return (v - min) / span }
}

// cacheKey hashes the full request plus model id.
func (s *Searcher) cacheKey(req Request, modelID string) [32]byte {
	payload := fmt.Sprintf("%s|%d|%g|%g|%g|%g|%s",
		req.Query, req.Limit, req.MinSimilarity,
		req.Weights.Similarity, req.Weights.Centrality, req.Weights.Activation,
		modelID)
	return sha256.Sum256([]byte(payload))
}
