// Package searcher is the query orchestrator: it gathers keyword and
// vector candidates, consults the link graph, and fuses the signals into
// one ranked result list.
//
// # Query lifecycle
//
// A query moves through EmbeddingQuery (the query text is embedded on the
// worker pool's interactive lane), CandidateGathering (keyword and vector
// lookups run concurrently and their hits are unioned by path), Scoring
// (fusion), and Ranked. A newer query supersedes the previous one's pending
// embedding: last query wins on the interactive lane.
//
// # Fusion
//
// Each candidate's fused score is
//
//	fused = wSim*norm(similarity) + wCent*norm(centrality) + wAct*norm(activation)
//
// with min-max normalisation over the candidate set. Activation measures
// graph proximity to other relevant candidates: a note linked to several
// high-scoring notes is favoured over an isolated one with equal raw
// similarity. The similarity threshold is applied before fusion, on the
// vector lane; a candidate missing a signal contributes zero for it rather
// than being rejected. Ties are broken by lexical score, then path, so
// ordering is reproducible.
//
// Responses are cached in an LRU keyed by a hash of the full request plus
// model id. The maintenance loop invalidates the cache whenever the index
// changes.
package searcher
