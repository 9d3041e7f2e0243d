// Package index persists the derived retrieval state: note metadata, the
// keyword index, the link table, and per-model vector shards.
//
// # Layout
//
// Everything lives in one SQLite database. Notes are keyed by their stable
// vault-relative path. The keyword index is an FTS5 virtual table over
// (title, body) kept in sync by triggers. Vector shards are rows in the
// embeddings table partitioned by model id, with a shards table recording
// each model's dimensionality so searches can refuse mismatched queries.
//
// # Invariants
//
// Vectors from different models are never compared: SearchVector checks the
// query dimensionality against the shard metadata and fails with
// types.ErrShardMismatch on disagreement. Exactly one shard is active at a
// time; inactive shards are retained for rollback until explicitly pruned.
// Embedding upserts are idempotent and discard stale results: a vector
// whose fingerprint no longer matches the note's current fingerprint is
// dropped, not applied.
//
// The index is a derived cache. SQLite in WAL mode gives crash-consistent
// writes, and an unreadable database surfaces as types.ErrIndexCorruption,
// which callers handle by rebuilding from source documents.
//
// # Build modes
//
// Two drivers are supported via build tags: mattn/go-sqlite3 under cgo
// (tag sqlite_vec, with the sqlite-vec extension for SQL-side similarity)
// and modernc.org/sqlite for pure-Go builds, where similarity is computed
// in Go.
package index
