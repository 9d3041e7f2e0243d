// Package maintainer keeps the derived index in step with the vault.
//
// It consumes the vault's change stream, applies structural updates (note
// rows, tags, links, graph topology) synchronously, and schedules embedding
// work on the pool's bulk lane so interactive queries are never starved.
// Renames arrive from the watcher as a delete of the old path plus a create
// of the new one; deletions are therefore held for a short grace window and
// a create whose content fingerprint matches a held deletion is applied as
// a rename, keeping the stored vector instead of re-embedding.
//
// The maintainer also owns the two heavyweight operations: full rebuilds
// and active-model switches. Both drain the worker pool before touching
// shared state.
package maintainer
