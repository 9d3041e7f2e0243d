// Package mcp exposes the retrieval engine over the Model Context Protocol.
//
// The server speaks JSON-RPC on stdio, which is why nothing in this process
// may write to stdout except the protocol layer; all logging goes to stderr.
//
// # Tools
//
//   - search_notes: hybrid query over the vault, returns ranked results with
//     per-signal scores
//   - index_vault: full rebuild of the derived index from the vault
//   - vault_status: index statistics, shard inventory, and the active model
//   - set_model: switch the active embedding model, backfilling the new
//     shard in the background
//   - list_models: the built-in model catalog
//   - prune_shard: drop a retained inactive shard
//
// Tool errors carry JSON-RPC style codes so clients can distinguish bad
// parameters from engine-side failures that a rebuild would repair.
package mcp
