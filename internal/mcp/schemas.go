package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchNotesTool returns the tool definition for search_notes
func searchNotesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_notes",
		Description: "Search the vault with a hybrid of semantic similarity, keyword matching, and link-graph signals",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"min_similarity": map[string]interface{}{
					"type":        "number",
					"description": "Cosine similarity floor for the semantic lane (-1.0 to 1.0)",
					"minimum":     -1.0,
					"maximum":     1.0,
				},
				"weights": map[string]interface{}{
					"type":        "object",
					"description": "Fusion weights; omitted fields use the configured defaults",
					"properties": map[string]interface{}{
						"similarity": map[string]interface{}{
							"type":        "number",
							"description": "Weight of the semantic similarity signal",
						},
						"centrality": map[string]interface{}{
							"type":        "number",
							"description": "Weight of the link-graph centrality signal",
						},
						"activation": map[string]interface{}{
							"type":        "number",
							"description": "Weight of the graph-proximity activation signal",
						},
					},
				},
				"use_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, serve a repeated query from the response cache",
					"default":     true,
				},
			},
			Required: []string{"query"},
		},
	}
}

// indexVaultTool returns the tool definition for index_vault
func indexVaultTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_vault",
		Description: "Rebuild the derived index from the vault: re-parse every note, prune vanished ones, and queue missing embeddings",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// vaultStatusTool returns the tool definition for vault_status
func vaultStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "vault_status",
		Description: "Report index statistics, shard inventory, and the active embedding model",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// setModelTool returns the tool definition for set_model
func setModelTool() mcp.Tool {
	return mcp.Tool{
		Name:        "set_model",
		Description: "Switch the active embedding model. The new shard is backfilled in the background; the previous shard is retained for cheap rollback",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"model": map[string]interface{}{
					"type":        "string",
					"description": "Model id from the catalog (see list_models)",
				},
			},
			Required: []string{"model"},
		},
	}
}

// listModelsTool returns the tool definition for list_models
func listModelsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_models",
		Description: "List the embedding models the engine knows how to run",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// pruneShardTool returns the tool definition for prune_shard
func pruneShardTool() mcp.Tool {
	return mcp.Tool{
		Name:        "prune_shard",
		Description: "Delete a retained inactive shard and its vectors. The active shard cannot be pruned",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"model": map[string]interface{}{
					"type":        "string",
					"description": "Model id of the shard to drop",
				},
			},
			Required: []string{"model"},
		},
	}
}
