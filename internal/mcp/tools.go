package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/searcher"
	"github.com/notectx/notectx-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams    = -32602 // Invalid method parameters
	ErrorCodeInternalError    = -32603 // Internal JSON-RPC error
	ErrorCodeUnknownModel     = -32001 // Model id not in the catalog
	ErrorCodeShardStale       = -32002 // Active shard disagrees with the query model
	ErrorCodeBusy             = -32003 // Queue full or reconfiguration in progress
	ErrorCodeEmptyQuery       = -32004 // Query parameter is empty
	ErrorCodeModelUnavailable = -32005 // Backend unreachable or model not pulled
	ErrorCodeShardActive      = -32006 // Refusing to prune the active shard
)

// handleSearchNotes handles the search_notes tool invocation
func (s *Server) handleSearchNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", s.cfg.ResultLimit)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	minSimilarity, minExplicit := getFloat(args, "min_similarity")
	if minExplicit && (minSimilarity < -1 || minSimilarity > 1) {
		return nil, newMCPError(ErrorCodeInvalidParams, "min_similarity must be within [-1, 1]", map[string]interface{}{
			"param": "min_similarity",
			"value": minSimilarity,
		})
	}

	weights := s.cfg.Weights
	if w, ok := args["weights"].(map[string]interface{}); ok {
		weights = config.Weights{
			Similarity: getFloatDefault(w, "similarity", s.cfg.Weights.Similarity),
			Centrality: getFloatDefault(w, "centrality", s.cfg.Weights.Centrality),
			Activation: getFloatDefault(w, "activation", s.cfg.Weights.Activation),
		}
	}

	req := searcher.Request{
		Query:            query,
		Limit:            limit,
		MinSimilarity:    minSimilarity,
		MinSimilaritySet: minExplicit,
		Weights:          weights,
		UseCache:         getBoolDefault(args, "use_cache", true),
	}

	resp, err := s.searcher.Search(ctx, req)
	if errors.Is(err, types.ErrShardMismatch) {
		// The index is a derived cache: a shard that disagrees with the
		// active model is rebuilt in place, then the query retried.
		if healErr := s.maintainer.HealShardMismatch(ctx); healErr != nil {
			return nil, newMCPError(ErrorCodeShardStale, "shard mismatch and rebuild failed", map[string]interface{}{
				"error": healErr.Error(),
			})
		}
		resp, err = s.searcher.Search(ctx, req)
	}
	if err != nil {
		switch {
		case errors.Is(err, types.ErrShardMismatch):
			return nil, newMCPError(ErrorCodeShardStale, "active shard still does not match the query model after rebuild", map[string]interface{}{
				"error": err.Error(),
			})
		case errors.Is(err, types.ErrQueueFull):
			return nil, newMCPError(ErrorCodeBusy, "engine busy, retry shortly", map[string]interface{}{
				"error": err.Error(),
			})
		default:
			return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	results := make([]map[string]interface{}, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = map[string]interface{}{
			"path":        r.Path,
			"title":       r.Title,
			"rank":        r.Rank,
			"fused_score": r.FusedScore,
			"similarity":  r.Similarity,
			"lexical":     r.Lexical,
			"centrality":  r.Centrality,
			"activation":  r.Activation,
			"tags":        r.Tags,
			"snippet":     r.Snippet,
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"results":            results,
		"vector_candidates":  resp.VectorCandidates,
		"keyword_candidates": resp.KeywordCandidates,
		"cache_hit":          resp.CacheHit,
		"duration_ms":        resp.Duration.Milliseconds(),
	})), nil
}

// handleIndexVault handles the index_vault tool invocation
func (s *Server) handleIndexVault(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.maintainer.Rebuild(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "rebuild failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"indexed":              stats.Indexed,
		"unchanged":            stats.Unchanged,
		"failed":               stats.Failed,
		"pruned":               stats.Pruned,
		"embeddings_scheduled": stats.Scheduled,
		"duration_ms":          stats.Duration.Milliseconds(),
	})), nil
}

// handleVaultStatus handles the vault_status tool invocation
func (s *Server) handleVaultStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to read index stats", map[string]interface{}{
			"error": err.Error(),
		})
	}

	shards, err := s.store.ListShards(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list shards", map[string]interface{}{
			"error": err.Error(),
		})
	}

	shardInfo := make([]map[string]interface{}, len(shards))
	activeModel := ""
	for i, sh := range shards {
		if sh.Active {
			activeModel = sh.ModelID
		}
		shardInfo[i] = map[string]interface{}{
			"model_id":  sh.ModelID,
			"dimension": sh.Dimension,
			"active":    sh.Active,
			"records":   sh.Records,
		}
	}

	nodes, edges := s.graph.Size()

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"vault_path":   s.cfg.VaultPath,
		"active_model": activeModel,
		"statistics": map[string]interface{}{
			"notes":         stats.Notes,
			"links":         stats.Links,
			"embeddings":    stats.Embeddings,
			"index_size_mb": fmt.Sprintf("%.2f", stats.SizeMB),
		},
		"graph": map[string]interface{}{
			"nodes": nodes,
			"edges": edges,
		},
		"shards": shardInfo,
		"engine": map[string]interface{}{
			"build_mode":       index.BuildMode,
			"vector_extension": index.VectorExtensionAvailable,
			"query_state":      string(s.searcher.State()),
		},
	})), nil
}

// handleSetModel handles the set_model tool invocation
func (s *Server) handleSetModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	modelID, ok := args["model"].(string)
	if !ok || modelID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "model parameter is required", map[string]interface{}{
			"param":  "model",
			"reason": "missing or empty",
		})
	}

	spec, err := s.maintainer.SwitchModel(ctx, modelID)
	if err != nil {
		switch {
		case errors.Is(err, embedder.ErrUnknownModel):
			return nil, newMCPError(ErrorCodeUnknownModel, "unknown model", map[string]interface{}{
				"model": modelID,
			})
		case errors.Is(err, types.ErrModelUnavailable):
			return nil, newMCPError(ErrorCodeModelUnavailable, "model backend unavailable; the previous model stays active", map[string]interface{}{
				"model": modelID,
				"error": err.Error(),
			})
		default:
			return nil, newMCPError(ErrorCodeInternalError, "model switch failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"active_model": spec.ID,
		"dimension":    spec.Dimension,
		"provider":     spec.Provider,
		"message":      "shard activated; embeddings backfill in the background",
	})), nil
}

// handleListModels handles the list_models tool invocation
func (s *Server) handleListModels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs := embedder.ListModels()
	models := make([]map[string]interface{}, len(specs))
	for i, spec := range specs {
		models[i] = map[string]interface{}{
			"id":         spec.ID,
			"provider":   spec.Provider,
			"dimension":  spec.Dimension,
			"max_tokens": spec.MaxTokens,
			"overflow":   string(spec.Overflow),
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"models": models,
	})), nil
}

// handlePruneShard handles the prune_shard tool invocation
func (s *Server) handlePruneShard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	modelID, ok := args["model"].(string)
	if !ok || modelID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "model parameter is required", map[string]interface{}{
			"param":  "model",
			"reason": "missing or empty",
		})
	}

	if err := s.store.PruneShard(ctx, modelID); err != nil {
		switch {
		case errors.Is(err, index.ErrShardActive):
			return nil, newMCPError(ErrorCodeShardActive, "cannot prune the active shard; switch models first", map[string]interface{}{
				"model": modelID,
			})
		case errors.Is(err, index.ErrNotFound):
			return nil, newMCPError(ErrorCodeInvalidParams, "no such shard", map[string]interface{}{
				"model": modelID,
			})
		default:
			return nil, newMCPError(ErrorCodeInternalError, "prune failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"pruned": modelID,
	})), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloat extracts a numeric parameter, reporting whether it was present
func getFloat(args map[string]interface{}, key string) (float64, bool) {
	if val, ok := args[key].(float64); ok {
		return val, true
	}
	if val, ok := args[key].(int); ok {
		return float64(val), true
	}
	return 0, false
}

// getFloatDefault extracts a numeric parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := args[key].(float64); ok {
		return val
	}
	if val, ok := args[key].(int); ok {
		return float64(val)
	}
	return defaultValue
}
