package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/graph"
	"github.com/notectx/notectx-mcp/internal/index"
	"github.com/notectx/notectx-mcp/internal/maintainer"
	"github.com/notectx/notectx-mcp/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "notectx-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with engine dependencies. Construction and
// lifecycle of those dependencies belong to the caller; the server only
// routes tool calls onto them.
type Server struct {
	mcp        *server.MCPServer
	store      *index.Store
	searcher   *searcher.Searcher
	maintainer *maintainer.Maintainer
	graph      *graph.Graph
	cfg        config.Config
}

// NewServer creates an MCP server over an already-wired engine.
func NewServer(store *index.Store, srch *searcher.Searcher, maint *maintainer.Maintainer, g *graph.Graph, cfg config.Config) *Server {
	s := &Server{
		mcp:        server.NewMCPServer(ServerName, ServerVersion),
		store:      store,
		searcher:   srch,
		maintainer: maint,
		graph:      g,
		cfg:        cfg,
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until shutdown.
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(searchNotesTool(), s.handleSearchNotes)
	s.mcp.AddTool(indexVaultTool(), s.handleIndexVault)
	s.mcp.AddTool(vaultStatusTool(), s.handleVaultStatus)
	s.mcp.AddTool(setModelTool(), s.handleSetModel)
	s.mcp.AddTool(listModelsTool(), s.handleListModels)
	s.mcp.AddTool(pruneShardTool(), s.handlePruneShard)
}
