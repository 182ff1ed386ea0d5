// Package mcp exposes the local document engine over the Model Context
// Protocol on stdio.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/localdocs-mcp/internal/config"
	"github.com/dshills/localdocs-mcp/internal/embedder"
	"github.com/dshills/localdocs-mcp/internal/engine"
)

const (
	// ServerName is the MCP server name
	ServerName = "localdocs-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with the document engine.
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
	cfg    *config.Config
	log    *slog.Logger
}

// NewServer builds the engine, wires the embedder's asynchronous callbacks
// back into it, and registers the tool surface. Start must be called before
// Serve.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var eng *engine.Engine
	emb := embedder.NewOpenAI(embedder.OpenAIConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey(),
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout(),
	}, embedder.Callbacks{
		OnResults: func(results []embedder.Result) { eng.HandleEmbeddingResults(results) },
		OnError:   func(folderID int64, message string) { eng.HandleEmbeddingError(folderID, message) },
	})

	eng = engine.New(engine.Config{
		ModelPath: cfg.ModelPath,
		ChunkSize: cfg.ChunkSize,
		Embedder:  emb,
		Logger:    logger,
		Callbacks: engine.Callbacks{
			ValidChanged: func(valid bool) {
				logger.Warn("engine validity changed", "valid", valid)
			},
		},
	})

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		engine: eng,
		cfg:    cfg,
		log:    logger,
	}
	s.registerTools()
	return s
}

// Start opens the engine's stores and launches its worker.
func (s *Server) Start(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// Serve runs the MCP server on stdio and blocks until shutdown.
func (s *Server) Serve(ctx context.Context) error {
	defer s.engine.Stop()
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(addFolderTool(), s.handleAddFolder)
	s.mcp.AddTool(removeFolderTool(), s.handleRemoveFolder)
	s.mcp.AddTool(forceIndexingTool(), s.handleForceIndexing)
	s.mcp.AddTool(retrieveTool(), s.handleRetrieve)
	s.mcp.AddTool(collectionsTool(), s.handleCollections)
}
