package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeEngineInvalid = -32001 // The engine failed to open its stores
)

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{Code: code, Message: message, Data: data}
}

// handleAddFolder handles the localdocs_add_folder tool invocation
func (s *Server) handleAddFolder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.engine.Valid() {
		return nil, newMCPError(ErrorCodeEngineInvalid, "engine is not valid", nil)
	}

	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	collection, ok := args["collection"].(string)
	if !ok || collection == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "collection parameter is required", nil)
	}
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", nil)
	}
	if err := validateFolder(path); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	s.engine.AddFolder(collection, path)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"queued":     true,
		"collection": collection,
		"path":       path,
	})), nil
}

// handleRemoveFolder handles the localdocs_remove_folder tool invocation
func (s *Server) handleRemoveFolder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	collection, ok := args["collection"].(string)
	if !ok || collection == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "collection parameter is required", nil)
	}
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", nil)
	}

	s.engine.RemoveFolder(collection, path)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"removed":    true,
		"collection": collection,
		"path":       path,
	})), nil
}

// handleForceIndexing handles the localdocs_force_indexing tool invocation
func (s *Server) handleForceIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	collection, ok := args["collection"].(string)
	if !ok || collection == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "collection parameter is required", nil)
	}

	s.engine.ForceIndexing(collection)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"queued":     true,
		"collection": collection,
	})), nil
}

// handleRetrieve handles the localdocs_retrieve tool invocation
func (s *Server) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required", nil)
	}
	collections := getStringSlice(args, "collections")
	if len(collections) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "collections parameter is required", nil)
	}
	limit := getIntDefault(args, "limit", s.cfg.RetrievalSize)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	results, err := s.engine.Retrieve(ctx, collections, query, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "retrieval failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	items := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]interface{}{
			"file":   r.File,
			"title":  r.Title,
			"author": r.Author,
			"date":   r.Date,
			"text":   r.Text,
			"page":   r.Page,
			"from":   r.From,
			"to":     r.To,
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"results": items,
		"count":   len(items),
	})), nil
}

// handleCollections handles the localdocs_collections tool invocation
func (s *Server) handleCollections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.engine.Collections(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "listing collections failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	list := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		entry := map[string]interface{}{
			"collection":                  item.Collection,
			"folder_path":                 item.FolderPath,
			"folder_id":                   item.FolderID,
			"indexing":                    item.Indexing,
			"installed":                   item.Installed,
			"current_docs_to_index":       item.CurrentDocsToIndex,
			"total_docs_to_index":         item.TotalDocsToIndex,
			"current_bytes_to_index":      item.CurrentBytesToIndex,
			"total_bytes_to_index":        item.TotalBytesToIndex,
			"current_embeddings_to_index": item.CurrentEmbeddingsToIndex,
			"total_embeddings_to_index":   item.TotalEmbeddingsToIndex,
			"total_docs":                  item.TotalDocs,
			"total_words":                 item.TotalWords,
			"total_tokens":                item.TotalTokens,
			"file_currently_processing":   item.FileCurrentlyProcessing,
			"error":                       item.Error,
			"embedding_model":             item.EmbeddingModel,
			"force_indexing":              item.ForceIndexing,
		}
		if !item.LastUpdate.IsZero() {
			entry["last_update"] = item.LastUpdate.Format(time.RFC3339)
		}
		list = append(list, entry)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"collections": list,
		"count":       len(list),
	})), nil
}

// validateFolder checks that a path is an absolute, readable directory
func validateFolder(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path is not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory")
	}
	return nil
}

// formatJSON formats a response map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
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

// getStringSlice extracts a string array parameter
func getStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
