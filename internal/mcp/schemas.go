package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// addFolderTool returns the tool definition for localdocs_add_folder
func addFolderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "localdocs_add_folder",
		Description: "Attach a folder to a named collection and index its documents",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": map[string]interface{}{
					"type":        "string",
					"description": "Collection name to attach the folder to",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path of the folder to index",
				},
			},
			Required: []string{"collection", "path"},
		},
	}
}

// removeFolderTool returns the tool definition for localdocs_remove_folder
func removeFolderTool() mcp.Tool {
	return mcp.Tool{
		Name:        "localdocs_remove_folder",
		Description: "Detach a folder from a collection; indexed content is removed when no collection references it anymore",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": map[string]interface{}{
					"type":        "string",
					"description": "Collection name to detach the folder from",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path of the folder",
				},
			},
			Required: []string{"collection", "path"},
		},
	}
}

// forceIndexingTool returns the tool definition for localdocs_force_indexing
func forceIndexingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "localdocs_force_indexing",
		Description: "Re-index a collection that was carried over from an older database version",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": map[string]interface{}{
					"type":        "string",
					"description": "Collection name to re-index",
				},
			},
			Required: []string{"collection"},
		},
	}
}

// retrieveTool returns the tool definition for localdocs_retrieve
func retrieveTool() mcp.Tool {
	return mcp.Tool{
		Name:        "localdocs_retrieve",
		Description: "Retrieve the most relevant document chunks for a query, scoped to the given collections",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collections": map[string]interface{}{
					"type":        "array",
					"description": "Collection names to search",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Query text",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     3,
					"minimum":     1,
					"maximum":     100,
				},
			},
			Required: []string{"collections", "query"},
		},
	}
}

// collectionsTool returns the tool definition for localdocs_collections
func collectionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "localdocs_collections",
		Description: "List collections with their indexing progress and statistics",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
