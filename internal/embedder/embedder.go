// Package embedder defines the embedding contract consumed by the engine
// and an OpenAI-compatible HTTP provider implementing it.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Common errors
var (
	ErrEmptyText      = errors.New("text cannot be empty")
	ErrProviderFailed = errors.New("embedding provider failed")
	ErrNoModel        = errors.New("no embedding model configured")
)

// Chunk is one unit of text queued for asynchronous embedding.
type Chunk struct {
	FolderID int64
	ChunkID  int64
	Text     string
}

// Result is one completed embedding delivered to the results callback.
type Result struct {
	FolderID int64
	ChunkID  int64
	Vector   []float32
}

// Callbacks receive asynchronous completions. OnResults delivers a finished
// batch; OnError surfaces a per-folder failure message. Both are invoked
// from the provider's own goroutines.
type Callbacks struct {
	OnResults func([]Result)
	OnError   func(folderID int64, message string)
}

// Embedder produces vector embeddings for chunk batches and queries.
type Embedder interface {
	// ModelName returns the configured model, or empty when no model is
	// available. Callers must refuse to attach folders in that state.
	ModelName() string

	// EmbedQuery synchronously embeds a retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatchAsync dispatches a chunk batch; completion arrives through
	// the Callbacks the provider was constructed with.
	EmbedBatchAsync(batch []Chunk)

	// Close waits for in-flight batches and releases resources.
	Close() error
}

// HashText computes the cache key for a piece of text.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
