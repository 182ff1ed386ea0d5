package engine

import (
	"context"

	"github.com/dshills/localdocs-mcp/internal/embedder"
	"github.com/dshills/localdocs-mcp/internal/storage"
)

// embeddingBatchSize is how many chunks accumulate before a batch is handed
// to the embedder. A drained folder queue also flushes (see scheduleNext).
const embeddingBatchSize = 100

// appendChunk buffers a chunk for embedding, flushing at the batch size.
func (e *Engine) appendChunk(c embedder.Chunk) {
	e.chunkBuffer = append(e.chunkBuffer, c)
	if len(e.chunkBuffer) >= embeddingBatchSize {
		e.sendChunkList()
	}
}

// sendChunkList dispatches the buffered chunks to the embedder.
func (e *Engine) sendChunkList() {
	if len(e.chunkBuffer) == 0 {
		return
	}
	batch := e.chunkBuffer
	e.chunkBuffer = nil
	e.embedder.EmbedBatchAsync(batch)
}

// handleEmbeddingsGenerated applies one completed embedding batch: each
// vector is added to the vector index and, only on success, the chunk's
// has_embedding flag is set so a failed add can be re-embedded later. The
// index is persisted afterwards.
func (e *Engine) handleEmbeddingsGenerated(ctx context.Context, results []embedder.Result) {
	if len(results) == 0 {
		return
	}

	var folderID int64
	for _, r := range results {
		folderID = r.FolderID
		if !e.vectors.Add(r.Vector, r.ChunkID) {
			e.log.Warn("cannot add vector to index", "chunk_id", r.ChunkID)
			continue
		}
		if err := storage.SetChunkHasEmbedding(ctx, e.store, r.ChunkID); err != nil {
			e.log.Warn("cannot mark chunk as embedded", "chunk_id", r.ChunkID, "error", err)
		}
	}

	file, err := storage.FileForChunk(ctx, e.store, results[0].ChunkID)
	if err != nil {
		e.log.Warn("cannot find file for chunk", "chunk_id", results[0].ChunkID, "error", err)
	}

	item := e.collectionItem(folderID)
	item.CurrentEmbeddingsToIndex += len(results)
	item.FileCurrentlyProcessing = file
	e.updateCollectionItem(item)

	if err := e.vectors.Save(); err != nil {
		e.log.Warn("cannot save vector index", "error", err)
	}
}

// handleErrorGenerated surfaces an embedding failure as the folder's current
// error without tearing down the pipeline.
func (e *Engine) handleErrorGenerated(folderID int64, message string) {
	item := e.collectionItem(folderID)
	item.Error = message
	e.updateCollectionItem(item)
}

// scheduleUncompletedEmbeddings re-dispatches every chunk of a folder whose
// embedding never landed, in batch-sized slices. Run at startup: the
// relational store is authoritative, the vector index merely catches up.
func (e *Engine) scheduleUncompletedEmbeddings(ctx context.Context, folderID int64) {
	chunks, err := storage.UncompletedChunks(ctx, e.store, folderID)
	if err != nil {
		e.log.Warn("cannot select uncompleted chunks", "folder_id", folderID, "error", err)
		return
	}
	if len(chunks) == 0 {
		return
	}

	total, err := storage.CountChunks(ctx, e.store, folderID)
	if err != nil {
		e.log.Warn("cannot count chunks", "folder_id", folderID, "error", err)
		return
	}

	item := e.collectionItem(folderID)
	item.TotalEmbeddingsToIndex = total
	item.CurrentEmbeddingsToIndex = total - len(chunks)
	e.updateCollectionItem(item)

	for start := 0; start < len(chunks); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := make([]embedder.Chunk, 0, end-start)
		for _, c := range chunks[start:end] {
			batch = append(batch, embedder.Chunk{
				FolderID: c.FolderID,
				ChunkID:  c.ChunkID,
				Text:     c.Text,
			})
		}
		e.embedder.EmbedBatchAsync(batch)
	}
}
