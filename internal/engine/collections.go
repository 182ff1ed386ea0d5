package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dshills/localdocs-mcp/internal/chunker"
	"github.com/dshills/localdocs-mcp/internal/storage"
)

// checkAndAddFolder validates an already canonical folder path, inserting a
// folder row if one does not already exist, and returns its id.
func (e *Engine) checkAndAddFolder(ctx context.Context, path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("cannot add folder that doesn't exist or is not readable: %s", path)
	}
	if !fi.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", path)
	}

	id, err := storage.FolderIDByPath(ctx, e.store, path)
	if err == nil {
		return id, nil
	}
	if err != storage.ErrNotFound {
		return 0, err
	}
	return storage.AddFolder(ctx, e.store, path)
}

// addFolder attaches a folder to a collection (skipping an existing
// attachment), registers it with the watcher, and queues a scan. It refuses
// to proceed without an embedding model.
func (e *Engine) addFolder(ctx context.Context, collection, path string) {
	canonical, err := canonicalPath(path)
	if err != nil {
		e.log.Warn("cannot canonicalize folder path", "path", path, "error", err)
		return
	}

	folderID, err := e.checkAndAddFolder(ctx, canonical)
	if err != nil {
		e.log.Warn("cannot add folder", "path", canonical, "error", err)
		return
	}

	folders, err := storage.FoldersFromCollection(ctx, e.store, collection)
	if err != nil {
		e.log.Warn("cannot select folders from collection", "collection", collection, "error", err)
		return
	}

	model := e.embedder.ModelName()
	if model == "" {
		e.log.Warn("cannot add folder without an embedding model", "collection", collection, "path", canonical)
		return
	}

	attached := false
	for _, f := range folders {
		if f.ID == folderID {
			attached = true
			break
		}
	}
	if !attached {
		if err := storage.AddCollection(ctx, e.store, collection, folderID, time.Time{}, model, false); err != nil {
			e.log.Warn("cannot add folder to collection", "collection", collection, "path", canonical, "error", err)
			return
		}
		e.addCollectionItem(storage.CollectionItem{
			Collection:     collection,
			FolderPath:     canonical,
			FolderID:       folderID,
			EmbeddingModel: model,
		})
	}

	e.addFolderToWatch(canonical)
	e.scanDocuments(folderID, canonical)
}

// addForcedCollection re-inserts a collection carried over from an older
// database version; its content is not migrated, so it is marked for forced
// indexing until the user re-triggers it.
func (e *Engine) addForcedCollection(ctx context.Context, item storage.CollectionItem) error {
	canonical, err := canonicalPath(item.FolderPath)
	if err != nil {
		return err
	}

	folderID, err := e.checkAndAddFolder(ctx, canonical)
	if err != nil {
		return err
	}

	model := e.embedder.ModelName()
	if model == "" {
		return fmt.Errorf("no embedding model available")
	}

	if err := storage.AddCollection(ctx, e.store, item.Collection, folderID, time.Time{}, model, true); err != nil {
		return err
	}

	item.FolderPath = canonical
	item.FolderID = folderID
	item.ForceIndexing = true
	item.Installed = true
	item.EmbeddingModel = model
	e.addCollectionItem(item)
	return nil
}

// removeFolder detaches a folder from a collection by path.
func (e *Engine) removeFolder(ctx context.Context, collection, path string) {
	canonical, err := canonicalPath(path)
	if err != nil {
		e.log.Warn("cannot canonicalize folder path", "path", path, "error", err)
		return
	}

	folderID, err := storage.FolderIDByPath(ctx, e.store, canonical)
	if err == storage.ErrNotFound {
		e.log.Warn("collected folder does not exist in db", "path", canonical)
		e.removeFolderFromWatch(canonical)
		return
	}
	if err != nil {
		e.log.Warn("cannot select folder from path", "path", canonical, "error", err)
		return
	}

	e.removeFolderInternal(ctx, collection, folderID, canonical)
}

// removeFolderInternal removes the (collection, folder) association. If
// other collections still reference the folder it stops there; otherwise it
// evicts the folder's queued work and cascades the delete to its documents,
// chunks, folder row and, after the commit, its vector-index entries.
func (e *Engine) removeFolderInternal(ctx context.Context, collection string, folderID int64, path string) {
	names, err := storage.CollectionsFromFolder(ctx, e.store, folderID)
	if err != nil {
		e.log.Warn("cannot select collections from folder", "folder_id", folderID, "error", err)
		return
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.log.Warn("cannot begin transaction", "error", err)
		return
	}

	if err := storage.RemoveCollection(ctx, tx, collection, folderID); err != nil {
		e.log.Warn("cannot remove collection", "collection", collection, "folder_id", folderID, "error", err)
		_ = tx.Rollback()
		return
	}

	// Another collection still references this folder; only the
	// association goes.
	if len(names) > 1 {
		if err := tx.Commit(); err != nil {
			e.log.Warn("cannot commit transaction", "error", err)
		}
		return
	}

	e.removeFolderFromDocumentQueue(folderID)

	documentIDs, err := storage.DocumentsByFolder(ctx, tx, folderID)
	if err != nil {
		e.log.Warn("cannot select documents", "folder_id", folderID, "error", err)
		_ = tx.Rollback()
		return
	}

	var chunksToRemove []int64
	for _, documentID := range documentIDs {
		ids, err := storage.ChunksByDocument(ctx, tx, documentID)
		if err != nil {
			_ = tx.Rollback()
			return
		}
		chunksToRemove = append(chunksToRemove, ids...)

		if err := storage.RemoveChunksByDocument(ctx, tx, documentID); err != nil {
			e.log.Warn("cannot remove chunks of document", "document_id", documentID, "error", err)
			_ = tx.Rollback()
			return
		}
		if err := storage.RemoveDocument(ctx, tx, documentID); err != nil {
			e.log.Warn("cannot remove document", "document_id", documentID, "error", err)
			_ = tx.Rollback()
			return
		}
	}

	if err := storage.RemoveFolder(ctx, tx, folderID); err != nil {
		e.log.Warn("cannot remove folder", "folder_id", folderID, "error", err)
		_ = tx.Rollback()
		return
	}

	if err := tx.Commit(); err != nil {
		e.log.Warn("cannot commit transaction", "error", err)
		return
	}

	for _, chunkID := range chunksToRemove {
		e.vectors.Remove(chunkID)
	}
	if len(chunksToRemove) > 0 {
		if err := e.vectors.Save(); err != nil {
			e.log.Warn("cannot save vector index", "error", err)
		}
	}

	e.removeCollectionItemsByFolder(folderID)
	e.removeFolderFromWatch(path)
}

// forceIndexing clears a collection's force_indexing flag and re-adds each
// of its folders, which re-enqueues their scans.
func (e *Engine) forceIndexing(ctx context.Context, collection string) {
	folders, err := storage.FoldersFromCollection(ctx, e.store, collection)
	if err != nil {
		e.log.Warn("cannot select folders from collection", "collection", collection, "error", err)
		return
	}

	if err := storage.ClearForceIndexing(ctx, e.store, collection); err != nil {
		e.log.Warn("cannot update collection", "collection", collection, "error", err)
		return
	}

	for _, folder := range folders {
		item := e.collectionItem(folder.ID)
		item.ForceIndexing = false
		e.updateCollectionItem(item)
		e.addFolder(ctx, collection, folder.Path)
	}
}

// changeChunkSize truncates all chunks and documents and re-adds every
// current folder so content is re-indexed with the new size.
func (e *Engine) changeChunkSize(ctx context.Context, chunkSize int) {
	if chunkSize == e.chunker.ChunkSize() {
		return
	}
	e.chunker = chunker.New(chunkSize)

	documents, err := storage.AllDocuments(ctx, e.store)
	if err != nil {
		e.log.Warn("cannot select all documents", "error", err)
		return
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.log.Warn("cannot begin transaction", "error", err)
		return
	}

	var chunksToRemove []int64
	for _, doc := range documents {
		ids, err := storage.ChunksByDocument(ctx, tx, doc.ID)
		if err != nil {
			_ = tx.Rollback()
			return
		}
		chunksToRemove = append(chunksToRemove, ids...)

		if err := storage.RemoveChunksByDocument(ctx, tx, doc.ID); err != nil {
			e.log.Warn("cannot remove chunks of document", "document_id", doc.ID, "error", err)
			_ = tx.Rollback()
			return
		}
		if err := storage.RemoveDocument(ctx, tx, doc.ID); err != nil {
			e.log.Warn("cannot remove document", "document_id", doc.ID, "error", err)
			_ = tx.Rollback()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		e.log.Warn("cannot commit transaction", "error", err)
		return
	}

	for _, chunkID := range chunksToRemove {
		e.vectors.Remove(chunkID)
	}
	if len(chunksToRemove) > 0 {
		if err := e.vectors.Save(); err != nil {
			e.log.Warn("cannot save vector index", "error", err)
		}
	}

	e.addCurrentFolders(ctx)
	e.updateCollectionStatistics(ctx, e.store)
}

// cleanDB removes folders and documents that no longer exist on disk,
// cascading chunk and (post-commit) vector-index removal.
func (e *Engine) cleanDB(ctx context.Context) {
	collections, err := storage.AllCollections(ctx, e.store, storage.Version)
	if err != nil {
		e.log.Warn("cannot select collections", "error", err)
		return
	}
	for _, item := range collections {
		if _, err := os.Stat(item.FolderPath); err != nil {
			e.removeFolderInternal(ctx, item.Collection, item.FolderID, item.FolderPath)
		}
	}

	documents, err := storage.AllDocuments(ctx, e.store)
	if err != nil {
		e.log.Warn("cannot select all documents", "error", err)
		return
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.log.Warn("cannot begin transaction", "error", err)
		return
	}

	var chunksToRemove []int64
	for _, doc := range documents {
		if _, err := os.Stat(doc.Path); err == nil {
			continue
		}

		ids, err := storage.ChunksByDocument(ctx, tx, doc.ID)
		if err != nil {
			_ = tx.Rollback()
			return
		}
		chunksToRemove = append(chunksToRemove, ids...)

		if err := storage.RemoveChunksByDocument(ctx, tx, doc.ID); err != nil {
			e.log.Warn("cannot remove chunks of document", "document_id", doc.ID, "error", err)
			_ = tx.Rollback()
			e.updateCollectionStatistics(ctx, e.store)
			return
		}
		if err := storage.RemoveDocument(ctx, tx, doc.ID); err != nil {
			e.log.Warn("cannot remove document", "document_id", doc.ID, "error", err)
			_ = tx.Rollback()
			e.updateCollectionStatistics(ctx, e.store)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		e.log.Warn("cannot commit transaction", "error", err)
		return
	}

	for _, chunkID := range chunksToRemove {
		e.vectors.Remove(chunkID)
	}
	if len(chunksToRemove) > 0 {
		if err := e.vectors.Save(); err != nil {
			e.log.Warn("cannot save vector index", "error", err)
		}
	}

	e.updateCollectionStatistics(ctx, e.store)
}

// addCurrentFolders publishes the persisted collection list and, for every
// collection not awaiting forced indexing, re-dispatches its uncompleted
// embeddings and re-queues its folder for scanning.
func (e *Engine) addCurrentFolders(ctx context.Context) {
	collections, err := storage.AllCollections(ctx, e.store, storage.Version)
	if err != nil {
		e.log.Warn("cannot select collections", "error", err)
		return
	}

	e.collectionListUpdated(collections)

	for _, item := range collections {
		if !item.ForceIndexing {
			e.scheduleUncompletedEmbeddings(ctx, item.FolderID)
			e.addFolder(ctx, item.Collection, item.FolderPath)
		}
	}

	e.updateCollectionStatistics(ctx, e.store)
}

// updateCollectionStatistics refreshes per-folder document/word/token totals.
func (e *Engine) updateCollectionStatistics(ctx context.Context, q storage.Querier) {
	collections, err := storage.AllCollections(ctx, q, storage.Version)
	if err != nil {
		e.log.Warn("cannot select collections", "error", err)
		return
	}

	for _, item := range collections {
		stats, err := storage.FolderStatistics(ctx, q, item.FolderID)
		if err != nil {
			e.log.Warn("could not count statistics for folder", "folder_id", item.FolderID, "error", err)
			continue
		}
		current := e.collectionItem(item.FolderID)
		current.TotalDocs = stats.TotalDocs
		current.TotalWords = stats.TotalWords
		current.TotalTokens = stats.TotalTokens
		e.updateCollectionItem(current)
	}
}

// directoryChanged handles a watcher event for a known folder path: clean
// the database of vanished entries, then rescan the folder.
func (e *Engine) directoryChanged(ctx context.Context, path string) {
	folderID, err := storage.FolderIDByPath(ctx, e.store, path)
	if err == storage.ErrNotFound {
		e.log.Warn("watched folder does not exist in db", "path", path)
		e.removeFolderFromWatch(path)
		return
	}
	if err != nil {
		e.log.Warn("cannot select folder from path", "path", path, "error", err)
		return
	}

	e.cleanDB(ctx)
	e.scanDocuments(folderID, path)
}
