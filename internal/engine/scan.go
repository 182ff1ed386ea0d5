package engine

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/localdocs-mcp/internal/chunker"
	"github.com/dshills/localdocs-mcp/internal/embedder"
	"github.com/dshills/localdocs-mcp/internal/pdf"
	"github.com/dshills/localdocs-mcp/internal/storage"
)

const (
	// scanBatchBudget is the soft deadline for one worker tick, checked
	// between documents.
	scanBatchBudget = 100 * time.Millisecond

	// maxTextChunksPerPass caps how many chunks a plain-text document may
	// emit in one tick before being re-enqueued at the front.
	maxTextChunksPerPass = 100
)

// docExtensions are the recognized document file extensions.
var docExtensions = map[string]bool{
	".txt": true,
	".pdf": true,
	".md":  true,
	".rst": true,
}

// canonicalPath resolves a path to its absolute, symlink-free form.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// scanQueueBatch is one worker tick: it processes queued documents inside a
// single transaction for up to the tick budget. On any per-document error
// the whole tick rolls back and the vector index is untouched; after a
// successful commit, chunks scheduled for deletion are removed from the
// vector index and it is persisted.
func (e *Engine) scanQueueBatch(ctx context.Context) {
	if e.queueEmpty() {
		return
	}

	start := time.Now()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.log.Error("cannot begin scan transaction", "error", err)
		return
	}

	var chunksToRemove []int64
	for !e.queueEmpty() && time.Since(start) < scanBatchBudget {
		if !e.scanQueue(ctx, tx, &chunksToRemove) {
			_ = tx.Rollback()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		e.log.Error("cannot commit scan transaction", "error", err)
		return
	}

	// A crash between the commit above and the save below leaves orphaned
	// vectors; the startup reconciliation keyed on has_embedding tolerates
	// that.
	for _, chunkID := range chunksToRemove {
		e.vectors.Remove(chunkID)
	}
	if len(chunksToRemove) > 0 {
		if err := e.vectors.Save(); err != nil {
			e.log.Warn("cannot save vector index", "error", err)
		}
	}

	if !e.queueEmpty() {
		e.scheduleScan()
	}
}

// scanQueue processes a single dequeued document. It returns false only for
// errors that must roll back the enclosing tick; benign skips (vanished
// files, unchanged mtimes) return true.
func (e *Engine) scanQueue(ctx context.Context, tx *storage.Tx, chunksToRemove *[]int64) bool {
	info := e.dequeueDocument()
	folderID := info.Folder
	countForFolder := e.countOfDocuments(folderID)

	// Refresh metadata; a document deleted or unreadable since enqueue is
	// skipped and left to the cleanup handler.
	fi, err := os.Stat(info.Path)
	if err != nil {
		e.scheduleNext(folderID, countForFolder)
		return true
	}
	info.Size = fi.Size()
	documentTime := fi.ModTime().UnixMilli()

	documentPath, err := canonicalPath(info.Path)
	if err != nil {
		e.scheduleNext(folderID, countForFolder)
		return true
	}

	doc, err := storage.DocumentByPath(ctx, tx, documentPath)
	if err != nil && err != storage.ErrNotFound {
		e.handleDocumentError("cannot select document", 0, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}

	// A known document with an unchanged modification time needs no work
	// unless it is mid-processing from a previous tick.
	if doc != nil && !info.CurrentlyProcessing {
		if doc.DocumentTime == documentTime {
			e.scheduleNext(folderID, countForFolder)
			return true
		}
		ids, err := storage.ChunksByDocument(ctx, tx, doc.ID)
		if err != nil {
			e.handleDocumentError("cannot select chunks of document", doc.ID, documentPath, err)
			e.scheduleNext(folderID, countForFolder)
			return false
		}
		*chunksToRemove = append(*chunksToRemove, ids...)
		if err := storage.RemoveChunksByDocument(ctx, tx, doc.ID); err != nil {
			e.handleDocumentError("cannot remove chunks of document", doc.ID, documentPath, err)
			e.scheduleNext(folderID, countForFolder)
			return false
		}
		e.updateCollectionStatistics(ctx, tx)
	}

	var documentID int64
	if doc != nil {
		documentID = doc.ID
	}
	if !info.CurrentlyProcessing {
		if doc != nil {
			if err := storage.UpdateDocumentTime(ctx, tx, doc.ID, documentTime); err != nil {
				e.handleDocumentError("cannot update document time", doc.ID, documentPath, err)
				e.scheduleNext(folderID, countForFolder)
				return false
			}
		} else {
			id, err := storage.AddDocument(ctx, tx, folderID, documentTime, documentPath)
			if err != nil {
				e.handleDocumentError("cannot add document", 0, documentPath, err)
				e.scheduleNext(folderID, countForFolder)
				return false
			}
			documentID = id

			item := e.collectionItem(folderID)
			item.TotalDocs++
			e.updateCollectionItem(item)
		}
	}

	if info.IsPDF() {
		return e.scanPDF(ctx, tx, info, documentID, documentPath, countForFolder)
	}
	return e.scanText(ctx, tx, info, documentID, documentPath, countForFolder)
}

// scanPDF chunks one page of a PDF per pass, re-enqueuing the document at
// the front of its queue while pages remain.
func (e *Engine) scanPDF(ctx context.Context, tx *storage.Tx, info DocumentInfo, documentID int64, documentPath string, countForFolder int) bool {
	folderID := info.Folder

	doc, err := e.loadPDF(documentPath)
	if err != nil {
		e.handleDocumentError("cannot load pdf", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}
	defer func() { _ = doc.Close() }()

	pageCount := doc.PageCount()
	if pageCount == 0 {
		e.scheduleNext(folderID, countForFolder)
		return true
	}

	// Byte accounting per page is an estimate; it only drives progress.
	bytesPerPage := info.Size / int64(pageCount)
	pageIndex := info.CurrentPage

	text, err := doc.PageText(pageIndex)
	if err != nil {
		e.handleDocumentError("cannot extract pdf page", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}

	meta := chunker.Metadata{
		File:     filepath.Base(documentPath),
		Title:    doc.Metadata(pdf.FieldTitle),
		Author:   doc.Metadata(pdf.FieldAuthor),
		Subject:  doc.Metadata(pdf.FieldSubject),
		Keywords: doc.Metadata(pdf.FieldKeywords),
		Page:     pageIndex + 1,
	}
	if _, err := e.chunkStream(ctx, tx, strings.NewReader(text), folderID, documentID, meta, 0); err != nil {
		e.handleDocumentError("cannot insert chunks of pdf page", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}

	item := e.collectionItem(folderID)
	item.CurrentBytesToIndex -= bytesPerPage
	e.updateCollectionItem(item)

	if pageIndex+1 < pageCount {
		info.CurrentPage = pageIndex + 1
		info.CurrentlyProcessing = true
		e.enqueueDocumentInternal(info, true)
		e.scheduleNext(folderID, countForFolder+1)
		return true
	}

	item = e.collectionItem(folderID)
	item.CurrentBytesToIndex -= info.Size - bytesPerPage*int64(pageCount)
	e.updateCollectionItem(item)

	e.scheduleNext(folderID, countForFolder)
	return true
}

// scanText chunks a plain-text document from its saved position, capped at
// maxTextChunksPerPass chunks per tick.
func (e *Engine) scanText(ctx context.Context, tx *storage.Tx, info DocumentInfo, documentID int64, documentPath string, countForFolder int) bool {
	folderID := info.Folder

	f, err := os.Open(documentPath)
	if err != nil {
		e.handleDocumentError("cannot open file for scanning", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(info.CurrentPosition, io.SeekStart); err != nil {
		e.handleDocumentError("cannot seek to position for scanning", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}

	meta := chunker.Metadata{
		File: filepath.Base(documentPath),
		Page: -1,
	}
	consumed, err := e.chunkStream(ctx, tx, f, folderID, documentID, meta, maxTextChunksPerPass)
	if err != nil {
		e.handleDocumentError("cannot insert chunks of document", documentID, documentPath, err)
		e.scheduleNext(folderID, countForFolder)
		return false
	}

	pos := info.CurrentPosition + consumed
	item := e.collectionItem(folderID)
	item.CurrentBytesToIndex -= consumed
	e.updateCollectionItem(item)

	if pos < info.Size {
		info.CurrentPosition = pos
		info.CurrentlyProcessing = true
		e.enqueueDocumentInternal(info, true)
		e.scheduleNext(folderID, countForFolder+1)
		return true
	}

	e.scheduleNext(folderID, countForFolder)
	return true
}

// chunkStream feeds a text stream through the chunker, writing each emitted
// chunk to the relational store (with its FTS mirror) and buffering it for
// embedding. It returns how many bytes of the stream were consumed.
func (e *Engine) chunkStream(ctx context.Context, tx *storage.Tx, r io.Reader, folderID, documentID int64, meta chunker.Metadata, maxChunks int) (int64, error) {
	chunks := 0
	addedWords := 0

	pos, err := e.chunker.Stream(r, meta, maxChunks, func(c chunker.Chunk) error {
		chunk := &storage.Chunk{
			DocumentID: documentID,
			Text:       c.Text,
			File:       c.File,
			Title:      c.Title,
			Author:     c.Author,
			Subject:    c.Subject,
			Keywords:   c.Keywords,
			Page:       c.Page,
			LineFrom:   c.LineFrom,
			LineTo:     c.LineTo,
			Words:      c.Words,
		}
		if err := storage.AddChunk(ctx, tx, chunk); err != nil {
			return err
		}
		e.appendChunk(embedder.Chunk{
			FolderID: folderID,
			ChunkID:  chunk.ChunkID,
			Text:     c.Text,
		})
		chunks++
		addedWords += c.Words
		return nil
	})
	if err != nil {
		return pos, err
	}

	if chunks > 0 {
		item := e.collectionItem(folderID)
		item.FileCurrentlyProcessing = meta.File
		item.TotalEmbeddingsToIndex += chunks
		item.TotalWords += addedWords
		e.updateCollectionItem(item)
	}
	return pos, nil
}

// scheduleNext publishes the remaining document count for a folder and, when
// the folder's queue is drained, flushes any buffered embedding batch.
func (e *Engine) scheduleNext(folderID int64, remaining int) {
	item := e.collectionItem(folderID)
	item.CurrentDocsToIndex = remaining
	if remaining == 0 {
		e.sendChunkList()
		item.Indexing = false
		item.Installed = true
	}
	e.updateCollectionItem(item)
}

// scanDocuments enumerates a folder recursively, enqueuing every recognized
// document and adding each directory encountered to the watcher.
func (e *Engine) scanDocuments(folderID int64, folderPath string) {
	var infos []DocumentInfo

	err := filepath.WalkDir(folderPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if canonical, err := canonicalPath(path); err == nil {
				e.addFolderToWatch(canonical)
			}
			return nil
		}
		if !docExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		infos = append(infos, DocumentInfo{
			Folder: folderID,
			Path:   path,
			Size:   fi.Size(),
		})
		return nil
	})
	if err != nil {
		e.log.Warn("cannot enumerate folder", "path", folderPath, "error", err)
	}

	if len(infos) == 0 {
		return
	}

	item := e.collectionItem(folderID)
	item.Indexing = true
	e.updateCollectionItem(item)
	e.enqueueDocuments(folderID, infos)
}
