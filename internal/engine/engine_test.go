package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/localdocs-mcp/internal/embedder"
	"github.com/dshills/localdocs-mcp/internal/storage"
)

// fakeEmbedder records dispatched batches instead of calling a model. Tests
// feed results back through handleEmbeddingsGenerated.
type fakeEmbedder struct {
	model    string
	queryVec []float32
	batches  [][]embedder.Chunk
}

func (f *fakeEmbedder) ModelName() string { return f.model }

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if len(f.queryVec) == 0 {
		return nil, errors.New("embedder unavailable")
	}
	return f.queryVec, nil
}

func (f *fakeEmbedder) EmbedBatchAsync(batch []embedder.Chunk) {
	f.batches = append(f.batches, batch)
}

func (f *fakeEmbedder) Close() error { return nil }

func (f *fakeEmbedder) queuedChunks() []embedder.Chunk {
	var all []embedder.Chunk
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

// newTestEngine builds an engine with open stores but no running worker;
// tests drive the worker's methods synchronously.
func newTestEngine(t *testing.T, chunkSize int) (*Engine, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{model: "test-model"}
	e := New(Config{
		ModelPath: t.TempDir(),
		ChunkSize: chunkSize,
		Embedder:  emb,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, e.openDatabase(context.Background()))
	t.Cleanup(func() { _ = e.store.Close() })
	return e, emb
}

// drainQueue runs scan ticks until no work remains.
func drainQueue(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for i := 0; !e.queueEmpty(); i++ {
		require.Less(t, i, 1000, "scan queue did not drain")
		e.scanQueueBatch(ctx)
	}
}

// embedAll simulates the embedder completing every dispatched chunk.
func embedAll(e *Engine, emb *fakeEmbedder) {
	ctx := context.Background()
	for _, c := range emb.queuedChunks() {
		e.handleEmbeddingsGenerated(ctx, []embedder.Result{{
			FolderID: c.FolderID,
			ChunkID:  c.ChunkID,
			Vector:   []float32{float32(c.ChunkID), 1},
		}})
	}
	emb.batches = nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAddFolderIndexesTextDocument(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	folders, err := storage.AllFolderPaths(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, folders, 1)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	rows, err := storage.ChunksByIDs(ctx, e.store, ids, []string{"C"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha beta", rows[0].Text)
	assert.Equal(t, "gamma delta", rows[1].Text)

	ftsCount, err := storage.CountFTSChunks(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, 2, ftsCount)

	// Both chunks were queued for embedding when the folder drained.
	assert.Len(t, emb.queuedChunks(), 2)

	item := e.collectionItem(folders2ID(t, e, dir))
	assert.False(t, item.Indexing)
	assert.True(t, item.Installed)
	assert.Equal(t, 0, item.CurrentDocsToIndex)
	assert.Equal(t, 4, item.TotalWords)
}

func folders2ID(t *testing.T, e *Engine, path string) int64 {
	t.Helper()
	canonical, err := canonicalPath(path)
	require.NoError(t, err)
	id, err := storage.FolderIDByPath(context.Background(), e.store, canonical)
	require.NoError(t, err)
	return id
}

func TestAddFolderRefusedWithoutModel(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	emb.model = ""
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta")

	e.addFolder(ctx, "C", dir)

	assert.True(t, e.queueEmpty())
	items, err := storage.AllCollections(ctx, e.store, storage.Version)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUnrecognizedExtensionsSkipped(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta")
	writeFile(t, dir, "b.exe", "binary junk")
	writeFile(t, dir, "c.md", "gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestRescanUnchangedFolderIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	before, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)

	// Re-adding the same folder re-enqueues, but unchanged mtimes produce
	// no new chunks.
	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	after, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestModifiedDocumentIsReindexed(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	canonical, err := canonicalPath(dir)
	require.NoError(t, err)

	e.addFolder(ctx, "C", canonical)
	drainQueue(t, e)
	embedAll(e, emb)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	oldIDs, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, oldIDs, 2)
	for _, id := range oldIDs {
		assert.True(t, e.vectors.Has(id))
	}

	// Modify content and bump the mtime past the recorded one.
	require.NoError(t, os.WriteFile(path, []byte("alpha beta"), 0o644))
	newTime := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, newTime, newTime))

	e.directoryChanged(ctx, canonical)
	drainQueue(t, e)

	newIDs, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, newIDs, 1)
	assert.NotContains(t, oldIDs, newIDs[0])

	// The stale chunks are gone from the FTS index and the vector index.
	ftsCount, err := storage.CountFTSChunks(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, 1, ftsCount)
	for _, id := range oldIDs {
		assert.False(t, e.vectors.Has(id))
	}
}

func TestDeletedDocumentIsCleanedUp(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "alpha beta gamma delta")
	writeFile(t, dir, "b.txt", "epsilon zeta")

	canonical, err := canonicalPath(dir)
	require.NoError(t, err)

	e.addFolder(ctx, "C", canonical)
	drainQueue(t, e)
	embedAll(e, emb)

	require.NoError(t, os.Remove(path))
	e.directoryChanged(ctx, canonical)
	drainQueue(t, e)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.txt", filepath.Base(docs[0].Path))
}

// Two collections sharing one folder: removing the first keeps the chunks,
// removing the second cascades everything.
func TestRemoveFolderSharedAndSole(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	canonical, err := canonicalPath(dir)
	require.NoError(t, err)

	e.addFolder(ctx, "C1", canonical)
	e.addFolder(ctx, "C2", canonical)
	drainQueue(t, e)
	embedAll(e, emb)

	folderID := folders2ID(t, e, canonical)

	e.removeFolderInternal(ctx, "C1", folderID, canonical)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	e.removeFolderInternal(ctx, "C2", folderID, canonical)

	docs, err = storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	assert.Empty(t, docs)

	paths, err := storage.AllFolderPaths(ctx, e.store)
	require.NoError(t, err)
	assert.Empty(t, paths)

	ftsCount, err := storage.CountFTSChunks(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, 0, ftsCount)

	for _, id := range ids {
		assert.False(t, e.vectors.Has(id))
	}
}

func TestRemoveFolderEvictsQueuedWork(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	canonical, err := canonicalPath(dir)
	require.NoError(t, err)

	e.addFolder(ctx, "C", canonical)
	require.False(t, e.queueEmpty())

	folderID := folders2ID(t, e, canonical)
	e.removeFolderInternal(ctx, "C", folderID, canonical)

	assert.True(t, e.queueEmpty())
}

func TestEmbeddingResultsMarkChunks(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	folderID := folders2ID(t, e, dir)
	uncompleted, err := storage.UncompletedChunks(ctx, e.store, folderID)
	require.NoError(t, err)
	require.Len(t, uncompleted, 2)

	embedAll(e, emb)

	uncompleted, err = storage.UncompletedChunks(ctx, e.store, folderID)
	require.NoError(t, err)
	assert.Empty(t, uncompleted)
	assert.True(t, e.vectors.IsLoaded())
	assert.True(t, e.vectors.FileExists())

	item := e.collectionItem(folderID)
	assert.Equal(t, 2, item.CurrentEmbeddingsToIndex)
	assert.Equal(t, "a.txt", item.FileCurrentlyProcessing)
}

func TestEmbeddingErrorSurfacesOnCollection(t *testing.T) {
	e, _ := newTestEngine(t, 10)

	e.handleErrorGenerated(7, "model exploded")
	assert.Equal(t, "model exploded", e.collectionItem(7).Error)
}

func TestUncompletedEmbeddingsRescheduledOnStartup(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)
	// The embedder never completed; drop the dispatched batches.
	emb.batches = nil

	folderID := folders2ID(t, e, dir)
	e.scheduleUncompletedEmbeddings(ctx, folderID)

	assert.Len(t, emb.queuedChunks(), 2)
	item := e.collectionItem(folderID)
	assert.Equal(t, 2, item.TotalEmbeddingsToIndex)
	assert.Equal(t, 0, item.CurrentEmbeddingsToIndex)
}

func TestChangeChunkSizeReindexes(t *testing.T) {
	e, emb := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)
	embedAll(e, emb)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	oldIDs, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, oldIDs, 2)

	e.changeChunkSize(ctx, 100)
	drainQueue(t, e)

	docs, err = storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	newIDs, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, newIDs, 1)

	for _, id := range oldIDs {
		assert.False(t, e.vectors.Has(id))
	}
}

func TestForceIndexingReindexesLegacyCollection(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha beta gamma delta")

	// A collection carried over from an older database version: present,
	// forced, and empty.
	require.NoError(t, e.addForcedCollection(ctx, storage.CollectionItem{
		Collection: "Old",
		FolderPath: dir,
	}))

	items, err := storage.AllCollections(ctx, e.store, storage.Version)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].ForceIndexing)

	// Startup skips forced collections entirely.
	e.addCurrentFolders(ctx)
	assert.True(t, e.queueEmpty())

	e.forceIndexing(ctx, "Old")
	require.False(t, e.queueEmpty())
	drainQueue(t, e)

	items, err = storage.AllCollections(ctx, e.store, storage.Version)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].ForceIndexing)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

// fakePDFDoc substitutes the PDF extractor for queue-resumption tests.
type fakePDFDoc struct {
	pages []string
	meta  map[string]string
}

func (f *fakePDFDoc) PageCount() int { return len(f.pages) }

func (f *fakePDFDoc) PageText(pageIndex int) (string, error) {
	if pageIndex < 0 || pageIndex >= len(f.pages) {
		return "", fmt.Errorf("page index %d out of range", pageIndex)
	}
	return f.pages[pageIndex], nil
}

func (f *fakePDFDoc) Metadata(field string) string { return f.meta[field] }

func (f *fakePDFDoc) Close() error { return nil }

func installFakePDF(e *Engine, doc *fakePDFDoc) {
	e.loadPDF = func(path string) (pdfDocument, error) {
		return doc, nil
	}
}

// A multi-page PDF advances one page per pass, re-enqueued at the front of
// its folder queue between passes.
func TestPDFScannedPageAtATime(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "doc.pdf", "%PDF-1.4 placeholder bytes")
	installFakePDF(e, &fakePDFDoc{
		pages: []string{"alpha beta", "gamma delta", "epsilon zeta"},
		meta:  map[string]string{"Title": "A Paper", "Author": "Someone"},
	})

	e.addFolder(ctx, "C", dir)
	require.False(t, e.queueEmpty())

	folderID := folders2ID(t, e, dir)

	// Pass 1: page 0 chunked, document re-enqueued at the front.
	tx, err := e.store.Begin(ctx)
	require.NoError(t, err)
	var removals []int64
	require.True(t, e.scanQueue(ctx, tx, &removals))
	require.NoError(t, tx.Commit())

	require.Equal(t, 1, e.countOfDocuments(folderID))
	head := e.docsToScan[folderID][0]
	assert.True(t, head.CurrentlyProcessing)
	assert.Equal(t, 1, head.CurrentPage)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// Passes 2 and 3 finish the remaining pages and drain the queue.
	for pass := 0; pass < 2; pass++ {
		tx, err := e.store.Begin(ctx)
		require.NoError(t, err)
		require.True(t, e.scanQueue(ctx, tx, &removals))
		require.NoError(t, tx.Commit())
	}
	assert.True(t, e.queueEmpty())

	ids, err = storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	rows, err := storage.ChunksByIDs(ctx, e.store, ids, []string{"C"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "A Paper", rows[0].Title)
	assert.Equal(t, 1, rows[0].Page)
	assert.Equal(t, 3, rows[2].Page)
}

func TestZeroPagePDFSkipped(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "empty.pdf", "%PDF-1.4")
	installFakePDF(e, &fakePDFDoc{})

	e.addFolder(ctx, "C", dir)
	drainQueue(t, e)

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLargeTextDocumentResumesAcrossPasses(t *testing.T) {
	e, _ := newTestEngine(t, 10)
	ctx := context.Background()

	// Enough words that one pass hits the per-pass chunk cap.
	var sb []byte
	for i := 0; i < maxTextChunksPerPass*2; i++ {
		sb = append(sb, []byte(fmt.Sprintf("word%04d filler ", i))...)
	}
	dir := t.TempDir()
	writeFile(t, dir, "big.txt", string(sb))

	e.addFolder(ctx, "C", dir)
	folderID := folders2ID(t, e, dir)

	tx, err := e.store.Begin(ctx)
	require.NoError(t, err)
	var removals []int64
	require.True(t, e.scanQueue(ctx, tx, &removals))
	require.NoError(t, tx.Commit())

	// Capped pass: document re-enqueued at the front with a saved position.
	require.Equal(t, 1, e.countOfDocuments(folderID))
	head := e.docsToScan[folderID][0]
	assert.True(t, head.CurrentlyProcessing)
	assert.Greater(t, head.CurrentPosition, int64(0))

	docs, err := storage.AllDocuments(ctx, e.store)
	require.NoError(t, err)
	ids, err := storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Len(t, ids, maxTextChunksPerPass)

	drainQueue(t, e)

	ids, err = storage.ChunksByDocument(ctx, e.store, docs[0].ID)
	require.NoError(t, err)
	assert.Greater(t, len(ids), maxTextChunksPerPass)
}

func TestQueueOrdering(t *testing.T) {
	e, _ := newTestEngine(t, 10)

	e.enqueueDocumentInternal(DocumentInfo{Folder: 2, Path: "/b/one.txt"}, false)
	e.enqueueDocumentInternal(DocumentInfo{Folder: 1, Path: "/a/one.txt"}, false)
	e.enqueueDocumentInternal(DocumentInfo{Folder: 1, Path: "/a/two.txt"}, false)

	// First non-empty folder queue in ascending id order.
	first := e.dequeueDocument()
	assert.Equal(t, "/a/one.txt", first.Path)

	// A resumed document goes to the front of its folder queue.
	e.enqueueDocumentInternal(DocumentInfo{Folder: 1, Path: "/a/one.txt", CurrentlyProcessing: true}, true)
	next := e.dequeueDocument()
	assert.Equal(t, "/a/one.txt", next.Path)
	assert.True(t, next.CurrentlyProcessing)

	assert.Equal(t, "/a/two.txt", e.dequeueDocument().Path)
	assert.Equal(t, "/b/one.txt", e.dequeueDocument().Path)
	assert.True(t, e.queueEmpty())
}
