// Package engine coordinates the local document indexing pipeline: scan
// queues, the time-sliced worker, the embedding coordinator, the filesystem
// watcher, and hybrid retrieval. A single worker goroutine owns the
// relational store and the vector index; all other goroutines post work to
// it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/localdocs-mcp/internal/chunker"
	"github.com/dshills/localdocs-mcp/internal/embedder"
	"github.com/dshills/localdocs-mcp/internal/pdf"
	"github.com/dshills/localdocs-mcp/internal/storage"
	"github.com/dshills/localdocs-mcp/internal/vectorindex"
)

// Callbacks deliver collection progress snapshots and validity changes.
// They are invoked from the worker goroutine; subscribers must not call back
// into the engine synchronously.
type Callbacks struct {
	CollectionAdded       func(storage.CollectionItem)
	CollectionUpdated     func(storage.CollectionItem)
	CollectionListUpdated func([]storage.CollectionItem)
	FolderRemoved         func(folderID int64)
	ValidChanged          func(valid bool)
}

// Config configures a new Engine.
type Config struct {
	// ModelPath is the directory holding the database and vector index.
	ModelPath string

	// ChunkSize is the target chunk size in characters.
	ChunkSize int

	// Embedder produces embeddings. Its async callbacks must be wired to
	// HandleEmbeddingResults / HandleEmbeddingError.
	Embedder embedder.Embedder

	Logger    *slog.Logger
	Callbacks Callbacks
}

// pdfDocument is the slice of the PDF extractor contract the scan worker
// uses; it exists so tests can substitute documents.
type pdfDocument interface {
	PageCount() int
	PageText(pageIndex int) (string, error)
	Metadata(field string) string
	Close() error
}

// Engine owns the indexing pipeline and its two durable stores.
type Engine struct {
	modelPath string
	log       *slog.Logger
	callbacks Callbacks

	store    *storage.DB
	vectors  *vectorindex.Index
	embedder embedder.Embedder
	chunker  *chunker.Chunker

	loadPDF func(path string) (pdfDocument, error)
	watcher *fsnotify.Watcher

	jobs  chan func()
	scanC chan struct{}
	quit  chan struct{}
	done  chan struct{}

	started  bool
	stopOnce sync.Once
	valid    atomic.Bool

	// Worker-owned state below; touched only from the worker goroutine
	// (or from tests driving it synchronously).
	docsToScan  map[int64][]DocumentInfo
	chunkBuffer []embedder.Chunk
	collections map[int64]storage.CollectionItem
	watched     map[string]bool
}

// New creates an Engine. Call Start to open the stores and begin processing.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = 512
	}
	e := &Engine{
		modelPath: cfg.ModelPath,
		log:       logger.With("component", "engine"),
		callbacks: cfg.Callbacks,
		embedder:  cfg.Embedder,
		chunker:   chunker.New(size),

		jobs:  make(chan func(), 64),
		scanC: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),

		docsToScan:  make(map[int64][]DocumentInfo),
		collections: make(map[int64]storage.CollectionItem),
		watched:     make(map[string]bool),
	}
	e.loadPDF = func(path string) (pdfDocument, error) {
		return pdf.Load(path)
	}
	e.valid.Store(true)
	return e
}

// VectorIndexPath returns the vector index file path for a model directory.
func VectorIndexPath(modelPath string) string {
	return filepath.Join(modelPath, fmt.Sprintf("localdocs_v%d.vec", storage.Version))
}

// Start opens the stores, replays any pending state (legacy collections,
// uncompleted embeddings), and launches the worker. A schema or open failure
// marks the engine invalid; no further work is accepted.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.modelPath, 0o755); err != nil {
		e.setValid(false)
		return fmt.Errorf("failed to create model path: %w", err)
	}

	if err := e.startWatcher(); err != nil {
		e.log.Warn("filesystem watcher unavailable", "error", err)
	}

	if err := e.openDatabase(ctx); err != nil {
		e.setValid(false)
		return err
	}

	e.started = true
	go e.loop()
	return nil
}

// openDatabase opens the newest supported database (running the forced
// reindex migration when an older one is found), loads the vector index,
// and re-registers current folders.
func (e *Engine) openDatabase(ctx context.Context) error {
	store, legacy, err := storage.OpenLatest(ctx, e.modelPath)
	if err != nil {
		return err
	}
	e.store = store
	e.vectors = vectorindex.New(VectorIndexPath(e.modelPath))

	for _, item := range legacy {
		if err := e.addForcedCollection(ctx, item); err != nil {
			e.log.Warn("failed to add previous collection to new database",
				"collection", item.Collection, "path", item.FolderPath, "error", err)
		}
	}

	if e.vectors.FileExists() {
		if err := e.vectors.Load(); err != nil {
			return fmt.Errorf("could not load vector index: %w", err)
		}
	}

	e.addCurrentFolders(ctx)
	return nil
}

// Stop shuts the worker down, closes the watcher and the embedder, and
// closes the database. The vector index keeps no file open; each Save
// persists it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		if e.started {
			<-e.done
		}
		e.closeWatcher()
		if e.embedder != nil {
			_ = e.embedder.Close()
		}
		if e.store != nil {
			_ = e.store.Close()
		}
	})
}

// Valid reports whether the engine opened its stores successfully.
func (e *Engine) Valid() bool {
	return e.valid.Load()
}

func (e *Engine) setValid(valid bool) {
	if e.valid.Swap(valid) != valid && e.callbacks.ValidChanged != nil {
		e.callbacks.ValidChanged(valid)
	}
}

// loop is the worker: it owns all DB and vector-index mutation and drains
// posted jobs and scan ticks until Stop.
func (e *Engine) loop() {
	defer close(e.done)
	ctx := context.Background()
	for {
		select {
		case <-e.quit:
			return
		case fn := <-e.jobs:
			fn()
		case <-e.scanC:
			e.scanQueueBatch(ctx)
		}
	}
}

// post hands a closure to the worker goroutine.
func (e *Engine) post(fn func()) {
	select {
	case e.jobs <- fn:
	case <-e.quit:
	}
}

// scheduleScan arms the worker for a scan tick as soon as possible.
func (e *Engine) scheduleScan() {
	select {
	case e.scanC <- struct{}{}:
	default:
	}
}

// AddFolder attaches a folder to a collection and queues it for indexing.
func (e *Engine) AddFolder(collection, path string) {
	e.post(func() { e.addFolder(context.Background(), collection, path) })
}

// RemoveFolder detaches a folder from a collection, cascading to the
// folder's documents, chunks and vectors when no other collection
// references it.
func (e *Engine) RemoveFolder(collection, path string) {
	e.post(func() { e.removeFolder(context.Background(), collection, path) })
}

// ForceIndexing clears a collection's force_indexing flag and re-queues its
// folders for scanning.
func (e *Engine) ForceIndexing(collection string) {
	e.post(func() { e.forceIndexing(context.Background(), collection) })
}

// ChangeChunkSize truncates all indexed content and re-queues every current
// folder with the new chunk size.
func (e *Engine) ChangeChunkSize(chunkSize int) {
	e.post(func() { e.changeChunkSize(context.Background(), chunkSize) })
}

// Retrieve runs a hybrid retrieval query scoped to the named collections.
func (e *Engine) Retrieve(ctx context.Context, collections []string, text string, k int) ([]ResultInfo, error) {
	type reply struct {
		results []ResultInfo
		err     error
	}
	ch := make(chan reply, 1)
	e.post(func() {
		results, err := e.retrieveFromDB(ctx, collections, text, k)
		ch <- reply{results: results, err: err}
	})
	select {
	case r := <-ch:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.quit:
		return nil, fmt.Errorf("engine stopped")
	}
}

// Collections returns a snapshot of the per-folder collection state.
func (e *Engine) Collections(ctx context.Context) ([]storage.CollectionItem, error) {
	ch := make(chan []storage.CollectionItem, 1)
	e.post(func() {
		items := make([]storage.CollectionItem, 0, len(e.collections))
		for _, item := range e.collections {
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].FolderID < items[j].FolderID })
		ch <- items
	})
	select {
	case items := <-ch:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.quit:
		return nil, fmt.Errorf("engine stopped")
	}
}

// HandleEmbeddingResults accepts an asynchronous embedding completion; it is
// safe to call from any goroutine.
func (e *Engine) HandleEmbeddingResults(results []embedder.Result) {
	e.post(func() { e.handleEmbeddingsGenerated(context.Background(), results) })
}

// HandleEmbeddingError accepts a per-folder embedding failure; it is safe to
// call from any goroutine.
func (e *Engine) HandleEmbeddingError(folderID int64, message string) {
	e.post(func() { e.handleErrorGenerated(folderID, message) })
}

// Progress/state helpers. The engine keeps the authoritative folder_id ->
// CollectionItem map; subscribers get immutable snapshots.

func (e *Engine) collectionItem(folderID int64) storage.CollectionItem {
	item, ok := e.collections[folderID]
	if !ok {
		item.FolderID = folderID
	}
	return item
}

func (e *Engine) updateCollectionItem(item storage.CollectionItem) {
	e.collections[item.FolderID] = item
	if e.callbacks.CollectionUpdated != nil {
		e.callbacks.CollectionUpdated(item)
	}
}

func (e *Engine) addCollectionItem(item storage.CollectionItem) {
	e.collections[item.FolderID] = item
	if e.callbacks.CollectionAdded != nil {
		e.callbacks.CollectionAdded(item)
	}
}

func (e *Engine) removeCollectionItemsByFolder(folderID int64) {
	delete(e.collections, folderID)
	if e.callbacks.FolderRemoved != nil {
		e.callbacks.FolderRemoved(folderID)
	}
}

func (e *Engine) collectionListUpdated(items []storage.CollectionItem) {
	for _, item := range items {
		e.collections[item.FolderID] = item
	}
	if e.callbacks.CollectionListUpdated != nil {
		e.callbacks.CollectionListUpdated(items)
	}
}

// handleDocumentError logs a per-document failure with its context. The
// enclosing tick is rolled back by the caller.
func (e *Engine) handleDocumentError(op string, documentID int64, path string, err error) {
	e.log.Error(op, "document_id", documentID, "path", path, "error", err)
}
