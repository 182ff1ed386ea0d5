package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// Folder is a watched directory root.
type Folder struct {
	ID   int64
	Path string
}

// Document is a scanned file inside a folder. DocumentTime is the file's
// modification time in milliseconds since the epoch.
type Document struct {
	ID           int64
	FolderID     int64
	DocumentTime int64
	Path         string
}

// Chunk is a unit of retrievable text. Every live chunk has a mirror row in
// the chunks_fts trigram index under the same ChunkID, and HasEmbedding
// implies a live entry in the vector index.
type Chunk struct {
	ChunkID      int64
	DocumentID   int64
	Text         string
	File         string
	Title        string
	Author       string
	Subject      string
	Keywords     string
	Page         int
	LineFrom     int
	LineTo       int
	Words        int
	Tokens       int
	HasEmbedding bool
}

// CollectionItem is the full state of one (collection, folder) attachment:
// the persisted row plus the live indexing progress reported to subscribers.
type CollectionItem struct {
	Collection string
	FolderPath string
	FolderID   int64

	Indexing  bool
	Installed bool

	CurrentDocsToIndex       int
	TotalDocsToIndex         int
	CurrentBytesToIndex      int64
	TotalBytesToIndex        int64
	CurrentEmbeddingsToIndex int
	TotalEmbeddingsToIndex   int

	TotalDocs   int
	TotalWords  int
	TotalTokens int

	FileCurrentlyProcessing string
	Error                   string

	EmbeddingModel string
	ForceIndexing  bool
	LastUpdate     time.Time
}

// UncompletedChunk identifies a chunk whose embedding has not yet landed.
type UncompletedChunk struct {
	ChunkID  int64
	Text     string
	FolderID int64
}

// RetrievedChunk is one row of a retrieval select, joined through documents.
type RetrievedChunk struct {
	ChunkID      int64
	DocumentTime int64
	Text         string
	File         string
	Title        string
	Author       string
	Page         int
	LineFrom     int
	LineTo       int
}

// Statistics summarizes the indexed content of one folder.
type Statistics struct {
	TotalDocs   int
	TotalWords  int
	TotalTokens int
}

// DB owns the single SQLite connection. All mutation happens on the engine
// worker; readers elsewhere must open their own connection.
type DB struct {
	db   *sql.DB
	path string
}

// open opens a SQLite database with appropriate settings.
func open(dbPath string) (*DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer; SQLite benefits from one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Open opens (or creates) a database at dbPath and ensures the schema exists.
func Open(dbPath string) (*DB, error) {
	d, err := open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := d.initSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Path returns the filesystem path of the open database.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Begin starts a new transaction.
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx wraps a SQL transaction over the same operations as DB.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (d *DB) querier() querier { return d.db }
func (t *Tx) querier() querier { return t.tx }

// Querier is satisfied by both *DB and *Tx so that operations can run either
// in autocommit mode or inside a scan-tick transaction.
type Querier interface {
	querier() querier
}
