package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// Version is the current on-disk schema version, encoded in the
	// database file name.
	Version = 2

	// MinVersion is the oldest schema version that can still be read for
	// the forced-reindex migration.
	MinVersion = 1
)

const foldersSQL = `
CREATE TABLE folders (
    id INTEGER PRIMARY KEY,
    folder_path TEXT UNIQUE
);`

const documentsSQL = `
CREATE TABLE documents (
    id INTEGER PRIMARY KEY,
    folder_id INTEGER,
    document_time INTEGER,
    document_path TEXT UNIQUE
);`

const chunksSQL = `
CREATE TABLE chunks (
    document_id INTEGER,
    chunk_id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_text TEXT,
    file TEXT,
    title TEXT,
    author TEXT,
    subject TEXT,
    keywords TEXT,
    page INTEGER,
    line_from INTEGER,
    line_to INTEGER,
    words INTEGER DEFAULT 0,
    tokens INTEGER DEFAULT 0,
    has_embedding INTEGER DEFAULT 0
);`

// Only chunk_text participates in ranking; the metadata columns ride along
// unindexed so result rows take their chunk metadata from the FTS table;
// the document time and the collection scope are joined in from the other
// tables.
const chunksFTSSQL = `
CREATE VIRTUAL TABLE chunks_fts USING fts5(
    document_id UNINDEXED,
    chunk_id UNINDEXED,
    chunk_text,
    file UNINDEXED,
    title UNINDEXED,
    author UNINDEXED,
    subject UNINDEXED,
    keywords UNINDEXED,
    page UNINDEXED,
    line_from UNINDEXED,
    line_to UNINDEXED,
    tokenize="trigram"
);`

const collectionsSQL = `
CREATE TABLE collections (
    collection_name TEXT,
    folder_id INTEGER,
    last_update_time INTEGER,
    embedding_model TEXT,
    force_indexing INTEGER,
    UNIQUE(collection_name, folder_id)
);`

// DatabasePath returns the versioned database file path under modelPath.
func DatabasePath(modelPath string, version int) string {
	return filepath.Join(modelPath, fmt.Sprintf("localdocs_v%d.db", version))
}

// hasContent reports whether the chunks table exists, which marks a database
// file as a populated localdocs store rather than an empty shell.
func (d *DB) hasContent(ctx context.Context) (bool, error) {
	var name string
	err := d.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='chunks'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// initSchema creates all tables inside one transaction. It is a no-op on a
// database that already has content.
func (d *DB) initSchema(ctx context.Context) error {
	ok, err := d.hasContent(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{chunksSQL, chunksFTSSQL, collectionsSQL, foldersSQL, documentsSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return tx.Commit()
}

// OpenLatest probes database files from the current version down to the
// minimum supported one and opens the first that exists with content.
//
// When the found version is older than current, the legacy collections are
// read (version-aware), the old file is closed untouched, and a fresh
// database at the current version is created. The caller re-inserts the
// returned collections with force_indexing set; their content is not
// migrated.
func OpenLatest(ctx context.Context, modelPath string) (*DB, []CollectionItem, error) {
	var legacy []CollectionItem

	for ver := Version; ver >= MinVersion; ver-- {
		path := DatabasePath(modelPath, ver)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		d, err := open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database %s: %w", path, err)
		}
		ok, err := d.hasContent(ctx)
		if err != nil {
			_ = d.Close()
			return nil, nil, err
		}
		if !ok {
			_ = d.Close()
			continue
		}

		if ver == Version {
			return d, nil, nil
		}

		// Older version: remember its collections for forced re-indexing,
		// then fall through to create a fresh current-version database.
		legacy, err = AllCollections(ctx, d, ver)
		_ = d.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read legacy collections: %w", err)
		}
		break
	}

	d, err := Open(DatabasePath(modelPath, Version))
	if err != nil {
		return nil, nil, err
	}
	return d, legacy, nil
}
