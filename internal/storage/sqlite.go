package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// The operations below accept a Querier so they can run either directly on
// the DB (autocommit) or inside a scan-tick transaction. All statements are
// parameterized.

// Folder operations

// AddFolder inserts a folder row and returns its id.
func AddFolder(ctx context.Context, q Querier, folderPath string) (int64, error) {
	res, err := q.querier().ExecContext(ctx,
		`INSERT INTO folders (folder_path) VALUES (?)`, folderPath)
	if err != nil {
		return 0, fmt.Errorf("failed to add folder: %w", err)
	}
	return res.LastInsertId()
}

// RemoveFolder deletes a folder row by id.
func RemoveFolder(ctx context.Context, q Querier, folderID int64) error {
	_, err := q.querier().ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, folderID)
	return err
}

// FolderIDByPath looks up a folder id by its canonical path.
func FolderIDByPath(ctx context.Context, q Querier, folderPath string) (int64, error) {
	var id int64
	err := q.querier().QueryRowContext(ctx,
		`SELECT id FROM folders WHERE folder_path = ?`, folderPath).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FolderPathByID looks up a folder path by its id.
func FolderPathByID(ctx context.Context, q Querier, folderID int64) (string, error) {
	var path string
	err := q.querier().QueryRowContext(ctx,
		`SELECT folder_path FROM folders WHERE id = ?`, folderID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// AllFolderPaths returns the paths of every folder row.
func AllFolderPaths(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.querier().QueryContext(ctx, `SELECT folder_path FROM folders`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	paths := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Document operations

// AddDocument inserts a document row and returns its id.
func AddDocument(ctx context.Context, q Querier, folderID, documentTime int64, documentPath string) (int64, error) {
	res, err := q.querier().ExecContext(ctx,
		`INSERT INTO documents (folder_id, document_time, document_path) VALUES (?, ?, ?)`,
		folderID, documentTime, documentPath)
	if err != nil {
		return 0, fmt.Errorf("failed to add document: %w", err)
	}
	return res.LastInsertId()
}

// UpdateDocumentTime records a new modification time for a rescanned document.
func UpdateDocumentTime(ctx context.Context, q Querier, documentID, documentTime int64) error {
	_, err := q.querier().ExecContext(ctx,
		`UPDATE documents SET document_time = ? WHERE id = ?`, documentTime, documentID)
	return err
}

// RemoveDocument deletes a document row by id.
func RemoveDocument(ctx context.Context, q Querier, documentID int64) error {
	_, err := q.querier().ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	return err
}

// DocumentByPath looks up a document by its canonical path.
func DocumentByPath(ctx context.Context, q Querier, documentPath string) (*Document, error) {
	var doc Document
	err := q.querier().QueryRowContext(ctx,
		`SELECT id, folder_id, document_time, document_path FROM documents WHERE document_path = ?`,
		documentPath).Scan(&doc.ID, &doc.FolderID, &doc.DocumentTime, &doc.Path)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DocumentsByFolder returns the ids of all documents in a folder.
func DocumentsByFolder(ctx context.Context, q Querier, folderID int64) ([]int64, error) {
	rows, err := q.querier().QueryContext(ctx,
		`SELECT id FROM documents WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllDocuments returns every document row's id and path.
func AllDocuments(ctx context.Context, q Querier) ([]Document, error) {
	rows, err := q.querier().QueryContext(ctx,
		`SELECT id, folder_id, document_time, document_path FROM documents`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	docs := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.FolderID, &d.DocumentTime, &d.Path); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Chunk operations

// AddChunk inserts a chunk row and its mirror FTS row in lockstep and fills
// in the autoincremented ChunkID.
func AddChunk(ctx context.Context, q Querier, c *Chunk) error {
	res, err := q.querier().ExecContext(ctx, `
		INSERT INTO chunks (document_id, chunk_text,
			file, title, author, subject, keywords, page, line_from, line_to, words)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.Text, c.File, c.Title, c.Author, c.Subject, c.Keywords,
		c.Page, c.LineFrom, c.LineTo, c.Words)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ChunkID = id

	_, err = q.querier().ExecContext(ctx, `
		INSERT INTO chunks_fts (document_id, chunk_id, chunk_text,
			file, title, author, subject, keywords, page, line_from, line_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, c.ChunkID, c.Text, c.File, c.Title, c.Author, c.Subject,
		c.Keywords, c.Page, c.LineFrom, c.LineTo)
	if err != nil {
		return fmt.Errorf("failed to insert chunk into fts index: %w", err)
	}
	return nil
}

// RemoveChunksByDocument deletes a document's chunk and FTS rows.
func RemoveChunksByDocument(ctx context.Context, q Querier, documentID int64) error {
	if _, err := q.querier().ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := q.querier().ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete fts chunks: %w", err)
	}
	return nil
}

// ChunksByDocument returns the chunk ids belonging to a document.
func ChunksByDocument(ctx context.Context, q Querier, documentID int64) ([]int64, error) {
	rows, err := q.querier().QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UncompletedChunks returns the chunks of a folder that still lack embeddings.
func UncompletedChunks(ctx context.Context, q Querier, folderID int64) ([]UncompletedChunk, error) {
	rows, err := q.querier().QueryContext(ctx, `
		SELECT c.chunk_id, c.chunk_text, d.folder_id
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE c.has_embedding != 1 AND d.folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	chunks := make([]UncompletedChunk, 0)
	for rows.Next() {
		var c UncompletedChunk
		if err := rows.Scan(&c.ChunkID, &c.Text, &c.FolderID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks counts the chunks of a folder.
func CountChunks(ctx context.Context, q Querier, folderID int64) (int, error) {
	var count int
	err := q.querier().QueryRowContext(ctx, `
		SELECT count(c.chunk_id)
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE d.folder_id = ?`, folderID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SetChunkHasEmbedding marks a chunk as present in the vector index.
func SetChunkHasEmbedding(ctx context.Context, q Querier, chunkID int64) error {
	_, err := q.querier().ExecContext(ctx,
		`UPDATE chunks SET has_embedding = 1 WHERE chunk_id = ?`, chunkID)
	return err
}

// FileForChunk returns the file basename recorded for a chunk.
func FileForChunk(ctx context.Context, q Querier, chunkID int64) (string, error) {
	var file string
	err := q.querier().QueryRowContext(ctx,
		`SELECT file FROM chunks WHERE chunk_id = ?`, chunkID).Scan(&file)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return file, nil
}

// CountFTSChunks counts the rows in the FTS shadow table.
func CountFTSChunks(ctx context.Context, q Querier) (int, error) {
	var count int
	err := q.querier().QueryRowContext(ctx, `SELECT count(*) FROM chunks_fts`).Scan(&count)
	return count, err
}

// FolderStatistics computes document, word and token totals for a folder.
func FolderStatistics(ctx context.Context, q Querier, folderID int64) (Statistics, error) {
	var stats Statistics
	var words, tokens sql.NullInt64
	err := q.querier().QueryRowContext(ctx, `
		SELECT count(DISTINCT d.id), sum(c.words), sum(c.tokens)
		FROM documents d
		LEFT JOIN chunks c ON d.id = c.document_id
		WHERE d.folder_id = ?`, folderID).Scan(&stats.TotalDocs, &words, &tokens)
	if err != nil {
		return Statistics{}, err
	}
	stats.TotalWords = int(words.Int64)
	stats.TotalTokens = int(tokens.Int64)
	return stats, nil
}

// Collection operations

// AddCollection attaches a folder to a named collection.
func AddCollection(ctx context.Context, q Querier, name string, folderID int64, lastUpdate time.Time, embeddingModel string, forceIndexing bool) error {
	var last interface{}
	if !lastUpdate.IsZero() {
		last = lastUpdate.UnixMilli()
	}
	_, err := q.querier().ExecContext(ctx, `
		INSERT INTO collections (collection_name, folder_id, last_update_time, embedding_model, force_indexing)
		VALUES (?, ?, ?, ?, ?)`,
		name, folderID, last, embeddingModel, forceIndexing)
	if err != nil {
		return fmt.Errorf("failed to add collection: %w", err)
	}
	return nil
}

// RemoveCollection detaches a folder from a named collection.
func RemoveCollection(ctx context.Context, q Querier, name string, folderID int64) error {
	_, err := q.querier().ExecContext(ctx,
		`DELETE FROM collections WHERE collection_name = ? AND folder_id = ?`, name, folderID)
	return err
}

// FoldersFromCollection returns the folders attached to a collection.
func FoldersFromCollection(ctx context.Context, q Querier, name string) ([]Folder, error) {
	rows, err := q.querier().QueryContext(ctx, `
		SELECT f.id, f.folder_path
		FROM collections c
		JOIN folders f ON c.folder_id = f.id
		WHERE c.collection_name = ?`, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	folders := make([]Folder, 0)
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Path); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// CollectionsFromFolder returns the names of collections referencing a folder.
func CollectionsFromFolder(ctx context.Context, q Querier, folderID int64) ([]string, error) {
	rows, err := q.querier().QueryContext(ctx,
		`SELECT collection_name FROM collections WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AllCollections reads every (collection, folder) attachment. The version
// parameter selects the statement for the given schema version so that a
// legacy database can be read during migration; rows from versions below the
// current one are marked for forced indexing.
func AllCollections(ctx context.Context, q Querier, version int) ([]CollectionItem, error) {
	var query string
	switch version {
	case 1:
		query = `
			SELECT c.collection_name, f.folder_path, f.id
			FROM collections c
			JOIN folders f ON c.folder_id = f.id
			ORDER BY c.collection_name ASC, f.folder_path ASC`
	case 2:
		query = `
			SELECT c.collection_name, f.folder_path, f.id, c.last_update_time, c.embedding_model, c.force_indexing
			FROM collections c
			JOIN folders f ON c.folder_id = f.id
			ORDER BY c.collection_name ASC, f.folder_path ASC`
	default:
		return nil, fmt.Errorf("unsupported collections schema version %d", version)
	}

	rows, err := q.querier().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make([]CollectionItem, 0)
	for rows.Next() {
		var item CollectionItem
		item.Installed = true
		if version > 1 {
			var last sql.NullInt64
			var model sql.NullString
			var force sql.NullBool
			if err := rows.Scan(&item.Collection, &item.FolderPath, &item.FolderID,
				&last, &model, &force); err != nil {
				return nil, err
			}
			if last.Valid {
				item.LastUpdate = time.UnixMilli(last.Int64)
			}
			item.EmbeddingModel = model.String
			item.ForceIndexing = force.Bool
		} else {
			if err := rows.Scan(&item.Collection, &item.FolderPath, &item.FolderID); err != nil {
				return nil, err
			}
		}
		if version < Version {
			item.ForceIndexing = true
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClearForceIndexing resets the force_indexing flag of a collection.
func ClearForceIndexing(ctx context.Context, q Querier, name string) error {
	_, err := q.querier().ExecContext(ctx,
		`UPDATE collections SET force_indexing = 0 WHERE collection_name = ?`, name)
	return err
}

// Retrieval selects

// ChunksByIDs selects chunks by id, scoped to the supplied collection names.
// The returned order follows the id list so that the vector index's ranking
// is preserved.
func ChunksByIDs(ctx context.Context, q Querier, chunkIDs []int64, collections []string) ([]RetrievedChunk, error) {
	if len(chunkIDs) == 0 || len(collections) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT chunks.chunk_id, documents.document_time,
			chunks.chunk_text, chunks.file, chunks.title, chunks.author, chunks.page,
			chunks.line_from, chunks.line_to
		FROM chunks
		JOIN documents ON chunks.document_id = documents.id
		JOIN folders ON documents.folder_id = folders.id
		JOIN collections ON folders.id = collections.folder_id
		WHERE chunks.chunk_id IN (%s) AND collections.collection_name IN (%s)`,
		placeholders(len(chunkIDs)), placeholders(len(collections)))

	args := make([]interface{}, 0, len(chunkIDs)+len(collections))
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	for _, name := range collections {
		args = append(args, name)
	}

	rows, err := q.querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]RetrievedChunk, len(chunkIDs))
	for rows.Next() {
		var c RetrievedChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentTime, &c.Text, &c.File, &c.Title,
			&c.Author, &c.Page, &c.LineFrom, &c.LineTo); err != nil {
			return nil, err
		}
		byID[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]RetrievedChunk, 0, len(byID))
	for _, id := range chunkIDs {
		if c, ok := byID[id]; ok {
			results = append(results, c)
		}
	}
	return results, nil
}

// SearchNGram runs an FTS5 match over the trigram index, scoped to the
// supplied collection names, ordered by BM25 and limited to limit rows.
func SearchNGram(ctx context.Context, q Querier, match string, collections []string, limit int) ([]RetrievedChunk, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT chunks_fts.chunk_id, documents.document_time,
			chunks_fts.chunk_text, chunks_fts.file, chunks_fts.title, chunks_fts.author, chunks_fts.page,
			chunks_fts.line_from, chunks_fts.line_to
		FROM chunks_fts
		JOIN documents ON chunks_fts.document_id = documents.id
		JOIN folders ON documents.folder_id = folders.id
		JOIN collections ON folders.id = collections.folder_id
		WHERE chunks_fts MATCH ? AND collections.collection_name IN (%s)
		ORDER BY bm25(chunks_fts)
		LIMIT ?`, placeholders(len(collections)))

	args := make([]interface{}, 0, len(collections)+2)
	args = append(args, match)
	for _, name := range collections {
		args = append(args, name)
	}
	args = append(args, limit)

	rows, err := q.querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run fts search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]RetrievedChunk, 0, limit)
	for rows.Next() {
		var c RetrievedChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentTime, &c.Text, &c.File, &c.Title,
			&c.Author, &c.Page, &c.LineFrom, &c.LineTo); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// placeholders builds a "?, ?, ?" list of the given length.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
