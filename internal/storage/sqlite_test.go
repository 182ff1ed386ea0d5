package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "localdocs_test.db"))
	require.NoError(t, err)
	require.NotNil(t, db)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addTestDocument(t *testing.T, db *DB, folderPath, docPath string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	folderID, err := AddFolder(ctx, db, folderPath)
	require.NoError(t, err)
	docID, err := AddDocument(ctx, db, folderID, time.Now().UnixMilli(), docPath)
	require.NoError(t, err)
	return folderID, docID
}

func TestFolderRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	id, err := AddFolder(ctx, db, "/docs/a")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := FolderIDByPath(ctx, db, "/docs/a")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	path, err := FolderPathByID(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a", path)

	paths, err := AllFolderPaths(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/a"}, paths)

	require.NoError(t, RemoveFolder(ctx, db, id))
	_, err = FolderIDByPath(ctx, db, "/docs/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFolderPathUnique(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := AddFolder(ctx, db, "/docs/a")
	require.NoError(t, err)
	_, err = AddFolder(ctx, db, "/docs/a")
	assert.Error(t, err)
}

func TestDocumentLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")

	doc, err := DocumentByPath(ctx, db, "/docs/a/file.txt")
	require.NoError(t, err)
	assert.Equal(t, docID, doc.ID)
	assert.Equal(t, folderID, doc.FolderID)

	require.NoError(t, UpdateDocumentTime(ctx, db, docID, 42))
	doc, err = DocumentByPath(ctx, db, "/docs/a/file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), doc.DocumentTime)

	ids, err := DocumentsByFolder(ctx, db, folderID)
	require.NoError(t, err)
	assert.Equal(t, []int64{docID}, ids)

	require.NoError(t, RemoveDocument(ctx, db, docID))
	_, err = DocumentByPath(ctx, db, "/docs/a/file.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Every chunk insert must leave an identically-keyed row in the FTS shadow
// table, and removal must delete both sides.
func TestChunkAndFTSInLockstep(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")

	first := &Chunk{
		DocumentID: docID,
		Text:       "alpha beta gamma",
		File:       "file.txt",
		Page:       -1,
		LineFrom:   -1,
		LineTo:     -1,
		Words:      3,
	}
	require.NoError(t, AddChunk(ctx, db, first))
	assert.Greater(t, first.ChunkID, int64(0))

	second := &Chunk{
		DocumentID: docID,
		Text:       "delta epsilon",
		File:       "file.txt",
		Page:       -1,
		LineFrom:   -1,
		LineTo:     -1,
		Words:      2,
	}
	require.NoError(t, AddChunk(ctx, db, second))
	assert.Equal(t, first.ChunkID+1, second.ChunkID)

	ids, err := ChunksByDocument(ctx, db, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{first.ChunkID, second.ChunkID}, ids)

	ftsCount, err := CountFTSChunks(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, ftsCount)

	require.NoError(t, RemoveChunksByDocument(ctx, db, docID))

	ids, err = ChunksByDocument(ctx, db, docID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ftsCount, err = CountFTSChunks(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, ftsCount)
}

func TestUncompletedChunks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")

	chunk := &Chunk{DocumentID: docID, Text: "alpha beta", Page: -1, LineFrom: -1, LineTo: -1, Words: 2}
	require.NoError(t, AddChunk(ctx, db, chunk))

	uncompleted, err := UncompletedChunks(ctx, db, folderID)
	require.NoError(t, err)
	require.Len(t, uncompleted, 1)
	assert.Equal(t, chunk.ChunkID, uncompleted[0].ChunkID)
	assert.Equal(t, "alpha beta", uncompleted[0].Text)
	assert.Equal(t, folderID, uncompleted[0].FolderID)

	require.NoError(t, SetChunkHasEmbedding(ctx, db, chunk.ChunkID))

	uncompleted, err = UncompletedChunks(ctx, db, folderID)
	require.NoError(t, err)
	assert.Empty(t, uncompleted)

	count, err := CountChunks(ctx, db, folderID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFolderStatistics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")

	require.NoError(t, AddChunk(ctx, db, &Chunk{DocumentID: docID, Text: "alpha beta", Page: -1, LineFrom: -1, LineTo: -1, Words: 2}))
	require.NoError(t, AddChunk(ctx, db, &Chunk{DocumentID: docID, Text: "gamma delta epsilon", Page: -1, LineFrom: -1, LineTo: -1, Words: 3}))

	stats, err := FolderStatistics(ctx, db, folderID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDocs)
	assert.Equal(t, 5, stats.TotalWords)
	assert.Equal(t, 0, stats.TotalTokens)
}

func TestCollectionAttachments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, err := AddFolder(ctx, db, "/docs/a")
	require.NoError(t, err)

	require.NoError(t, AddCollection(ctx, db, "research", folderID, time.Time{}, "test-model", false))

	// Attaching twice violates the (name, folder) uniqueness
	err = AddCollection(ctx, db, "research", folderID, time.Time{}, "test-model", false)
	assert.Error(t, err)

	folders, err := FoldersFromCollection(ctx, db, "research")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, folderID, folders[0].ID)

	names, err := CollectionsFromFolder(ctx, db, folderID)
	require.NoError(t, err)
	assert.Equal(t, []string{"research"}, names)

	items, err := AllCollections(ctx, db, Version)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "research", items[0].Collection)
	assert.Equal(t, "test-model", items[0].EmbeddingModel)
	assert.False(t, items[0].ForceIndexing)
	assert.True(t, items[0].Installed)

	require.NoError(t, RemoveCollection(ctx, db, "research", folderID))
	names, err = CollectionsFromFolder(ctx, db, folderID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestClearForceIndexing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, err := AddFolder(ctx, db, "/docs/a")
	require.NoError(t, err)
	require.NoError(t, AddCollection(ctx, db, "legacy", folderID, time.Time{}, "test-model", true))

	items, err := AllCollections(ctx, db, Version)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].ForceIndexing)

	require.NoError(t, ClearForceIndexing(ctx, db, "legacy"))

	items, err = AllCollections(ctx, db, Version)
	require.NoError(t, err)
	assert.False(t, items[0].ForceIndexing)
}

func TestChunksByIDsScopedAndOrdered(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")
	require.NoError(t, AddCollection(ctx, db, "research", folderID, time.Time{}, "test-model", false))

	var chunkIDs []int64
	for _, text := range []string{"alpha beta", "gamma delta", "epsilon zeta"} {
		c := &Chunk{DocumentID: docID, Text: text, File: "file.txt", Page: -1, LineFrom: -1, LineTo: -1, Words: 2}
		require.NoError(t, AddChunk(ctx, db, c))
		chunkIDs = append(chunkIDs, c.ChunkID)
	}

	// Reversed id order must be preserved in the results
	want := []int64{chunkIDs[2], chunkIDs[0]}
	rows, err := ChunksByIDs(ctx, db, want, []string{"research"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, want[0], rows[0].ChunkID)
	assert.Equal(t, want[1], rows[1].ChunkID)

	// A collection that doesn't contain the folder sees nothing
	rows, err = ChunksByIDs(ctx, db, chunkIDs, []string{"other"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSearchNGram(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	folderID, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")
	require.NoError(t, AddCollection(ctx, db, "research", folderID, time.Time{}, "test-model", false))

	c := &Chunk{DocumentID: docID, Text: "the quick brown fox jumps", File: "file.txt", Page: -1, LineFrom: -1, LineTo: -1, Words: 5}
	require.NoError(t, AddChunk(ctx, db, c))

	rows, err := SearchNGram(ctx, db, `NEAR("quick" "brown" "fox", 15)`, []string{"research"}, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, c.ChunkID, rows[0].ChunkID)
	assert.Equal(t, "the quick brown fox jumps", rows[0].Text)

	rows, err = SearchNGram(ctx, db, `NEAR("quick" "brown" "fox", 15)`, []string{"other"}, 5)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, docID := addTestDocument(t, db, "/docs/a", "/docs/a/file.txt")

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, AddChunk(ctx, tx, &Chunk{DocumentID: docID, Text: "alpha beta", Page: -1, LineFrom: -1, LineTo: -1, Words: 2}))
	require.NoError(t, tx.Rollback())

	ids, err := ChunksByDocument(ctx, db, docID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ftsCount, err := CountFTSChunks(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, ftsCount)
}
