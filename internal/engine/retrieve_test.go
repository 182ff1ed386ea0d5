package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/localdocs-mcp/internal/embedder"
)

// resultsFor fabricates embedding results for every dispatched chunk.
func resultsFor(emb *fakeEmbedder, vec []float32) []embedder.Result {
	var results []embedder.Result
	for _, c := range emb.queuedChunks() {
		results = append(results, embedder.Result{
			FolderID: c.FolderID,
			ChunkID:  c.ChunkID,
			Vector:   vec,
		})
	}
	return results
}

func indexSampleText(t *testing.T, e *Engine, collection, content string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "sample.txt", content)
	e.addFolder(context.Background(), collection, dir)
	drainQueue(t, e)
}

func TestGenerateGrams(t *testing.T) {
	grams := generateGrams("the quick brown fox", 3)
	assert.Equal(t, []string{
		`NEAR("the" "quick" "brown", 15)`,
		`NEAR("quick" "brown" "fox", 15)`,
	}, grams)

	// N is clamped to the word count
	grams = generateGrams("alpha beta", 5)
	assert.Equal(t, []string{`NEAR("alpha" "beta", 10)`}, grams)

	// Punctuation is stripped before splitting
	grams = generateGrams(`"quick," (brown) fox!`, 3)
	assert.Equal(t, []string{`NEAR("quick" "brown" "fox", 15)`}, grams)

	assert.Empty(t, generateGrams("", 3))
}

// With no embeddings available, retrieval degrades to the n-gram full-text
// fallback and still finds the chunk containing the query words.
func TestRetrieveFallsBackToFTS(t *testing.T) {
	e, _ := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma delta epsilon")
	require.False(t, e.vectors.IsLoaded())

	results, err := e.retrieveFromDB(ctx, []string{"C"}, "alpha beta gamma", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sample.txt", results[0].File)
	assert.Contains(t, results[0].Text, "alpha beta gamma")
	assert.Equal(t, -1, results[0].From)
	assert.Equal(t, -1, results[0].To)
	assert.NotEmpty(t, results[0].Date)
}

// The descending-N relaxation accepts looser phrases when the exact query
// has no hit.
func TestRetrieveRelaxesNGramLength(t *testing.T) {
	e, _ := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma delta")

	// "zulu" never appears, so the full 4-gram misses; the trigram
	// "alpha beta gamma" still hits.
	results, err := e.retrieveFromDB(ctx, []string{"C"}, "alpha beta gamma zulu", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "alpha beta gamma")
}

func TestRetrieveEmptyQuery(t *testing.T) {
	e, _ := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma")

	results, err := e.retrieveFromDB(ctx, []string{"C"}, "", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.retrieveFromDB(ctx, []string{"C"}, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// Sparse retrieval needs at least three words; shorter queries return no
// results, not an error.
func TestRetrieveTooFewWordsForSparse(t *testing.T) {
	e, _ := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma")

	results, err := e.retrieveFromDB(ctx, []string{"C"}, "alpha beta", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveScopedToCollections(t *testing.T) {
	e, _ := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C1", "alpha beta gamma delta")

	results, err := e.retrieveFromDB(ctx, []string{"other"}, "alpha beta gamma", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.retrieveFromDB(ctx, []string{"C1", "other"}, "alpha beta gamma", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// With a loaded vector index and a working query embedding, retrieval is
// dense: the vector index's ranking is preserved.
func TestRetrieveDense(t *testing.T) {
	e, emb := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma delta")
	require.Len(t, emb.queuedChunks(), 1)

	// Hand the chunk an embedding, then query with a vector near it.
	e.handleEmbeddingsGenerated(ctx, resultsFor(emb, []float32{1, 0}))
	require.True(t, e.vectors.IsLoaded())

	emb.queryVec = []float32{0.9, 0.1}
	results, err := e.retrieveFromDB(ctx, []string{"C"}, "anything at all", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "alpha beta gamma delta")
}

// A loaded index with a failing query embedder still answers via the
// fallback.
func TestRetrieveDenseFallsBackWhenEmbeddingFails(t *testing.T) {
	e, emb := newTestEngine(t, 100)
	ctx := context.Background()

	indexSampleText(t, e, "C", "alpha beta gamma delta")
	e.handleEmbeddingsGenerated(ctx, resultsFor(emb, []float32{1, 0}))
	require.True(t, e.vectors.IsLoaded())

	emb.queryVec = nil // EmbedQuery now errors
	results, err := e.retrieveFromDB(ctx, []string{"C"}, "alpha beta gamma", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
