package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/localdocs-mcp/internal/storage"
)

// resultDateFormat renders a document's modification time for display.
const resultDateFormat = "2006, January 02"

// punctuationRE strips common punctuation before n-gram generation.
var punctuationRE = regexp.MustCompile(`[.,;:!?'"()\-]`)

// retrieveFromDB answers a retrieval query. When the vector index is loaded
// and the query embeds successfully it returns the dense top-k; otherwise it
// degrades to the n-gram full-text fallback. An empty query returns no
// results without error.
func (e *Engine) retrieveFromDB(ctx context.Context, collections []string, text string, k int) ([]ResultInfo, error) {
	if strings.TrimSpace(text) == "" || len(collections) == 0 || k <= 0 {
		return nil, nil
	}

	var rows []storage.RetrievedChunk
	var err error

	dense := false
	if e.vectors.IsLoaded() {
		vector, embErr := e.embedder.EmbedQuery(ctx, text)
		if embErr == nil && len(vector) > 0 {
			dense = true
			chunkIDs := e.vectors.Search(vector, k)
			rows, err = storage.ChunksByIDs(ctx, e.store, chunkIDs, collections)
		} else if embErr != nil {
			e.log.Warn("generating query embedding failed, falling back to fts", "error", embErr)
		}
	}
	if !dense {
		rows, err = e.searchNGram(ctx, collections, text, k)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting chunks: %w", err)
	}

	results := make([]ResultInfo, 0, len(rows))
	for _, row := range rows {
		results = append(results, ResultInfo{
			File:   row.File,
			Title:  row.Title,
			Author: row.Author,
			Date:   time.UnixMilli(row.DocumentTime).Format(resultDateFormat),
			Text:   row.Text,
			Page:   row.Page,
			From:   row.LineFrom,
			To:     row.LineTo,
		})
	}
	return results, nil
}

// searchNGram is the sparse fallback: starting at the query's word count and
// relaxing down to trigrams, generate all overlapping N-grams as NEAR
// phrases, OR-join them, and return the first N that yields any hit. Queries
// shorter than three words yield no results.
func (e *Engine) searchNGram(ctx context.Context, collections []string, text string, k int) ([]storage.RetrievedChunk, error) {
	wordCount := len(strings.Fields(text))
	for n := wordCount; n > 2; n-- {
		grams := generateGrams(text, n)
		if len(grams) == 0 {
			continue
		}
		rows, err := storage.SearchNGram(ctx, e.store, strings.Join(grams, " OR "), collections, k)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	return nil, nil
}

// generateGrams builds all overlapping n-grams of the punctuation-stripped
// query, each rendered as an FTS5 NEAR phrase. N is clamped to the word
// count. The NEAR window is the n-gram's rejoined character length: trigram
// token positions are character offsets, so a word gap costs three tokens
// and a count-based window would never span the phrase.
func generateGrams(input string, n int) []string {
	cleaned := punctuationRE.ReplaceAllString(input, "")
	words := strings.Fields(cleaned)
	if n > len(words) {
		n = len(words)
	}
	if n <= 0 {
		return nil
	}

	grams := make([]string, 0, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		quoted := make([]string, n)
		window := n - 1
		for j := 0; j < n; j++ {
			quoted[j] = `"` + words[i+j] + `"`
			window += utf8.RuneCountInString(words[i+j])
		}
		grams = append(grams, fmt.Sprintf("NEAR(%s, %d)", strings.Join(quoted, " "), window))
	}
	return grams
}
