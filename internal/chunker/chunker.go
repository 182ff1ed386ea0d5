// Package chunker splits document text into fixed-size word chunks.
package chunker

import (
	"bufio"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Metadata describes the document a stream of chunks belongs to. Page is
// 1-based for paged formats and -1 otherwise.
type Metadata struct {
	File     string
	Title    string
	Author   string
	Subject  string
	Keywords string
	Page     int
}

// Chunk is one emitted chunk: the words joined by single spaces, plus the
// document metadata carried through. LineFrom and LineTo are -1 when line
// tracking is unavailable for the source stream.
type Chunk struct {
	Metadata
	Text     string
	Words    int
	LineFrom int
	LineTo   int
}

// Chunker accumulates whitespace-delimited words until the rejoined length
// reaches the configured chunk size.
type Chunker struct {
	chunkSize int
}

// New creates a Chunker with the given target chunk size in characters.
func New(chunkSize int) *Chunker {
	return &Chunker{chunkSize: chunkSize}
}

// ChunkSize returns the configured target size.
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Stream reads whitespace-delimited words from r and emits chunks through
// the emit callback. A chunk is emitted when the sum of word lengths plus
// the joining spaces reaches the chunk size, or at end of stream with a
// non-empty buffer.
//
// If maxChunks > 0, Stream stops after that many chunks; the returned byte
// position is how far into r it consumed, so a caller can seek there and
// resume on a later pass. Emitting stops early if emit returns an error.
func (c *Chunker) Stream(r io.Reader, meta Metadata, maxChunks int, emit func(Chunk) error) (int64, error) {
	br := bufio.NewReader(r)

	var pos int64
	var words []string
	var cur strings.Builder
	charCount := 0
	chunks := 0

	flush := func() error {
		if len(words) == 0 {
			return nil
		}
		chunk := Chunk{
			Metadata: meta,
			Text:     strings.Join(words, " "),
			Words:    len(words),
			LineFrom: -1,
			LineTo:   -1,
		}
		words = words[:0]
		charCount = 0
		chunks++
		return emit(chunk)
	}

	endWord := func() {
		if cur.Len() == 0 {
			return
		}
		word := cur.String()
		cur.Reset()
		words = append(words, word)
		charCount += utf8.RuneCountInString(word)
	}

	for {
		ch, size, err := br.ReadRune()
		if err == io.EOF {
			endWord()
			if err := flush(); err != nil {
				return pos, err
			}
			return pos, nil
		}
		if err != nil {
			return pos, err
		}
		pos += int64(size)

		if unicode.IsSpace(ch) {
			if cur.Len() == 0 {
				continue
			}
			endWord()
			// Approximates the length after rejoining with single spaces.
			if charCount+len(words)-1 >= c.chunkSize {
				if err := flush(); err != nil {
					return pos, err
				}
				if maxChunks > 0 && chunks == maxChunks {
					return pos, nil
				}
			}
			continue
		}

		cur.WriteRune(ch)
	}
}

// ChunkString is a convenience wrapper over Stream for in-memory text.
func (c *Chunker) ChunkString(text string, meta Metadata, emit func(Chunk) error) error {
	_, err := c.Stream(strings.NewReader(text), meta, 0, emit)
	return err
}
