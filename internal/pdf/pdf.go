// Package pdf wraps PDF text and metadata extraction behind the small
// contract the scan worker needs: page count, per-page text, and the
// document information fields.
package pdf

import (
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

// Metadata field names accepted by Document.Metadata.
const (
	FieldTitle    = "Title"
	FieldAuthor   = "Author"
	FieldSubject  = "Subject"
	FieldKeywords = "Keywords"
)

// Document is an open PDF file.
type Document struct {
	f *os.File
	r *pdf.Reader
}

// Load opens a PDF document for extraction. The caller must Close it.
func Load(path string) (*Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load pdf %s: %w", path, err)
	}
	return &Document{f: f, r: r}, nil
}

// Close releases the underlying file.
func (d *Document) Close() error {
	return d.f.Close()
}

// PageCount returns the number of pages in the document.
func (d *Document) PageCount() int {
	return d.r.NumPage()
}

// PageText extracts the plain text of the page at the given 0-based index.
// Pages that fail to decode yield empty text rather than an error; a corrupt
// page should not abort the rest of the document.
func (d *Document) PageText(pageIndex int) (string, error) {
	if pageIndex < 0 || pageIndex >= d.r.NumPage() {
		return "", fmt.Errorf("page index %d out of range", pageIndex)
	}
	page := d.r.Page(pageIndex + 1)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", nil
	}
	return text, nil
}

// Metadata reads a field from the document information dictionary, returning
// an empty string when the field is absent.
func (d *Document) Metadata(field string) (value string) {
	defer func() {
		// ledongthuc/pdf panics on some malformed trailers
		if recover() != nil {
			value = ""
		}
	}()
	info := d.r.Trailer().Key("Info")
	if info.IsNull() {
		return ""
	}
	v := info.Key(field)
	if v.IsNull() {
		return ""
	}
	return v.Text()
}
