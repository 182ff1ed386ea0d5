//go:build sqlite_fts5
// +build sqlite_fts5

package storage

// This file is compiled when building with CGO and the sqlite_fts5 tag.
// It uses the C SQLite amalgamation with the FTS5 extension enabled,
// which the trigram chunk index requires.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_fts5" ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
