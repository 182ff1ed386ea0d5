//go:build !sqlite_fts5
// +build !sqlite_fts5

package storage

// This file is compiled whenever the sqlite_fts5 tag is absent, which is
// the default. It uses a pure Go SQLite implementation with FTS5 built in
// and needs no CGO.
//
// Build command:
//   CGO_ENABLED=0 go build ./...
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
