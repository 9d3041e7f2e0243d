//go:build sqlite_vec
// +build sqlite_vec

package index

// cgo build with the sqlite-vec extension for native vector search.
// Build with:
//   CGO_ENABLED=1 go build -tags "sqlite_vec,fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the registered database/sql driver.
	DriverName = "sqlite3"

	// VectorExtensionAvailable reports whether sqlite-vec is compiled in.
	VectorExtensionAvailable = true

	// BuildMode names the build configuration for status reporting.
	BuildMode = "cgo"
)
