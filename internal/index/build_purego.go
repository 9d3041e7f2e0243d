//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package index

// Pure-Go build; vector similarity is computed in Go rather than by the
// sqlite-vec extension. Build with:
//   CGO_ENABLED=0 go build -tags "purego" ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the registered database/sql driver.
	DriverName = "sqlite"

	// VectorExtensionAvailable reports whether sqlite-vec is compiled in.
	VectorExtensionAvailable = false

	// BuildMode names the build configuration for status reporting.
	BuildMode = "purego"
)
