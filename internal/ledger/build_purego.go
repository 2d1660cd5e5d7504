//go:build purego || !sqlite_cgo
// +build purego !sqlite_cgo

package ledger

// Default build. Uses the pure Go SQLite port, no C compiler required.
//
//   CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver used for ledgers
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)
