//go:build sqlite_cgo
// +build sqlite_cgo

package ledger

// Compiled with the sqlite_cgo tag. Uses the C SQLite library.
//
//   CGO_ENABLED=1 go build -tags sqlite_cgo ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver used for ledgers
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
