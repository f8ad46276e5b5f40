// Package dbmigrations exposes embedded SQL migrations for livefeed binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into livefeed binaries.
//
//go:embed *.sql
var Files embed.FS
