// Package dbmigrations exposes embedded SQL migrations for intentd binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into intentd binaries.
//
//go:embed *.sql
var Files embed.FS
