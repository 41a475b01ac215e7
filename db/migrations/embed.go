// Package dbmigrations exposes embedded SQL migrations for signalmesh binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into signalmesh binaries.
//
//go:embed *.sql
var Files embed.FS
