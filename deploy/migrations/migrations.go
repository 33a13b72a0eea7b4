package migrations

import "embed"

// Files exposes the catalog SQL migrations. Statements must run unchanged on
// both sqlite and mysql.
//
//go:embed *.sql
var Files embed.FS
