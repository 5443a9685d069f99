package sql

import _ "embed"

// Schema is the SQLite schema of the work queue. It is idempotent.
//
//go:embed schema.sql
var Schema string
