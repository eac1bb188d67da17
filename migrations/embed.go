// Package migrations holds the Postgres schema for the audit ledger, window
// snapshots, checkpoints and idempotency keys. storage.RunMigrations applies
// the files in name order at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
