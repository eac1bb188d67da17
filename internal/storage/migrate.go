package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey is the pg_advisory_xact_lock key that serializes
// migrations with any other process migrating the same database.
const migrationLockKey int64 = 0x6b616e7361 // "kansa"

// RunMigrations applies the *.sql files in migrationsFS that have not run
// yet, in lexical order. Each file runs in its own transaction together with
// its schema_migrations row. A file whose content changed after it was
// applied is logged and skipped; migrations are append-only.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			var recorded string
			err := tx.QueryRow(ctx,
				`SELECT checksum FROM schema_migrations WHERE version = $1`, name).Scan(&recorded)
			switch {
			case err == nil:
				if recorded != "" && recorded != checksum {
					db.logger.Warn("storage: applied migration changed on disk",
						"file", path.Base(name), "recorded", recorded[:12], "current", checksum[:12])
				}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("lookup: %w", err)
			}

			db.logger.Info("storage: running migration", "file", name)
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("execute: %w", err)
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, name, checksum)
			return err
		}); err != nil {
			return fmt.Errorf("storage: migration %s: %w", name, err)
		}
	}
	return nil
}
