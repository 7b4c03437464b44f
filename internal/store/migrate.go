// migrate.go -- Embedded SQL migrations applied at startup.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// migrationLockID keys the advisory lock held while migrating, so two instances
// starting together do not apply the same file twice.
const migrationLockID = 7865_0001

// Migrate applies all pending *.sql files from migrationsFS in lexical order.
// Each file runs in its own transaction together with its schema_migrations row;
// a failing statement rolls back that file only. Applied files are skipped.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(entries)

	for _, filename := range entries {
		applied, err := s.applyMigration(ctx, migrationsFS, filename)
		if err != nil {
			return err
		}
		if applied {
			slog.Info("migration applied", "version", filename)
		} else {
			slog.Debug("migration already applied, skipping", "version", filename)
		}
	}
	return nil
}

// applyMigration runs one file under the advisory lock. Returns false if it was already applied.
func (s *PostgresStore) applyMigration(ctx context.Context, migrationsFS fs.FS, filename string) (bool, error) {
	sql, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", filename, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction for %s: %w", filename, err)
	}
	// No-op after Commit.
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("locking for migration %s: %w", filename, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", filename,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking migration %s: %w", filename, err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return false, fmt.Errorf("executing migration %s: %w", filename, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", filename); err != nil {
		return false, fmt.Errorf("recording migration %s: %w", filename, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing migration %s: %w", filename, err)
	}
	return true, nil
}
