package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// RunMigrations executes SQL migration files from the provided filesystem in
// lexical order. Applied files are tracked in schema_migrations and skipped
// on subsequent runs. This is a simple forward-only runner.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM schema_migrations WHERE filename = $1)`, entry.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("storage: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, entry.Name())
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", entry.Name(), err)
		}

		db.logger.Info("running migration", "file", entry.Name())
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", entry.Name(), err)
		}
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name(),
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
