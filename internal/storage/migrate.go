package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	migrationLockKey = int64(0x6d696772) // serialises concurrent replicas

	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    filename   TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	migrationAppliedSQL = `SELECT EXISTS (
    SELECT 1 FROM schema_migrations WHERE filename = $1
);`

	recordMigrationSQL = `INSERT INTO schema_migrations (filename) VALUES ($1);`

	blockingAdvisoryLockSQL = `SELECT pg_advisory_lock($1);`
)

// ApplyMigrations runs every not-yet-applied .sql file from dir in
// lexicographic order. Files run inside a transaction and are tracked in
// schema_migrations by filename.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read migrations dir: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil
	}

	// Advisory locks are session scoped, so the lock must be taken and
	// released on the same pooled connection.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, blockingAdvisoryLockSQL, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), advisoryUnlockSQL, migrationLockKey)

	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, name := range files {
		var applied bool
		if err := pool.QueryRow(ctx, migrationAppliedSQL, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		body, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr != nil {
			return fmt.Errorf("read migration %s: %w", name, readErr)
		}

		tx, txErr := pool.Begin(ctx)
		if txErr != nil {
			return fmt.Errorf("begin migration %s: %w", name, txErr)
		}
		if _, execErr := tx.Exec(ctx, string(body)); execErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, execErr)
		}
		if _, recordErr := tx.Exec(ctx, recordMigrationSQL, name); recordErr != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, recordErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return fmt.Errorf("commit migration %s: %w", name, commitErr)
		}
	}

	return nil
}
