package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

// migrationLockKey is the advisory lock held while migrating, so several
// orchestrator processes starting against one database apply each file once.
const migrationLockKey int64 = 0x666c656574 // "fleet"

type appliedMigration struct {
	checksum string
}

// RunMigrations applies the .sql files in migrationsFS that are not yet
// recorded in fleet_schema_migrations, in name order. Each file runs in its
// own transaction together with its record.
//
// Files already applied whose content changed, and recorded versions this
// build does not ship, are logged as warnings and otherwise left alone.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: lock migrations: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: unlock migrations", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create fleet_schema_migrations: %w", err)
	}

	applied := make(map[string]appliedMigration)
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM fleet_schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		var m appliedMigration
		if err := rows.Scan(&version, &m.checksum); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan applied migration: %w", err)
		}
		applied[version] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	names, err := migrationFiles(migrationsFS)
	if err != nil {
		return err
	}

	ran := 0
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := checksum(content)

		if m, ok := applied[name]; ok {
			if m.checksum != sum {
				db.logger.Warn("storage: applied migration changed on disk", "file", name)
			}
			continue
		}

		db.logger.Info("storage: applying migration", "file", name)
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fleet_schema_migrations (version, checksum) VALUES ($1, $2)`, name, sum,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit migration %s: %w", name, err)
		}
		ran++
	}

	if unknown := unknownVersions(applied, names); len(unknown) > 0 {
		db.logger.Warn("storage: database has migrations this build does not ship", "versions", unknown)
	}
	db.logger.Info("storage: schema ready", "applied", ran, "total", len(names))
	return nil
}

// migrationFiles lists the .sql files at the root of fsys in name order.
func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// unknownVersions returns recorded versions missing from names, sorted.
func unknownVersions(applied map[string]appliedMigration, names []string) []string {
	var out []string
	for v := range applied {
		if !slices.Contains(names, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}
