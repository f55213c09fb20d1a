// Package migrate applies embedded SQL migrations to a database/sql handle.
//
// Each migration file is applied at most once and recorded in the
// schema_migrations table. Files may carry "-- +migrate Up" and
// "-- +migrate Down" markers; only the Up section runs.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// Dialect holds the bookkeeping statements that differ between engines.
type Dialect struct {
	Name        string
	createTable string
	lookup      string
	record      string
}

// SQLite uses positional "?" placeholders and INSERT OR IGNORE.
var SQLite = Dialect{
	Name: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`,
	lookup: "SELECT 1 FROM " + migrationTable + " WHERE name = ?",
	record: "INSERT OR IGNORE INTO " + migrationTable + " (name, applied_at) VALUES (?, ?)",
}

// Postgres uses numbered placeholders and ON CONFLICT DO NOTHING.
var Postgres = Dialect{
	Name: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`,
	lookup: "SELECT 1 FROM " + migrationTable + " WHERE name = $1",
	record: "INSERT INTO " + migrationTable + " (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
}

// Apply executes the .sql files under root in lexical order, skipping files
// already recorded. A failing file rolls back and stays unrecorded.
func Apply(ctx context.Context, sqlDB *sql.DB, dialect Dialect, migrationFS fs.FS, root string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	if dialect.createTable == "" {
		return fmt.Errorf("migration dialect is required")
	}

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	keyRoot := root
	if keyRoot == "." {
		keyRoot = ""
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	if _, err := sqlDB.ExecContext(ctx, dialect.createTable); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		key := file
		if keyRoot != "" {
			key = filepath.ToSlash(filepath.Join(keyRoot, file))
		}

		content, err := fs.ReadFile(migrationFS, filepath.ToSlash(filepath.Join(root, file)))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		applied, err := isApplied(ctx, sqlDB, dialect, key)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}

		upSQL := ExtractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}
		if err := applyOne(ctx, sqlDB, dialect, key, upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}

	return nil
}

func applyOne(ctx context.Context, sqlDB *sql.DB, dialect Dialect, key, upSQL string) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExistsError(err) {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.ExecContext(ctx, dialect.record, key, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ExtractUpMigration returns the SQL in the -- +migrate Up section.
func ExtractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, sqlDB *sql.DB, dialect Dialect, name string) (bool, error) {
	var found int
	err := sqlDB.QueryRowContext(ctx, dialect.lookup, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
