package relaycache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return newSQLBackend(path, sqliteDialect(sqlCachesTableName, sqlEntriesTableName))
}

func sqliteDialect(cachesTable, entriesTable string) sqlDialect {
	caches := quoteIdentifier(cachesTable)
	entries := quoteIdentifier(entriesTable)
	return sqlDialect{
		driver: "sqlite",
		prepare: func(ctx context.Context, db *sql.DB) error {
			// One connection; sqlite allows a single writer.
			db.SetMaxOpenConns(1)
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
				return fmt.Errorf("enabling WAL mode: %w", err)
			}
			if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
				return fmt.Errorf("setting busy timeout: %w", err)
			}
			return nil
		},
		schema: []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					cache_name TEXT PRIMARY KEY,
					created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, caches),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					cache_name TEXT NOT NULL,
					entry_key TEXT NOT NULL,
					value BLOB NOT NULL,
					updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (cache_name, entry_key)
				)`, entries),
		},
		ensureCache: fmt.Sprintf("INSERT INTO %s (cache_name) VALUES (?) ON CONFLICT (cache_name) DO NOTHING", caches),
		selectValue: fmt.Sprintf("SELECT value FROM %s WHERE cache_name = ? AND entry_key = ?", entries),
		upsertEntry: fmt.Sprintf(`
			INSERT INTO %s (cache_name, entry_key, value, updated_at)
			SELECT ?, ?, ?, CURRENT_TIMESTAMP
			WHERE EXISTS (SELECT 1 FROM %s WHERE cache_name = ?)
			ON CONFLICT (cache_name, entry_key)
			DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, entries, caches),
		deleteEntry: fmt.Sprintf("DELETE FROM %s WHERE cache_name = ? AND entry_key = ?", entries),
		selectKeys:  fmt.Sprintf("SELECT entry_key FROM %s WHERE cache_name = ? ORDER BY seq ASC", entries),
		selectNames: fmt.Sprintf("SELECT cache_name FROM %s ORDER BY cache_name ASC", caches),
		dropEntries: fmt.Sprintf("DELETE FROM %s WHERE cache_name = ?", entries),
		dropCache:   fmt.Sprintf("DELETE FROM %s WHERE cache_name = ?", caches),
	}
}
