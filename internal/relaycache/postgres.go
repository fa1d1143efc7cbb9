package relaycache

import (
	"fmt"

	_ "github.com/lib/pq"
)

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return newSQLBackend(dsn, postgresDialect(sqlCachesTableName, sqlEntriesTableName))
}

func postgresDialect(cachesTable, entriesTable string) sqlDialect {
	caches := quoteIdentifier(cachesTable)
	entries := quoteIdentifier(entriesTable)
	return sqlDialect{
		driver: "postgres",
		schema: []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					cache_name TEXT PRIMARY KEY,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, caches),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					cache_name TEXT NOT NULL,
					entry_key TEXT NOT NULL,
					value BYTEA NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (cache_name, entry_key)
				)`, entries),
		},
		ensureCache: fmt.Sprintf("INSERT INTO %s (cache_name) VALUES ($1) ON CONFLICT (cache_name) DO NOTHING", caches),
		selectValue: fmt.Sprintf("SELECT value FROM %s WHERE cache_name = $1 AND entry_key = $2", entries),
		upsertEntry: fmt.Sprintf(`
			INSERT INTO %s (cache_name, entry_key, value, updated_at)
			SELECT $1, $2, $3, NOW()
			WHERE EXISTS (SELECT 1 FROM %s WHERE cache_name = $4)
			ON CONFLICT (cache_name, entry_key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, entries, caches),
		deleteEntry: fmt.Sprintf("DELETE FROM %s WHERE cache_name = $1 AND entry_key = $2", entries),
		selectKeys:  fmt.Sprintf("SELECT entry_key FROM %s WHERE cache_name = $1 ORDER BY seq ASC", entries),
		selectNames: fmt.Sprintf("SELECT cache_name FROM %s ORDER BY cache_name ASC", caches),
		dropEntries: fmt.Sprintf("DELETE FROM %s WHERE cache_name = $1", entries),
		dropCache:   fmt.Sprintf("DELETE FROM %s WHERE cache_name = $1", caches),
	}
}
