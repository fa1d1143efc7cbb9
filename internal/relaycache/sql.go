package relaycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlCachesTableName  = "relaycache_caches"
	sqlEntriesTableName = "relaycache_entries"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries the statements that differ between SQL engines.
type sqlDialect struct {
	driver      string
	schema      []string
	prepare     func(ctx context.Context, db *sql.DB) error
	ensureCache string
	selectValue string
	upsertEntry string
	deleteEntry string
	selectKeys  string
	selectNames string
	dropEntries string
	dropCache   string
}

// SQLBackend keeps every cache in two shared tables. The schema is created
// on first use.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
}

type sqlCache struct {
	backend *SQLBackend
	name    string
}

func newSQLBackend(dsn string, dialect sqlDialect) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
	}, nil
}

func (b *SQLBackend) ensureReady() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if b.dialect.prepare != nil {
			if err := b.dialect.prepare(ctx, db); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		for _, stmt := range b.dialect.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) Open(ctx context.Context, name string) (Cache, error) {
	if !validCacheName(name) {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, b.dialect.ensureCache, name); err != nil {
		return nil, err
	}
	return &sqlCache{backend: b, name: name}, nil
}

func (b *SQLBackend) Names(ctx context.Context) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return queryStrings(ctx, b.db, b.dialect.selectNames)
}

func (b *SQLBackend) Drop(ctx context.Context, name string) error {
	if !validCacheName(name) {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, b.dialect.dropEntries, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.dialect.dropCache, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (c *sqlCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.backend.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	var value []byte
	err := c.backend.db.QueryRowContext(ctx, c.backend.dialect.selectValue, c.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cloneBytes(value), true, nil
}

func (c *sqlCache) Put(ctx context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidInput
	}
	if err := c.backend.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	result, err := c.backend.db.ExecContext(ctx, c.backend.dialect.upsertEntry, c.name, key, cloneBytes(value), c.name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDropped
	}
	return nil
}

func (c *sqlCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.backend.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	result, err := c.backend.db.ExecContext(ctx, c.backend.dialect.deleteEntry, c.name, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *sqlCache) Keys(ctx context.Context) ([]string, error) {
	if err := c.backend.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return queryStrings(ctx, c.backend.db, c.backend.dialect.selectKeys, c.name)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
