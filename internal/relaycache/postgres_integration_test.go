package relaycache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationCacheRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend := postgresIntegrationBackend(t, dsn)
	ctx := context.Background()

	cache, err := backend.Open(ctx, "dynamic")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cache.Put(ctx, "https://api.example/data/a", []byte(`{"f":"x"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "https://api.example/data/b", []byte(`{"f":"y"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "https://api.example/data/a", []byte(`{"f":"z"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := cache.Get(ctx, "https://api.example/data/a")
	if err != nil || !ok || string(value) != `{"f":"z"}` {
		t.Fatalf("unexpected value %q ok=%v err=%v", value, ok, err)
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"https://api.example/data/a", "https://api.example/data/b"}) {
		t.Fatalf("unexpected key order %v", keys)
	}
	if err := backend.Drop(ctx, "dynamic"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	names, err := backend.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no caches after drop, got %v", names)
	}
}

func TestPostgresIntegrationConcurrentPuts(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend := postgresIntegrationBackend(t, dsn)
	ctx := context.Background()
	cache, err := backend.Open(ctx, "outbox")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- cache.Put(ctx, fmt.Sprintf("https://api.example/data/%d", i), []byte("body"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put failed: %v", err)
		}
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != writers {
		t.Fatalf("expected %d keys, got %d", writers, len(keys))
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCACHE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYCACHE_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func postgresIntegrationBackend(t *testing.T, dsn string) *SQLBackend {
	t.Helper()
	suffix := atomic.AddUint64(&postgresIntegrationCounter, 1)
	stamp := time.Now().UnixNano()
	caches := fmt.Sprintf("relaycache_caches_it_%d_%d", stamp, suffix)
	entries := fmt.Sprintf("relaycache_entries_it_%d_%d", stamp, suffix)
	backend, err := newSQLBackend(dsn, postgresDialect(caches, entries))
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, caches)
		postgresIntegrationDropTable(t, dsn, entries)
	})
	return backend
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(table)); err != nil {
		t.Logf("drop table %s: %v", table, err)
	}
}
