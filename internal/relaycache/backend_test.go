package relaycache

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	fileBackend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
	}
	t.Cleanup(func() {
		for _, backend := range backends {
			_ = backend.Close()
		}
	})
	return backends
}

func TestBackendsGetPutDelete(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			cache, err := backend.Open(ctx, "dynamic")
			if err != nil {
				t.Fatalf("open cache: %v", err)
			}
			if _, ok, err := cache.Get(ctx, "https://api.example/data/a"); err != nil || ok {
				t.Fatalf("expected miss on empty cache, ok=%v err=%v", ok, err)
			}
			if err := cache.Put(ctx, "https://api.example/data/a", []byte(`{"f":"x"}`)); err != nil {
				t.Fatalf("put: %v", err)
			}
			value, ok, err := cache.Get(ctx, "https://api.example/data/a")
			if err != nil || !ok {
				t.Fatalf("expected hit, ok=%v err=%v", ok, err)
			}
			if string(value) != `{"f":"x"}` {
				t.Fatalf("unexpected value %q", value)
			}
			if err := cache.Put(ctx, "https://api.example/data/a", []byte(`{"f":"y"}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			value, _, _ = cache.Get(ctx, "https://api.example/data/a")
			if string(value) != `{"f":"y"}` {
				t.Fatalf("expected overwritten value, got %q", value)
			}
			removed, err := cache.Delete(ctx, "https://api.example/data/a")
			if err != nil || !removed {
				t.Fatalf("expected delete to remove entry, removed=%v err=%v", removed, err)
			}
			removed, err = cache.Delete(ctx, "https://api.example/data/a")
			if err != nil || removed {
				t.Fatalf("expected second delete to be a no-op, removed=%v err=%v", removed, err)
			}
		})
	}
}

func TestBackendsKeysKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			cache, err := backend.Open(ctx, "outbox")
			if err != nil {
				t.Fatalf("open cache: %v", err)
			}
			for _, key := range []string{"c", "a", "b"} {
				if err := cache.Put(ctx, key, []byte(key)); err != nil {
					t.Fatalf("put %s: %v", key, err)
				}
			}
			if err := cache.Put(ctx, "c", []byte("again")); err != nil {
				t.Fatalf("re-put: %v", err)
			}
			if _, err := cache.Delete(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			keys, err := cache.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"c", "b"}) {
				t.Fatalf("expected [c b], got %v", keys)
			}
		})
	}
}

func TestBackendsNamesAndDrop(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, cacheName := range []string{"static-v1", "dynamic", "outbox"} {
				if _, err := backend.Open(ctx, cacheName); err != nil {
					t.Fatalf("open %s: %v", cacheName, err)
				}
			}
			old, _ := backend.Open(ctx, "static-v1")
			if err := old.Put(ctx, "/index.html", []byte("<html>")); err != nil {
				t.Fatalf("put: %v", err)
			}
			names, err := backend.Names(ctx)
			if err != nil {
				t.Fatalf("names: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"dynamic", "outbox", "static-v1"}) {
				t.Fatalf("unexpected names %v", names)
			}
			if err := backend.Drop(ctx, "static-v1"); err != nil {
				t.Fatalf("drop: %v", err)
			}
			names, _ = backend.Names(ctx)
			if !reflect.DeepEqual(names, []string{"dynamic", "outbox"}) {
				t.Fatalf("unexpected names after drop %v", names)
			}
			if err := old.Put(ctx, "/app.js", []byte("late")); !errors.Is(err, ErrDropped) {
				t.Fatalf("expected ErrDropped writing to a dropped cache, got %v", err)
			}
			names, _ = backend.Names(ctx)
			if !reflect.DeepEqual(names, []string{"dynamic", "outbox"}) {
				t.Fatalf("late write resurrected dropped cache: %v", names)
			}
			reopened, err := backend.Open(ctx, "static-v1")
			if err != nil {
				t.Fatalf("reopen dropped cache: %v", err)
			}
			if _, ok, _ := reopened.Get(ctx, "/index.html"); ok {
				t.Fatalf("expected dropped cache to come back empty")
			}
		})
	}
}

func TestBackendsRejectInvalidNames(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := backend.Open(ctx, " "); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input for blank name, got %v", err)
			}
			if _, err := backend.Open(ctx, ".."); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected invalid input for dot-dot name, got %v", err)
			}
		})
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	cache, err := backend.Open(ctx, "static-2024/10")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cache.Put(ctx, "/app.js", []byte("console.log(1)")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "/", []byte("<html>")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("reopen file backend: %v", err)
	}
	defer reopened.Close()
	names, err := reopened.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"static-2024/10"}) {
		t.Fatalf("expected escaped cache name to round trip, got %v", names)
	}
	cache, err = reopened.Open(ctx, "static-2024/10")
	if err != nil {
		t.Fatalf("open after reopen: %v", err)
	}
	keys, _ := cache.Keys(ctx)
	if !reflect.DeepEqual(keys, []string{"/app.js", "/"}) {
		t.Fatalf("expected persisted key order, got %v", keys)
	}
	value, ok, _ := cache.Get(ctx, "/app.js")
	if !ok || string(value) != "console.log(1)" {
		t.Fatalf("unexpected persisted value %q ok=%v", value, ok)
	}
}

func TestFileBackendLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if _, err := NewFileBackend(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected second backend on same directory to fail with ErrLocked, got %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("expected lock to be released after close: %v", err)
	}
	_ = again.Close()
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	backend, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	cache, err := backend.Open(ctx, "outbox")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cache.Put(ctx, "https://api.example/data/a", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := backend.Open(ctx, "outbox"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed backend to refuse open, got %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen sqlite backend: %v", err)
	}
	defer reopened.Close()
	cache, err = reopened.Open(ctx, "outbox")
	if err != nil {
		t.Fatalf("open after reopen: %v", err)
	}
	value, ok, err := cache.Get(ctx, "https://api.example/data/a")
	if err != nil || !ok || string(value) != "payload" {
		t.Fatalf("unexpected persisted value %q ok=%v err=%v", value, ok, err)
	}
}
