package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileSnapshotSuffix = ".json"
	fileLockName       = ".lock"
)

// FileBackend stores one JSON snapshot per cache under a directory. The
// directory is locked for the lifetime of the backend.
type FileBackend struct {
	dir  string
	lock *os.File

	mu     sync.Mutex
	caches map[string]*fileCache
	closed bool
}

type fileCache struct {
	path    string
	name    string
	mu      sync.Mutex
	entries *orderedEntries
	dropped bool
}

type fileCacheState struct {
	Name    string           `json:"name"`
	Entries []persistedEntry `json:"entries"`
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := lockDirectory(filepath.Join(dir, fileLockName))
	if err != nil {
		return nil, err
	}
	return &FileBackend{
		dir:    dir,
		lock:   lock,
		caches: map[string]*fileCache{},
	}, nil
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Open(_ context.Context, name string) (Cache, error) {
	if !validCacheName(name) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if cache, ok := b.caches[name]; ok {
		return cache, nil
	}
	cache := &fileCache{
		path:    filepath.Join(b.dir, url.PathEscape(name)+fileSnapshotSuffix),
		name:    name,
		entries: newOrderedEntries(),
	}
	if err := cache.load(); err != nil {
		return nil, fmt.Errorf("load cache %s: %w", name, err)
	}
	if _, err := os.Stat(cache.path); errors.Is(err, os.ErrNotExist) {
		cache.mu.Lock()
		err := cache.saveLocked()
		cache.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	b.caches[name] = cache
	return cache, nil
}

func (b *FileBackend) Names(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSnapshotSuffix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), fileSnapshotSuffix))
		if err != nil || !validCacheName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) Drop(_ context.Context, name string) error {
	if !validCacheName(name) {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if cache, ok := b.caches[name]; ok {
		cache.mu.Lock()
		cache.dropped = true
		cache.entries = newOrderedEntries()
		cache.mu.Unlock()
		delete(b.caches, name)
	}
	err := os.Remove(filepath.Join(b.dir, url.PathEscape(name)+fileSnapshotSuffix))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unlockDirectory(b.lock)
}

func (c *fileCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries.get(key)
	return value, ok, nil
}

func (c *fileCache) Put(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, existed := c.entries.get(key)
	c.entries.put(key, value)
	if err := c.saveLocked(); err != nil {
		if existed {
			c.entries.put(key, previous)
		} else {
			c.entries.remove(key)
		}
		return err
	}
	return nil
}

func (c *fileCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.entries.snapshot()
	if !c.entries.remove(key) {
		return false, nil
	}
	if err := c.saveLocked(); err != nil {
		c.entries.restore(before)
		return false, err
	}
	return true, nil
}

func (c *fileCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.keys(), nil
}

func (c *fileCache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileCacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.entries.restore(state.Entries)
	return nil
}

func (c *fileCache) saveLocked() error {
	if c.dropped {
		return ErrDropped
	}
	data, err := json.Marshal(fileCacheState{Name: c.name, Entries: c.entries.snapshot()})
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
