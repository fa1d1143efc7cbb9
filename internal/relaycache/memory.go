package relaycache

import (
	"context"
	"sort"
	"sync"
)

type MemoryBackend struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
	closed bool
}

type memoryCache struct {
	mu      sync.Mutex
	entries *orderedEntries
	dropped bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{caches: map[string]*memoryCache{}}
}

func (b *MemoryBackend) Open(_ context.Context, name string) (Cache, error) {
	if !validCacheName(name) {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	cache, ok := b.caches[name]
	if !ok {
		cache = &memoryCache{entries: newOrderedEntries()}
		b.caches[name] = cache
	}
	return cache, nil
}

func (b *MemoryBackend) Names(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(b.caches))
	for name := range b.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Drop(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if cache, ok := b.caches[name]; ok {
		// Handles already given out read empty and refuse writes.
		cache.mu.Lock()
		cache.dropped = true
		cache.entries = newOrderedEntries()
		cache.mu.Unlock()
		delete(b.caches, name)
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries.get(key)
	return value, ok, nil
}

func (c *memoryCache) Put(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrDropped
	}
	c.entries.put(key, value)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.remove(key), nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.keys(), nil
}
