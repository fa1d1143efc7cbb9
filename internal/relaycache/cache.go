package relaycache

import (
	"context"
	"strings"
)

// Cache is a named key/value mapping. Values are opaque bytes.
//
// Keys returns keys in the order they were first stored; overwriting an
// existing key keeps its position.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Backend owns a set of named caches. Open creates the cache if it does not
// exist yet; Drop removes it with every entry it holds.
type Backend interface {
	Open(ctx context.Context, name string) (Cache, error)
	Names(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
	Close() error
}

func validCacheName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && name != "." && name != ".."
}

func validKey(key string) bool {
	return key != ""
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
