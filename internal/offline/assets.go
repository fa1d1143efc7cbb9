package offline

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"sort"
)

const (
	DynamicCacheName = "dynamic"
	OutboxCacheName  = "outbox"
	staticPrefix     = "static-"
)

func StaticCacheName(version string) string {
	return staticPrefix + version
}

// Fetcher retrieves a static asset during installation.
type Fetcher interface {
	Fetch(ctx context.Context, assetPath string) (*Response, error)
}

type FetcherFunc func(ctx context.Context, assetPath string) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, assetPath string) (*Response, error) {
	return f(ctx, assetPath)
}

// AssetStore is an immutable snapshot of one installed static version.
type AssetStore struct {
	version string
	assets  map[string]*Response
}

func newAssetStore(version string, assets map[string]*Response) *AssetStore {
	return &AssetStore{version: version, assets: assets}
}

func (s *AssetStore) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

func (s *AssetStore) Has(assetPath string) bool {
	if s == nil {
		return false
	}
	_, ok := s.assets[assetPath]
	return ok
}

func (s *AssetStore) Get(assetPath string) (*Response, bool) {
	if s == nil {
		return nil, false
	}
	resp, ok := s.assets[assetPath]
	if !ok {
		return nil, false
	}
	return resp.Clone(), true
}

func (s *AssetStore) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.assets))
	for p := range s.assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// assetResponse normalises a fetched asset into the stored form.
func assetResponse(assetPath string, fetched *Response) (*Response, error) {
	if fetched == nil {
		return nil, fmt.Errorf("fetch %s: empty response", assetPath)
	}
	if !isSuccess(fetched.Status) {
		return nil, fmt.Errorf("fetch %s: status %d", assetPath, fetched.Status)
	}
	headers := http.Header{}
	contentType := fetched.ContentType()
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(assetPath))
	}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	return &Response{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    headers,
		Body:       cloneBytes(fetched.Body),
	}, nil
}
