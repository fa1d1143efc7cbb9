package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaycache/internal/relaycache"
)

// fakeServer is an in-memory origin that can be switched offline.
type fakeServer struct {
	mu        sync.Mutex
	online    bool
	resources map[string][]byte
	requests  []*Request
	handler   func(req *Request) *Response
}

func newFakeServer() *fakeServer {
	return &fakeServer{online: true, resources: map[string][]byte{}}
}

func (s *fakeServer) setOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func (s *fakeServer) setHandler(handler func(req *Request) *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *fakeServer) received() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

func (s *fakeServer) resource(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.resources[url]
	return body, ok
}

func (s *fakeServer) Do(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req.clone())
	online, handler := s.online, s.handler
	s.mu.Unlock()
	if !online {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", ErrUnavailable)
	}
	if handler != nil {
		return handler(req), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Method {
	case http.MethodGet:
		body, ok := s.resources[req.URL]
		if !ok {
			return &Response{Status: http.StatusNotFound, StatusText: "Not Found", Body: []byte("missing")}, nil
		}
		return &Response{
			Status:     http.StatusOK,
			StatusText: "OK",
			Headers:    http.Header{"Content-Type": []string{"application/json"}, "Etag": []string{`"v1"`}},
			Body:       append([]byte(nil), body...),
		}, nil
	case http.MethodPut:
		s.resources[req.URL] = append([]byte(nil), req.Body...)
		return &Response{
			Status:     http.StatusOK,
			StatusText: "OK",
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"saved":true}`),
		}, nil
	case http.MethodDelete:
		delete(s.resources, req.URL)
		return &Response{Status: http.StatusNoContent, StatusText: "No Content", Body: []byte{}}, nil
	default:
		return &Response{Status: http.StatusMethodNotAllowed, StatusText: "Method Not Allowed"}, nil
	}
}

func newTestRouter(t *testing.T, network Network) (*Router, relaycache.Backend) {
	t.Helper()
	backend := relaycache.NewMemoryBackend()
	router, err := NewRouter(context.Background(), backend, network, Options{})
	require.NoError(t, err)
	return router, backend
}

func put(t *testing.T, router *Router, url, body string) *Result {
	t.Helper()
	result, err := router.Dispatch(context.Background(), &Request{
		Method: http.MethodPut,
		URL:    url,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	})
	require.NoError(t, err)
	return result
}

func del(t *testing.T, router *Router, url string) *Result {
	t.Helper()
	result, err := router.Dispatch(context.Background(), &Request{Method: http.MethodDelete, URL: url})
	require.NoError(t, err)
	return result
}

func members(t *testing.T, router *Router, collectionURL string) []string {
	t.Helper()
	out, err := router.Index().Members(context.Background(), collectionURL)
	require.NoError(t, err)
	return out
}

// brokenBackend wraps a backend whose caches start failing once broken is set.
type brokenBackend struct {
	relaycache.Backend
	broken atomic.Bool
}

type brokenCache struct {
	relaycache.Cache
	owner *brokenBackend
}

var errBroken = errors.New("storage offline")

func (b *brokenBackend) Open(ctx context.Context, name string) (relaycache.Cache, error) {
	cache, err := b.Backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &brokenCache{Cache: cache, owner: b}, nil
}

func (c *brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.owner.broken.Load() {
		return nil, false, errBroken
	}
	return c.Cache.Get(ctx, key)
}

func (c *brokenCache) Put(ctx context.Context, key string, value []byte) error {
	if c.owner.broken.Load() {
		return errBroken
	}
	return c.Cache.Put(ctx, key, value)
}

func (c *brokenCache) Delete(ctx context.Context, key string) (bool, error) {
	if c.owner.broken.Load() {
		return false, errBroken
	}
	return c.Cache.Delete(ctx, key)
}

func (c *brokenCache) Keys(ctx context.Context) ([]string, error) {
	if c.owner.broken.Load() {
		return nil, errBroken
	}
	return c.Cache.Keys(ctx)
}

func newMemoryBackendForTest() relaycache.Backend {
	return relaycache.NewMemoryBackend()
}
