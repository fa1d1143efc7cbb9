package offline

import (
	"context"
	"fmt"

	"github.com/agentworkforce/relaycache/internal/relaycache"
)

// DynamicStore keeps the most recent response per request URL.
type DynamicStore struct {
	cache relaycache.Cache
}

func NewDynamicStore(cache relaycache.Cache) *DynamicStore {
	return &DynamicStore{cache: cache}
}

func (s *DynamicStore) Get(ctx context.Context, url string) (*Response, bool, error) {
	data, ok, err := s.cache.Get(ctx, url)
	if err != nil || !ok {
		return nil, false, err
	}
	resp, err := decodeResponse(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached response for %s: %w", url, err)
	}
	return resp, true, nil
}

func (s *DynamicStore) Put(ctx context.Context, url string, resp *Response) error {
	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return s.cache.Put(ctx, url, data)
}

func (s *DynamicStore) Delete(ctx context.Context, url string) (bool, error) {
	return s.cache.Delete(ctx, url)
}

func (s *DynamicStore) Keys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}
