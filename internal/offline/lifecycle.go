package offline

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaycache/internal/relaycache"
)

// Install populates the static cache for version from paths. Every asset is
// fetched before anything is written, so a failed fetch leaves the stores
// untouched. A version that is already fully stored is not fetched again.
func (r *Router) Install(ctx context.Context, version string, paths []string, fetcher Fetcher) error {
	version = strings.TrimSpace(version)
	if version == "" || fetcher == nil {
		return fmt.Errorf("%w: install needs a version and a fetcher", ErrInvalidRequest)
	}
	name := StaticCacheName(version)
	logger := r.logger.With("version", version)

	complete, err := r.staticComplete(ctx, name, paths)
	if err != nil {
		return err
	}
	if complete {
		logger.Info("static assets already installed", "assets", len(paths))
		return nil
	}

	fetched := make(map[string]*Response, len(paths))
	for _, assetPath := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := fetcher.Fetch(ctx, assetPath)
		if err != nil {
			return fmt.Errorf("install %s: fetch %s: %w", version, assetPath, err)
		}
		asset, err := assetResponse(assetPath, resp)
		if err != nil {
			return fmt.Errorf("install %s: %w", version, err)
		}
		fetched[assetPath] = asset
	}

	cache, err := r.backend.Open(ctx, name)
	if err != nil {
		return err
	}
	for _, assetPath := range paths {
		data, err := encodeResponse(fetched[assetPath])
		if err == nil {
			err = cache.Put(ctx, assetPath, data)
		}
		if err != nil {
			if r.Assets().Version() != version {
				if dropErr := r.backend.Drop(ctx, name); dropErr != nil {
					logger.Warn("dropping partial static cache failed", "error", dropErr)
				}
			}
			return fmt.Errorf("install %s: store %s: %w", version, assetPath, err)
		}
	}
	logger.Info("static assets installed", "assets", len(paths))
	return nil
}

// activeMarkerKey is stored in the activated static cache so the version can
// be restored after a restart. Asset keys are absolute paths and never
// collide with it.
const activeMarkerKey = "relaycache:active"

// Activate makes version the served static set and deletes every cache that
// is not the current static, dynamic or outbox cache.
func (r *Router) Activate(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("%w: activate needs a version", ErrInvalidRequest)
	}
	name := StaticCacheName(version)
	names, err := r.backend.Names(ctx)
	if err != nil {
		return err
	}
	if !containsString(names, name) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, version)
	}
	cache, err := r.backend.Open(ctx, name)
	if err != nil {
		return err
	}
	assets, err := loadStatic(ctx, cache, version)
	if err != nil {
		return err
	}
	if err := cache.Put(ctx, activeMarkerKey, []byte(version)); err != nil {
		return fmt.Errorf("activate %s: mark active: %w", version, err)
	}
	r.assets.Store(assets)

	keep := map[string]bool{name: true, DynamicCacheName: true, OutboxCacheName: true}
	for _, candidate := range names {
		if keep[candidate] {
			continue
		}
		if err := r.backend.Drop(ctx, candidate); err != nil {
			return fmt.Errorf("activate %s: drop %s: %w", version, candidate, err)
		}
		r.logger.Info("dropped stale cache", "cache", candidate)
	}
	r.logger.Info("static assets activated", "version", version, "assets", len(assets.assets))
	return nil
}

// restoreActive serves the static version that was active when the backend
// was last used. Installed versions that were never activated stay idle.
func (r *Router) restoreActive(ctx context.Context) error {
	names, err := r.backend.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, staticPrefix) {
			continue
		}
		cache, err := r.backend.Open(ctx, name)
		if err != nil {
			return err
		}
		marker, ok, err := cache.Get(ctx, activeMarkerKey)
		if err != nil {
			return err
		}
		version := strings.TrimPrefix(name, staticPrefix)
		if !ok || string(marker) != version {
			continue
		}
		assets, err := loadStatic(ctx, cache, version)
		if err != nil {
			return err
		}
		r.assets.Store(assets)
		r.logger.Info("static assets restored", "version", version, "assets", len(assets.assets))
		return nil
	}
	return nil
}

func loadStatic(ctx context.Context, cache relaycache.Cache, version string) (*AssetStore, error) {
	keys, err := cache.Keys(ctx)
	if err != nil {
		return nil, err
	}
	assets := make(map[string]*Response, len(keys))
	for _, key := range keys {
		if key == activeMarkerKey {
			continue
		}
		data, ok, err := cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		resp, err := decodeResponse(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: decode %s: %w", version, key, err)
		}
		assets[key] = resp
	}
	return newAssetStore(version, assets), nil
}

func (r *Router) staticComplete(ctx context.Context, name string, paths []string) (bool, error) {
	names, err := r.backend.Names(ctx)
	if err != nil {
		return false, err
	}
	if !containsString(names, name) {
		return false, nil
	}
	cache, err := r.backend.Open(ctx, name)
	if err != nil {
		return false, err
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, assetPath := range paths {
		if !containsString(keys, assetPath) {
			return false, nil
		}
	}
	return true, nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
