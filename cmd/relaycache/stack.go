package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/manifest"
	"github.com/agentworkforce/relaycache/internal/offline"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"github.com/agentworkforce/relaycache/internal/remote"
)

// stack is the storage, upstream client and routing core every command
// works against.
type stack struct {
	backend  relaycache.Backend
	client   *remote.Client
	router   *offline.Router
	replayer *offline.Replayer
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	backend, err := relaycache.BuildBackendFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage %s: %w", cfg.Storage.DSN, err)
	}
	client := remote.NewClient(remote.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		AssetBaseURL:  cfg.Upstream.AssetBaseURL,
		Token:         cfg.Upstream.Token,
		TokenSecret:   cfg.Upstream.TokenSecret,
		TokenSubject:  cfg.Upstream.TokenSubject,
		TokenAudience: cfg.Upstream.TokenAudience,
		HTTPClient:    &http.Client{Timeout: cfg.Upstream.Timeout},
		MaxRetries:    cfg.Upstream.MaxRetries,
		Logger:        logger,
	})
	router, err := offline.NewRouter(ctx, backend, client, offline.Options{
		Indexer: offline.PathIndexer{Collections: cfg.Index.Collections},
		Logger:  logger.With("component", "offline"),
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("creating router: %w", err)
	}
	replayer := offline.NewReplayer(router, offline.ReplayOptions{
		MaxAttempts: cfg.Replay.MaxAttempts,
		Logger:      logger,
	})
	return &stack{backend: backend, client: client, router: router, replayer: replayer}, nil
}

func (s *stack) Close() error {
	return s.backend.Close()
}

// installManifest installs and activates the asset set m names. A version
// that is already active is left alone.
func installManifest(ctx context.Context, router *offline.Router, fetcher offline.Fetcher, m *manifest.Manifest, logger *slog.Logger) error {
	if router.Assets().Version() == m.Version {
		return nil
	}
	if err := router.Install(ctx, m.Version, m.Assets, fetcher); err != nil {
		return err
	}
	if err := router.Activate(ctx, m.Version); err != nil {
		return err
	}
	logger.Info("asset manifest applied", "version", m.Version, "assets", len(m.Assets))
	return nil
}
