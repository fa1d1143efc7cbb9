package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/connectivity"
	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/manifest"
	"github.com/agentworkforce/relaycache/internal/offline"
	"github.com/agentworkforce/relaycache/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	printStartup(stdout, cfg)

	if path := cfg.Assets.ManifestPath; path != "" {
		m, err := manifest.Load(path)
		if err != nil {
			return fmt.Errorf("loading asset manifest: %w", err)
		}
		if err := installManifest(ctx, st.router, st.client, m, logger); err != nil {
			logger.Warn("installing static assets failed", "version", m.Version, "error", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replay := func(ctx context.Context, trigger string) {
		report, err := st.replayer.Replay(ctx)
		switch {
		case errors.Is(err, offline.ErrReplayInProgress):
			logger.Debug("replay already running", "trigger", trigger)
		case err != nil && ctx.Err() == nil:
			logger.Warn("replay failed", "trigger", trigger, "error", err)
		case report.Attempted > 0:
			logger.Info("replay finished", "trigger", trigger, "delivered", report.Delivered, "remaining", report.Remaining)
		}
	}

	if cfg.Assets.Watch && cfg.Assets.ManifestPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manifest.Watch(ctx, cfg.Assets.ManifestPath, func(m *manifest.Manifest) {
				if err := installManifest(ctx, st.router, st.client, m, logger); err != nil {
					logger.Warn("applying updated manifest failed", "version", m.Version, "error", err)
				}
			}, logger)
			if err != nil && ctx.Err() == nil {
				logger.Error("manifest watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Connectivity.WebsocketURL != "" || cfg.Connectivity.HealthURL != "" {
		monitor, err := connectivity.NewMonitor(connectivity.Options{
			WebsocketURL: cfg.Connectivity.WebsocketURL,
			HealthURL:    cfg.Connectivity.HealthURL,
			Interval:     cfg.Connectivity.Interval,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		monitor.OnChange(func(_ context.Context, state connectivity.State) {
			logger.Info("connectivity changed", "state", state.String())
		})
		monitor.OnOnline(func(ctx context.Context) {
			replay(ctx, "online")
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = monitor.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := cfg.Replay.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				replay(ctx, "interval")
			}
		}
	}()

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewServerWithConfig(st.router, st.replayer, st.client.Resolve, httpapi.ServerConfig{
			JWTSecret:    cfg.Admin.JWTSecret,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relaycache listening", "addr", cfg.Server.Addr, "upstream", cfg.Upstream.BaseURL)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

func printStartup(w io.Writer, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Fprint(w, banner)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Listen:   %s\n", cfg.Server.Addr)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Upstream: %s\n", cfg.Upstream.BaseURL)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Storage:  %s\n", cfg.Storage.DSN)
	if cfg.Assets.ManifestPath != "" {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "Manifest: %s\n", cfg.Assets.ManifestPath)
	}
	fmt.Fprintln(w)
}
