package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/connectivity"
	"github.com/agentworkforce/relaycache/internal/offline"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"github.com/agentworkforce/relaycache/internal/remote"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to $RELAYCACHE_CONFIG or the XDG config dir)")
	interval := flag.Duration("interval", 0, "replay interval (overrides replay.interval)")
	intervalJitter := flag.Float64("interval-jitter", -1, "replay interval jitter ratio (0.0-1.0, overrides replay.jitter)")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-pass timeout")
	once := flag.Bool("once", false, "run one replay pass and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}
	logger = cfg.Logging.NewLogger(os.Stderr)

	if *interval <= 0 {
		*interval = cfg.Replay.Interval
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *intervalJitter < 0 {
		*intervalJitter = cfg.Replay.Jitter
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)
	if *timeout <= 0 {
		*timeout = 2 * time.Minute
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := relaycache.BuildBackendFromDSN(cfg.Storage.DSN)
	if err != nil {
		logger.Error("opening storage failed", "dsn", cfg.Storage.DSN, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	client := remote.NewClient(remote.Options{
		BaseURL:       cfg.Upstream.BaseURL,
		Token:         cfg.Upstream.Token,
		TokenSecret:   cfg.Upstream.TokenSecret,
		TokenSubject:  cfg.Upstream.TokenSubject,
		TokenAudience: cfg.Upstream.TokenAudience,
		HTTPClient:    &http.Client{Timeout: cfg.Upstream.Timeout},
		MaxRetries:    cfg.Upstream.MaxRetries,
		Logger:        logger,
	})
	router, err := offline.NewRouter(rootCtx, backend, client, offline.Options{
		Indexer: offline.PathIndexer{Collections: cfg.Index.Collections},
		Logger:  logger.With("component", "offline"),
	})
	if err != nil {
		logger.Error("creating router failed", "error", err)
		os.Exit(1)
	}
	replayer := offline.NewReplayer(router, offline.ReplayOptions{
		MaxAttempts: cfg.Replay.MaxAttempts,
		Logger:      logger,
	})

	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		report, err := replayer.Replay(ctx)
		if errors.Is(err, offline.ErrReplayInProgress) {
			return
		}
		if err != nil {
			logger.Warn("replay pass failed", "error", err)
			return
		}
		logger.Info("replay pass completed",
			"delivered", report.Delivered,
			"rejected", report.Rejected,
			"remaining", report.Remaining,
			"offline", report.Offline,
		)
	}

	run(rootCtx)
	if *once {
		return
	}

	if cfg.Connectivity.WebsocketURL != "" || cfg.Connectivity.HealthURL != "" {
		monitor, err := connectivity.NewMonitor(connectivity.Options{
			WebsocketURL: cfg.Connectivity.WebsocketURL,
			HealthURL:    cfg.Connectivity.HealthURL,
			Interval:     cfg.Connectivity.Interval,
			Logger:       logger,
		})
		if err != nil {
			logger.Error("creating connectivity monitor failed", "error", err)
			os.Exit(1)
		}
		monitor.OnOnline(run)
		go func() { _ = monitor.Run(rootCtx) }()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("replay loop stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run(rootCtx)
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to jitterRatio in either
// direction; sample in [0,1] picks the point, 0.5 being base itself.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
