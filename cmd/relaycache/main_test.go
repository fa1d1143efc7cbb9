package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/agentworkforce/relaycache/internal/manifest"
	"github.com/agentworkforce/relaycache/internal/offline"
	"github.com/agentworkforce/relaycache/internal/relaycache"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"bogus"}, io.Discard)
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunOutboxListsQueuedWrites(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	configPath := filepath.Join(dir, "relaycache.yaml")
	configBody := "upstream:\n  base_url: http://127.0.0.1:1\nstorage:\n  dsn: sqlite://" + filepath.Join(dir, "cache.db") + "\n"
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	if _, err := st.router.Outbox().Enqueue(ctx, "http://127.0.0.1:1/notes/1", "text/plain", []byte("hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close stack: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, []string{"outbox", "-config", configPath}, &out); err != nil {
		t.Fatalf("run outbox: %v", err)
	}
	if !strings.Contains(out.String(), "pending") || !strings.Contains(out.String(), "http://127.0.0.1:1/notes/1") {
		t.Fatalf("unexpected outbox listing: %q", out.String())
	}
}

func TestPrintOutbox(t *testing.T) {
	color.NoColor = true
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var empty bytes.Buffer
	printOutbox(&empty, nil, now)
	if strings.TrimSpace(empty.String()) != "outbox is empty" {
		t.Fatalf("unexpected empty listing %q", empty.String())
	}

	var out bytes.Buffer
	printOutbox(&out, []offline.OutboxEntry{{
		URL:       "https://api.example.test/notes/2",
		Body:      []byte("abc"),
		QueuedAt:  now.Add(-90 * time.Second),
		Attempts:  5,
		LastError: "server answered 422",
		State:     offline.OutboxRejected,
	}}, now)
	line := out.String()
	for _, want := range []string{"rejected", "notes/2", "3 bytes", "1m30s", "attempts=5", `last_error="server answered 422"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	printReport(&out, offline.ReplayReport{Attempted: 2, Delivered: 1, Remaining: 1, Offline: true})
	if !strings.Contains(out.String(), "delivered 1 of 2 attempted") {
		t.Fatalf("unexpected report %q", out.String())
	}
	if !strings.Contains(out.String(), "server unreachable") {
		t.Fatalf("expected offline note in %q", out.String())
	}
}

func TestInstallManifestSkipsActiveVersion(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	network := offline.NetworkFunc(func(context.Context, *offline.Request) (*offline.Response, error) {
		return nil, offline.ErrUnavailable
	})
	router, err := offline.NewRouter(ctx, relaycache.NewMemoryBackend(), network, offline.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	var fetches atomic.Int32
	fetcher := offline.FetcherFunc(func(_ context.Context, assetPath string) (*offline.Response, error) {
		fetches.Add(1)
		return &offline.Response{Status: http.StatusOK, Body: []byte(assetPath)}, nil
	})
	m := &manifest.Manifest{Version: "2026.1", Assets: []string{"/", "/app.js"}}

	if err := installManifest(ctx, router, fetcher, m, logger); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := installManifest(ctx, router, fetcher, m, logger); err != nil {
		t.Fatalf("second install: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
	if router.Assets().Version() != "2026.1" {
		t.Fatalf("expected active version 2026.1, got %q", router.Assets().Version())
	}

	var out bytes.Buffer
	color.NoColor = true
	printAssets(&out, router.Assets())
	if !strings.Contains(out.String(), "version 2026.1") || !strings.Contains(out.String(), "/app.js") {
		t.Fatalf("unexpected asset listing %q", out.String())
	}
}

func TestInstallManifestKeepsPreviousVersionAcrossRestart(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	network := offline.NetworkFunc(func(context.Context, *offline.Request) (*offline.Response, error) {
		return nil, offline.ErrUnavailable
	})
	good := offline.FetcherFunc(func(_ context.Context, assetPath string) (*offline.Response, error) {
		return &offline.Response{Status: http.StatusOK, Body: []byte("v1:" + assetPath)}, nil
	})
	unreachable := offline.FetcherFunc(func(context.Context, string) (*offline.Response, error) {
		return nil, offline.ErrUnavailable
	})

	backend, err := relaycache.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	router, err := offline.NewRouter(ctx, backend, network, offline.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if err := installManifest(ctx, router, good, &manifest.Manifest{Version: "1", Assets: []string{"/index.html"}}, logger); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}

	backend, err = relaycache.NewFileBackend(dir)
	if err != nil {
		t.Fatalf("reopen file backend: %v", err)
	}
	defer backend.Close()
	router, err = offline.NewRouter(ctx, backend, network, offline.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new router after restart: %v", err)
	}
	if err := installManifest(ctx, router, unreachable, &manifest.Manifest{Version: "2", Assets: []string{"/index.html"}}, logger); err == nil {
		t.Fatalf("expected install of v2 to fail")
	}
	if got := router.Assets().Version(); got != "1" {
		t.Fatalf("expected version 1 to stay active, got %q", got)
	}
	resp, err := router.Handle(ctx, &offline.Request{Method: http.MethodGet, URL: "http://app/index.html"})
	if err != nil {
		t.Fatalf("get index after restart: %v", err)
	}
	if string(resp.Body) != "v1:/index.html" {
		t.Fatalf("unexpected static body %q", resp.Body)
	}
}
