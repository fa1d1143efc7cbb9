package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/manifest"
	"github.com/agentworkforce/relaycache/internal/offline"
)

func runOutbox(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.router.Outbox().Entries(ctx)
	if err != nil {
		return fmt.Errorf("reading outbox: %w", err)
	}
	printOutbox(stdout, entries, time.Now())
	return nil
}

func runReplay(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.replayer.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replaying outbox: %w", err)
	}
	printReport(stdout, report)
	return nil
}

func runAssets(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	if cfg.Assets.ManifestPath == "" {
		return errors.New("assets.manifest is not configured")
	}
	m, err := manifest.Load(cfg.Assets.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading asset manifest: %w", err)
	}
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := installManifest(ctx, st.router, st.client, m, logger); err != nil {
		return fmt.Errorf("installing %s: %w", m.Version, err)
	}
	printAssets(stdout, st.router.Assets())
	return nil
}

func printOutbox(w io.Writer, entries []offline.OutboxEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for _, entry := range entries {
		state := yellow
		if entry.State == offline.OutboxRejected {
			state = red
		}
		state.Fprintf(w, "%-8s ", entry.State)
		fmt.Fprintf(w, "%s  %d bytes  queued %s ago", entry.URL, len(entry.Body), now.Sub(entry.QueuedAt).Round(time.Second))
		if entry.Attempts > 0 {
			fmt.Fprintf(w, "  attempts=%d", entry.Attempts)
		}
		if entry.LastError != "" {
			fmt.Fprintf(w, "  last_error=%q", entry.LastError)
		}
		fmt.Fprintln(w)
	}
}

func printReport(w io.Writer, report offline.ReplayReport) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprintf(w, "delivered %d", report.Delivered)
	fmt.Fprintf(w, " of %d attempted, %d failed, %d rejected, %d remaining\n",
		report.Attempted, report.Failed, report.Rejected, report.Remaining)
	if report.Offline {
		yellow.Fprintln(w, "server unreachable; remaining writes stay queued")
	}
}

func printAssets(w io.Writer, assets *offline.AssetStore) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "version %s\n", assets.Version())
	for _, p := range assets.Paths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
