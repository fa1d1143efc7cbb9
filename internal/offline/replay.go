package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const DefaultMaxAttempts = 5

type replayEntryKey struct{}

func withReplayEntry(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, replayEntryKey{}, id)
}

func replayEntryID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(replayEntryKey{}).(string)
	return id, ok && id != ""
}

type ReplayOptions struct {
	// MaxAttempts is how many non-2xx answers an entry may receive before it
	// is rejected.
	MaxAttempts int
	Logger      *slog.Logger
}

// ReplayReport summarises one pass over the outbox.
type ReplayReport struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Rejected  int  `json:"rejected"`
	Remaining int  `json:"remaining"`
	Offline   bool `json:"offline"`
}

// Replayer resubmits queued writes through the router once the network is
// back.
type Replayer struct {
	router      *Router
	maxAttempts int
	logger      *slog.Logger
	running     atomic.Bool
}

func NewReplayer(router *Router, opts ReplayOptions) *Replayer {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{router: router, maxAttempts: maxAttempts, logger: logger.With("component", "replay")}
}

// Replay walks pending outbox entries oldest first. The pass stops at the
// first entry that could not reach the server.
func (p *Replayer) Replay(ctx context.Context) (ReplayReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return ReplayReport{}, ErrReplayInProgress
	}
	defer p.running.Store(false)

	var report ReplayReport
	outbox := p.router.Outbox()
	entries, err := outbox.Pending(ctx)
	if err != nil {
		return report, err
	}
	for _, queued := range entries {
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, report), err
		}
		// Writes routed during the pass may have removed or replaced the entry.
		entry, ok, err := outbox.Get(ctx, queued.URL)
		if err != nil {
			return p.finish(ctx, report), err
		}
		if !ok || entry.State != OutboxPending {
			p.logger.Debug("queued write left the outbox during replay", "url", queued.URL)
			continue
		}
		report.Attempted++
		req := &Request{
			Method: http.MethodPut,
			URL:    entry.URL,
			Header: http.Header{},
			Body:   entry.Body,
		}
		if entry.ContentType != "" {
			req.Header.Set("Content-Type", entry.ContentType)
		}
		result, err := p.router.Dispatch(withReplayEntry(ctx, entry.ID), req)
		if err != nil {
			return p.finish(ctx, report), err
		}
		if result.Source != SourceNetwork {
			report.Offline = true
			break
		}
		if isSuccess(result.Response.Status) {
			report.Delivered++
			p.logger.Info("delivered queued write", "url", entry.URL, "status", result.Response.Status)
			continue
		}
		report.Failed++
		updated, found, err := outbox.RecordFailure(ctx, entry.URL, entry.ID, fmt.Sprintf("server answered %d", result.Response.Status), p.maxAttempts)
		if err != nil {
			return p.finish(ctx, report), err
		}
		if found && updated.State == OutboxRejected {
			report.Rejected++
			p.logger.Warn("rejected queued write", "url", entry.URL, "attempts", updated.Attempts, "status", result.Response.Status)
		}
	}
	return p.finish(ctx, report), nil
}

func (p *Replayer) finish(ctx context.Context, report ReplayReport) ReplayReport {
	if pending, err := p.router.Outbox().Pending(ctx); err == nil {
		report.Remaining = len(pending)
	}
	if report.Attempted > 0 {
		p.logger.Info("replay pass finished",
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"failed", report.Failed,
			"remaining", report.Remaining,
			"offline", report.Offline,
		)
	}
	return report
}
