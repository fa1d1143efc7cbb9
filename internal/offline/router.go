// Package offline routes application requests network-first, falling back to
// locally stored responses and a durable outbox when the server is
// unreachable.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentworkforce/relaycache/internal/relaycache"
)

const tracerName = "github.com/agentworkforce/relaycache/internal/offline"

const (
	OfflineQueuedBody  = "You are offline. Your changes have been saved on this device and will be sent when the connection returns."
	OfflineDeletedBody = "You are offline. The item has been removed from this device."
)

// OfflineHeader marks responses synthesized without reaching the server.
const OfflineHeader = "X-Relaycache-Offline"

type Options struct {
	Indexer        Indexer
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

type Router struct {
	backend relaycache.Backend
	network Network
	dynamic *DynamicStore
	outbox  *Outbox
	index   *IndexMaintainer
	assets  atomic.Pointer[AssetStore]
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewRouter(ctx context.Context, backend relaycache.Backend, network Network, opts Options) (*Router, error) {
	if backend == nil || network == nil {
		return nil, fmt.Errorf("%w: router needs a backend and a network", ErrInvalidRequest)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "offline")
	}
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	dynamicCache, err := backend.Open(ctx, DynamicCacheName)
	if err != nil {
		return nil, fmt.Errorf("open dynamic cache: %w", err)
	}
	outboxCache, err := backend.Open(ctx, OutboxCacheName)
	if err != nil {
		return nil, fmt.Errorf("open outbox cache: %w", err)
	}
	dynamic := NewDynamicStore(dynamicCache)
	index, err := NewIndexMaintainer(dynamic, opts.Indexer, logger)
	if err != nil {
		return nil, fmt.Errorf("build index maintainer: %w", err)
	}
	router := &Router{
		backend: backend,
		network: network,
		dynamic: dynamic,
		outbox:  NewOutbox(outboxCache),
		index:   index,
		logger:  logger,
		tracer:  provider.Tracer(tracerName),
	}
	if err := router.restoreActive(ctx); err != nil {
		return nil, fmt.Errorf("restore static assets: %w", err)
	}
	return router, nil
}

func (r *Router) Assets() *AssetStore         { return r.assets.Load() }
func (r *Router) Dynamic() *DynamicStore      { return r.dynamic }
func (r *Router) Outbox() *Outbox             { return r.outbox }
func (r *Router) Index() *IndexMaintainer     { return r.index }
func (r *Router) Backend() relaycache.Backend { return r.backend }

// Handle routes req and returns only the response.
func (r *Router) Handle(ctx context.Context, req *Request) (*Response, error) {
	result, err := r.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}

// Dispatch routes req: static assets first, then the network, then the local
// stores. The only error for a well-formed GET, PUT or DELETE is an
// unreachable GET with no cached response (ErrNoCachedResponse).
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.URL) == "" {
		return nil, ErrInvalidRequest
	}
	ctx, span := r.tracer.Start(ctx, "relaycache.route", trace.WithAttributes(
		attribute.String("http.request.method", strings.ToUpper(req.Method)),
		attribute.String("url.full", req.URL),
	))
	defer span.End()

	result, err := r.dispatch(ctx, req.clone())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("relaycache.source", string(result.Source)),
		attribute.Int("http.response.status_code", result.Response.Status),
	)
	return result, nil
}

func (r *Router) dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req.Method == http.MethodGet {
		if resp, ok := r.matchStatic(req.URL); ok {
			return &Result{Response: resp, Source: SourceStatic}, nil
		}
	}

	resp, err := r.network.Do(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Debug("network unavailable", "method", req.Method, "url", req.URL, "error", err)
		return r.routeOffline(ctx, req, err)
	}
	if !isSuccess(resp.Status) {
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}
	return r.routeOnline(ctx, req, resp), nil
}

func (r *Router) matchStatic(rawURL string) (*Response, bool) {
	assets := r.assets.Load()
	if assets == nil {
		return nil, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery != "" || u.ForceQuery {
		return nil, false
	}
	assetPath := u.Path
	if assetPath == "" {
		assetPath = "/"
	}
	return assets.Get(assetPath)
}

// routeOnline applies a successful server answer to the local stores. Store
// failures are logged; the server has already accepted the request.
func (r *Router) routeOnline(ctx context.Context, req *Request, resp *Response) *Result {
	logger := r.logger.With("method", req.Method, "url", req.URL)
	switch req.Method {
	case http.MethodGet:
		if err := r.dynamic.Put(ctx, req.URL, resp); err != nil {
			logger.Warn("caching response failed", "error", err)
		}
	case http.MethodPut:
		if id, replaying := replayEntryID(ctx); replaying {
			current, ok, err := r.outbox.Get(ctx, req.URL)
			if err != nil || !ok || current.ID != id {
				// A newer local write owns the cached state for this URL.
				return &Result{Response: resp, Source: SourceNetwork}
			}
		}
		confirmed := &Response{
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Headers:    resp.Headers.Clone(),
			Body:       cloneBytes(req.Body),
		}
		if err := r.dynamic.Put(ctx, req.URL, confirmed); err != nil {
			logger.Warn("caching written resource failed", "error", err)
		}
		if err := r.index.Track(ctx, req.URL, true); err != nil {
			logger.Warn("updating collection index failed", "error", err)
		}
		if err := r.dequeue(ctx, req.URL); err != nil {
			logger.Warn("clearing outbox entry failed", "error", err)
		}
	case http.MethodDelete:
		if _, err := r.dynamic.Delete(ctx, req.URL); err != nil {
			logger.Warn("removing cached resource failed", "error", err)
		}
		if err := r.index.Track(ctx, req.URL, false); err != nil {
			logger.Warn("updating collection index failed", "error", err)
		}
		if _, err := r.outbox.Dequeue(ctx, req.URL); err != nil {
			logger.Warn("clearing outbox entry failed", "error", err)
		}
	}
	return &Result{Response: resp, Source: SourceNetwork}
}

func (r *Router) routeOffline(ctx context.Context, req *Request, netErr error) (*Result, error) {
	switch req.Method {
	case http.MethodGet:
		cached, ok, err := r.dynamic.Get(ctx, req.URL)
		if err != nil {
			return nil, fmt.Errorf("read cached %s: %w", req.URL, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w for %s: %w", ErrNoCachedResponse, req.URL, netErr)
		}
		return &Result{Response: cached, Source: SourceCache}, nil

	case http.MethodPut:
		if _, replaying := replayEntryID(ctx); replaying {
			// The entry being replayed is still in the outbox.
			return &Result{Response: synthesized(OfflineQueuedBody, "queued"), Source: SourceQueued}, nil
		}
		cached, hadCached, err := r.dynamic.Get(ctx, req.URL)
		if err != nil {
			r.logger.Warn("reading cached response failed", "url", req.URL, "error", err)
			hadCached = false
		}
		contentType := req.Header.Get("Content-Type")
		optimistic := &Response{
			Status:     http.StatusCreated,
			StatusText: http.StatusText(http.StatusCreated),
			Headers:    http.Header{},
			Body:       req.Body,
		}
		if contentType != "" {
			optimistic.Headers.Set("Content-Type", contentType)
		}
		if err := r.dynamic.Put(ctx, req.URL, optimistic); err != nil {
			r.logger.Warn("caching queued write failed", "url", req.URL, "error", err)
		}
		if _, err := r.outbox.Enqueue(ctx, req.URL, contentType, req.Body); err != nil {
			return nil, fmt.Errorf("queue write for %s: %w", req.URL, err)
		}
		if err := r.index.Track(ctx, req.URL, true); err != nil {
			r.logger.Warn("updating collection index failed", "url", req.URL, "error", err)
		}
		r.logger.Info("queued write while offline", "url", req.URL, "bytes", len(req.Body))
		if hadCached {
			return &Result{Response: cached, Source: SourceQueued}, nil
		}
		return &Result{Response: synthesized(OfflineQueuedBody, "queued"), Source: SourceQueued}, nil

	case http.MethodDelete:
		if _, err := r.outbox.Dequeue(ctx, req.URL); err != nil {
			r.logger.Warn("clearing outbox entry failed", "url", req.URL, "error", err)
		}
		if _, err := r.dynamic.Delete(ctx, req.URL); err != nil {
			r.logger.Warn("removing cached resource failed", "url", req.URL, "error", err)
		}
		if err := r.index.Track(ctx, req.URL, false); err != nil {
			r.logger.Warn("updating collection index failed", "url", req.URL, "error", err)
		}
		return &Result{Response: synthesized(OfflineDeletedBody, "local"), Source: SourceLocal}, nil

	default:
		if !errors.Is(netErr, ErrUnavailable) {
			netErr = fmt.Errorf("%w: %w", ErrUnavailable, netErr)
		}
		return nil, netErr
	}
}

func (r *Router) dequeue(ctx context.Context, rawURL string) error {
	if id, replaying := replayEntryID(ctx); replaying {
		_, err := r.outbox.DequeueIf(ctx, rawURL, id)
		return err
	}
	_, err := r.outbox.Dequeue(ctx, rawURL)
	return err
}

func synthesized(body, marker string) *Response {
	return &Response{
		Status:     http.StatusCreated,
		StatusText: http.StatusText(http.StatusCreated),
		Headers: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			OfflineHeader:  []string{marker},
		},
		Body: []byte(body),
	}
}
