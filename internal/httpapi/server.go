package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycache/internal/offline"
)

// SourceHeader reports which layer answered a proxied request.
const SourceHeader = "X-Relaycache-Source"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	router      *offline.Router
	replayer    *offline.Replayer
	resolve     func(string) string
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// Resolver maps an incoming request URI onto the upstream URL the router
// dispatches and caches under.
type Resolver func(requestURI string) string

func NewServer(router *offline.Router, replayer *offline.Replayer, resolve Resolver) *Server {
	return NewServerWithConfig(router, replayer, resolve, ServerConfig{})
}

func NewServerWithConfig(router *offline.Router, replayer *offline.Replayer, resolve Resolver, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if resolve == nil {
		resolve = func(uri string) string { return uri }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		router:      router,
		replayer:    replayer,
		resolve:     resolve,
		cfg:         cfg,
		logger:      logger.With("component", "httpapi"),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		s.handleProxy(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/admin/outbox" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "outbox_list"
	case r.URL.Path == "/v1/admin/outbox" && r.Method == http.MethodDelete:
		requiredScope = scopeAdminReplay
		route = "outbox_discard"
	case r.URL.Path == "/v1/admin/outbox/replay" && r.Method == http.MethodPost:
		requiredScope = scopeAdminReplay
		route = "outbox_replay"
	case r.URL.Path == "/v1/admin/outbox/requeue" && r.Method == http.MethodPost:
		requiredScope = scopeAdminReplay
		route = "outbox_requeue"
	case r.URL.Path == "/v1/admin/assets" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "assets"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "outbox_list":
		s.handleOutboxList(w, r, correlationID)
	case "outbox_discard":
		s.handleOutboxDiscard(w, r, correlationID)
	case "outbox_replay":
		s.handleOutboxReplay(w, r, correlationID)
	case "outbox_requeue":
		s.handleOutboxRequeue(w, r, correlationID)
	case "assets":
		s.handleAssets(w)
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	header := r.Header.Clone()
	stripHopHeaders(header)
	header.Del("Authorization")

	result, err := s.router.Dispatch(r.Context(), &offline.Request{
		Method: r.Method,
		URL:    s.resolve(r.URL.RequestURI()),
		Header: header,
		Body:   body,
	})
	if err != nil {
		switch {
		case errors.Is(err, offline.ErrNoCachedResponse):
			writeError(w, http.StatusGatewayTimeout, "offline_unavailable", "server unreachable and no cached response", correlationID)
		case errors.Is(err, offline.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "server unreachable", correlationID)
		case errors.Is(err, offline.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request", correlationID)
		case r.Context().Err() != nil:
			s.logger.Debug("client went away", "method", r.Method, "path", r.URL.Path)
		default:
			s.logger.Error("proxy dispatch failed", "method", r.Method, "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "bad_gateway", "request could not be routed", correlationID)
		}
		return
	}

	resp := result.Response
	for name, values := range resp.Headers {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	stripHopHeaders(w.Header())
	w.Header().Set(SourceHeader, string(result.Source))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) handleOutboxList(w http.ResponseWriter, r *http.Request, correlationID string) {
	entries, err := s.router.Outbox().Entries(r.Context())
	if err != nil {
		s.logger.Error("list outbox failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read outbox", correlationID)
		return
	}
	pending, rejected := 0, 0
	for _, entry := range entries {
		if entry.State == offline.OutboxRejected {
			rejected++
		} else {
			pending++
		}
	}
	if entries == nil {
		entries = []offline.OutboxEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"pending":  pending,
		"rejected": rejected,
	})
}

func (s *Server) handleOutboxReplay(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.replayer == nil {
		writeError(w, http.StatusServiceUnavailable, "replay_disabled", "replay is not configured", correlationID)
		return
	}
	report, err := s.replayer.Replay(r.Context())
	if err != nil {
		if errors.Is(err, offline.ErrReplayInProgress) {
			writeError(w, http.StatusConflict, "replay_in_progress", err.Error(), correlationID)
			return
		}
		s.logger.Error("admin replay failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "replay failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleOutboxRequeue(w http.ResponseWriter, r *http.Request, correlationID string) {
	target, ok := s.outboxURL(w, r, correlationID)
	if !ok {
		return
	}
	found, err := s.router.Outbox().Requeue(r.Context(), target)
	if err != nil {
		s.logger.Error("requeue failed", "url", target, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to requeue entry", correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no queued write for url", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": target, "requeued": true})
}

func (s *Server) handleOutboxDiscard(w http.ResponseWriter, r *http.Request, correlationID string) {
	target, ok := s.outboxURL(w, r, correlationID)
	if !ok {
		return
	}
	found, err := s.router.Outbox().Dequeue(r.Context(), target)
	if err != nil {
		s.logger.Error("discard failed", "url", target, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to discard entry", correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no queued write for url", correlationID)
		return
	}
	s.logger.Info("discarded queued write", "url", target)
	writeJSON(w, http.StatusOK, map[string]any{"url": target, "deleted": true})
}

func (s *Server) handleAssets(w http.ResponseWriter) {
	assets := s.router.Assets()
	paths := assets.Paths()
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": assets.Version(),
		"assets":  paths,
	})
}

// outboxURL reads the url query parameter. Path-only values are resolved the
// same way proxied requests are.
func (s *Server) outboxURL(w http.ResponseWriter, r *http.Request, correlationID string) (string, bool) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url query parameter", correlationID)
		return "", false
	}
	if strings.HasPrefix(target, "/") {
		target = s.resolve(target)
	}
	return target, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(header http.Header) {
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
