package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaycache/internal/offline"
)

const (
	defaultTokenTTL     = 5 * time.Minute
	correlationIDHeader = "X-Correlation-Id"
)

// HTTPError is a non-2xx answer. Rate limiting and server errors that
// outlived the retries count as the network being unavailable.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == offline.ErrUnavailable && retryableStatus(e.StatusCode)
}

type Options struct {
	BaseURL string
	// AssetBaseURL is where static assets are fetched from. Defaults to BaseURL.
	AssetBaseURL string
	Token        string
	// TokenSecret switches from the static Token to a short-lived HS256 JWT
	// minted per request.
	TokenSecret   string
	TokenSubject  string
	TokenAudience string
	TokenTTL      time.Duration
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Logger        *slog.Logger
}

// Client talks to the upstream data server on behalf of the router.
type Client struct {
	baseURL      string
	assetBaseURL string
	token        string
	secret       []byte
	subject      string
	audience     string
	tokenTTL     time.Duration
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	assetBaseURL := strings.TrimRight(strings.TrimSpace(opts.AssetBaseURL), "/")
	if assetBaseURL == "" {
		assetBaseURL = baseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "remote")
	}
	c := &Client{
		baseURL:      baseURL,
		assetBaseURL: assetBaseURL,
		token:        strings.TrimSpace(opts.Token),
		subject:      strings.TrimSpace(opts.TokenSubject),
		audience:     strings.TrimSpace(opts.TokenAudience),
		tokenTTL:     tokenTTL,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		logger:       logger,
		now:          time.Now,
	}
	if secret := strings.TrimSpace(opts.TokenSecret); secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Resolve turns a path-only URL into an absolute upstream URL.
func (c *Client) Resolve(rawURL string) string {
	return resolveAgainst(c.baseURL, rawURL)
}

// Do sends req upstream. Transport failures, rate limiting and 5xx answers
// are retried with backoff; once retries run out the returned error wraps
// offline.ErrUnavailable. Every other status comes back as a response.
func (c *Client) Do(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	if req == nil {
		return nil, offline.ErrInvalidRequest
	}
	return c.do(ctx, req.Method, c.Resolve(req.URL), req.Header, req.Body)
}

// Fetch retrieves a static asset for installation.
func (c *Client) Fetch(ctx context.Context, assetPath string) (*offline.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, resolveAgainst(c.assetBaseURL, assetPath), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, httpErrorFromResponse(resp)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body []byte) (*offline.Response, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, err
		}
		for key, values := range header {
			for _, value := range values {
				httpReq.Header.Add(key, value)
			}
		}
		if httpReq.Header.Get("Authorization") == "" {
			token, err := c.bearerToken()
			if err != nil {
				return nil, fmt.Errorf("mint upstream token: %w", err)
			}
			if token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+token)
			}
		}
		if httpReq.Header.Get(correlationIDHeader) == "" {
			httpReq.Header.Set(correlationIDHeader, correlationID())
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s %s: %w", offline.ErrUnavailable, method, target, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: read %s: %w", offline.ErrUnavailable, target, readErr)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			c.logger.Debug("retrying upstream request", "method", method, "url", target, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		out := &offline.Response{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Headers:    resp.Header.Clone(),
			Body:       payload,
		}
		if retryableStatus(resp.StatusCode) {
			return nil, httpErrorFromResponse(out)
		}
		return out, nil
	}
}

func (c *Client) bearerToken() (string, error) {
	if c.secret == nil {
		return c.token, nil
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		ID:        uuid.NewString(),
	}
	if c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func httpErrorFromResponse(resp *offline.Response) *HTTPError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(resp.Status)
	}
	return &HTTPError{StatusCode: resp.Status, Code: payload.Code, Message: payload.Message}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func resolveAgainst(base, rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if parsed, err := url.Parse(rawURL); err == nil && parsed.IsAbs() {
		return rawURL
	}
	if !strings.HasPrefix(rawURL, "/") {
		rawURL = "/" + rawURL
	}
	return base + rawURL
}

func correlationID() string {
	return "relaycache_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ offline.Network = (*Client)(nil)
	_ offline.Fetcher = (*Client)(nil)
)
