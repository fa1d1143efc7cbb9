package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaycache/internal/offline"
)

func newTestClient(serverURL string, httpClient *http.Client, opts Options) *Client {
	opts.BaseURL = serverURL
	opts.HTTPClient = httpClient
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 5 * time.Millisecond
	}
	return NewClient(opts)
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/data/subj-01" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"f":"x"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), Options{Token: "token"})
	resp, err := client.Do(context.Background(), &offline.Request{Method: http.MethodGet, URL: "/data/subj-01"})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if string(resp.Body) != `{"f":"x"}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientExhaustedServerErrorsCountAsUnavailable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), Options{MaxRetries: 2})
	_, err := client.Do(context.Background(), &offline.Request{Method: http.MethodPut, URL: "/data/a", Body: []byte("x")})
	if !errors.Is(err, offline.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after retries, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected *HTTPError with 502, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientReturnsClientErrorsAsResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), Options{})
	resp, err := client.Do(context.Background(), &offline.Request{Method: http.MethodPut, URL: "/data/a", Body: []byte("x")})
	if err != nil {
		t.Fatalf("expected 409 to be returned as a response, got %v", err)
	}
	if resp.Status != http.StatusConflict || resp.StatusText != "Conflict" {
		t.Fatalf("unexpected status %d %q", resp.Status, resp.StatusText)
	}
	if resp.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("expected response headers to be kept, got %v", resp.Headers)
	}
}

func TestClientTransportFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close()

	client := newTestClient(serverURL, nil, Options{MaxRetries: 1})
	_, err := client.Do(context.Background(), &offline.Request{Method: http.MethodGet, URL: "/data/a"})
	if !errors.Is(err, offline.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for refused connection, got %v", err)
	}
}

func TestClientForwardsBodyAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer static-token" {
			t.Errorf("expected static bearer token, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/octet-stream" {
			t.Errorf("expected content type to be forwarded, got %q", got)
		}
		if !strings.HasPrefix(r.Header.Get(correlationIDHeader), "relaycache_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get(correlationIDHeader))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "\x01\x02opaque" {
			t.Errorf("expected body to be forwarded verbatim, got %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), Options{Token: "static-token"})
	resp, err := client.Do(context.Background(), &offline.Request{
		Method: http.MethodPut,
		URL:    server.URL + "/data/a",
		Header: http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:   []byte("\x01\x02opaque"),
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
}

func TestClientMintsSignedToken(t *testing.T) {
	secret := "dev-secret"
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, server.Client(), Options{
		TokenSecret:   secret,
		TokenSubject:  "device-7",
		TokenAudience: "clinical-api",
	})
	if _, err := client.Do(context.Background(), &offline.Request{Method: http.MethodGet, URL: "/data"}); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(seen, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience("clinical-api"))
	if err != nil || !token.Valid {
		t.Fatalf("expected valid minted token, got err=%v", err)
	}
	if claims.Subject != "device-7" {
		t.Fatalf("expected subject device-7, got %q", claims.Subject)
	}
}

func TestClientFetchRequiresSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app.js" {
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = w.Write([]byte("console.log(1)"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient("http://upstream.invalid", server.Client(), Options{AssetBaseURL: server.URL})
	resp, err := client.Fetch(context.Background(), "/app.js")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Headers.Get("Content-Type") != "text/javascript" {
		t.Fatalf("unexpected content type %q", resp.Headers.Get("Content-Type"))
	}
	_, err = client.Fetch(context.Background(), "/missing.css")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	client := NewClient(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff of 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected backoff to be capped at 2s, got %s", got)
	}
}

func TestResolve(t *testing.T) {
	client := NewClient(Options{BaseURL: "https://api.example/v1/"})
	if got := client.Resolve("/data/a"); got != "https://api.example/v1/data/a" {
		t.Fatalf("unexpected resolved url %q", got)
	}
	if got := client.Resolve("https://other.example/x"); got != "https://other.example/x" {
		t.Fatalf("expected absolute url to pass through, got %q", got)
	}
}
