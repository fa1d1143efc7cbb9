// Package connectivity tracks whether the upstream server is reachable and
// notifies listeners when that changes.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

type State int32

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Options struct {
	// WebsocketURL, when set, keeps a liveness connection open. HealthURL is
	// polled otherwise.
	WebsocketURL      string
	HealthURL         string
	Interval          time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HTTPClient        *http.Client
	Header            http.Header
	Logger            *slog.Logger
}

type Listener func(ctx context.Context, state State)

type Monitor struct {
	opts      Options
	logger    *slog.Logger
	state     atomic.Int32
	mu        sync.Mutex
	listeners []Listener
}

func NewMonitor(opts Options) (*Monitor, error) {
	opts.WebsocketURL = strings.TrimSpace(opts.WebsocketURL)
	opts.HealthURL = strings.TrimSpace(opts.HealthURL)
	if opts.WebsocketURL == "" && opts.HealthURL == "" {
		return nil, errors.New("connectivity: a websocket or health URL is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = 30 * time.Second
		if opts.MaxReconnectDelay < opts.ReconnectDelay {
			opts.MaxReconnectDelay = opts.ReconnectDelay
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{opts: opts, logger: logger.With("component", "connectivity")}, nil
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// OnChange registers fn for every transition. Listeners run on the monitor
// goroutine.
func (m *Monitor) OnChange(fn Listener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) OnOnline(fn func(ctx context.Context)) {
	m.OnChange(func(ctx context.Context, state State) {
		if state == StateOnline {
			fn(ctx)
		}
	})
}

// Run watches connectivity until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.WebsocketURL != "" {
		m.runWebsocket(ctx)
	} else {
		m.runHealth(ctx)
	}
	return ctx.Err()
}

// Check probes the health URL once and records the result.
func (m *Monitor) Check(ctx context.Context) State {
	state := StateOffline
	if err := m.probe(ctx); err == nil {
		state = StateOnline
	} else {
		m.logger.Debug("health probe failed", "error", err)
	}
	m.set(ctx, state)
	return state
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.opts.HealthURL == "" {
		return errors.New("no health URL configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Interval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.HealthURL, nil)
	if err != nil {
		return err
	}
	for key, values := range m.opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check answered %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) runHealth(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) runWebsocket(ctx context.Context) {
	delay := m.opts.ReconnectDelay
	for {
		conn, _, err := websocket.Dial(ctx, m.opts.WebsocketURL, &websocket.DialOptions{
			HTTPClient: m.opts.HTTPClient,
			HTTPHeader: m.opts.Header,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("liveness dial failed", "error", err, "retry_in", delay)
			m.set(ctx, StateOffline)
			if !sleep(ctx, delay) {
				return
			}
			delay *= 2
			if delay > m.opts.MaxReconnectDelay {
				delay = m.opts.MaxReconnectDelay
			}
			continue
		}
		delay = m.opts.ReconnectDelay
		m.set(ctx, StateOnline)
		m.hold(ctx, conn)
		_ = conn.Close(websocket.StatusGoingAway, "")
		if ctx.Err() != nil {
			return
		}
		m.set(ctx, StateOffline)
	}
}

// hold pings conn until it breaks or ctx ends.
func (m *Monitor) hold(ctx context.Context, conn *websocket.Conn) {
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(readCtx, m.opts.Interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				m.logger.Debug("liveness ping failed", "error", err)
				return
			}
		}
	}
}

func (m *Monitor) set(ctx context.Context, next State) {
	previous := State(m.state.Swap(int32(next)))
	if previous == next {
		return
	}
	m.logger.Info("connectivity changed", "from", previous.String(), "to", next.String())
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, next)
	}
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
