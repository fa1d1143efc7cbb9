package offline

import "errors"

var (
	// ErrUnavailable marks a request that could not reach the server.
	ErrUnavailable = errors.New("network unavailable")
	// ErrNoCachedResponse is returned for an unreachable GET with nothing cached.
	ErrNoCachedResponse = errors.New("no cached response")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotInstalled     = errors.New("static assets not installed")
	ErrReplayInProgress = errors.New("replay already in progress")
)
