package relaycache

import "errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
	ErrLocked         = errors.New("storage directory locked")
	ErrDropped        = errors.New("cache dropped")
)
