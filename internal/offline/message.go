package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the router hands back and what the dynamic store keeps
// per URL.
type Response struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
}

// Network performs the real request. Any returned error is treated as the
// network being unreachable.
type Network interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Source records where a routed response came from.
type Source string

const (
	SourceStatic  Source = "static"
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceQueued  Source = "queued"
	SourceLocal   Source = "local"
)

type Result struct {
	Response *Response
	Source   Source
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Body:       cloneBytes(r.Body),
	}
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	return out
}

func (r *Response) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

func (r *Request) clone() *Request {
	out := &Request{
		Method: strings.ToUpper(strings.TrimSpace(r.Method)),
		URL:    strings.TrimSpace(r.URL),
		Body:   cloneBytes(r.Body),
		Header: http.Header{},
	}
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	return out
}

func encodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	return &resp, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
