package offline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Transport adapts a Router to http.RoundTripper so an http.Client can be
// pointed at it directly.
type Transport struct {
	Router *Router
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = data
	}
	resp, err := t.Router.Handle(req.Context(), &Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(req, resp), nil
}

func toHTTPResponse(req *http.Request, resp *Response) *http.Response {
	header := http.Header{}
	if resp.Headers != nil {
		header = resp.Headers.Clone()
	}
	statusText := resp.StatusText
	if statusText == "" {
		statusText = http.StatusText(resp.Status)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, statusText),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
}
