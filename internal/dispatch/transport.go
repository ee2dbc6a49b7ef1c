package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/tracing"
)

// maxResponseBody caps how much of an error response is kept for logs and DLQ envelopes.
const maxResponseBody = 64 << 10

// toHTTPRequest is the only place a CanonicalRequest becomes an *http.Request.
func toHTTPRequest(ctx context.Context, cr CanonicalRequest) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, cr.Method, cr.URI.String(), bytes.NewReader(cr.Body))
	if err != nil {
		return nil, &TransportError{Op: "build", URL: cr.URI.String(), Err: err}
	}
	u := *cr.URI
	req.URL = &u
	req.Host = u.Host
	req.Header = cr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	return req, nil
}

// newHTTPClient builds the client for a single dispatch. A zero timeout leaves
// cancellation to ctx.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: tracing.HTTPTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// send performs exactly one round trip and returns the status and a bounded body.
func send(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: "send", URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// the body is diagnostic only; a 2xx status already means the schedule exists
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp.StatusCode, nil, nil
		}
		return resp.StatusCode, nil, &TransportError{Op: "read", URL: req.URL.String(), Err: err}
	}
	return resp.StatusCode, body, nil
}

// classify maps a response status to a result. Every non-2xx status is a rejection.
func classify(name string, status int, body []byte) (schedule.Result, error) {
	if status >= 200 && status <= 299 {
		return schedule.Result{PK: name, Status: schedule.StatusScheduled}, nil
	}
	return schedule.Result{PK: name, Status: schedule.StatusFailed},
		&ServiceRejection{Name: name, StatusCode: status, Body: string(body)}
}
