package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/austindbirch/schedhook/internal/schedule"
)

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrSigning         = errors.New("signing error")
	ErrTransport       = errors.New("transport error")
	ErrServiceRejected = errors.New("request rejected by scheduler")
)

// ConfigurationError means the dispatcher cannot run in this environment:
// a required variable is unset or no region could be found.
type ConfigurationError struct {
	Key string // variable or setting that is missing
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error        { return e.Err }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// SigningError covers credential resolution and signature computation.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string        { return "signing: " + e.Err.Error() }
func (e *SigningError) Unwrap() error        { return e.Err }
func (e *SigningError) Is(target error) bool { return target == ErrSigning }

// TransportError is a failure to build or send the request; no response was read.
type TransportError struct {
	Op  string // "build" or "send"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ServiceRejection is any non-2xx response.
type ServiceRejection struct {
	Name       string
	StatusCode int
	Body       string
}

func (e *ServiceRejection) Error() string {
	return fmt.Sprintf("scheduler rejected %q: status %d: %s", e.Name, e.StatusCode, e.Body)
}

func (e *ServiceRejection) Is(target error) bool { return target == ErrServiceRejected }

// StatusCode returns the HTTP status carried by a ServiceRejection, or 0.
func StatusCode(err error) int {
	var rej *ServiceRejection
	if errors.As(err, &rej) {
		return rej.StatusCode
	}
	return 0
}

// Reason maps a dispatch error to a short label for metrics and DLQ envelopes.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var rej *ServiceRejection
	switch {
	case errors.As(err, &rej):
		return statusReason(rej.StatusCode)
	case errors.Is(err, schedule.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrConfiguration):
		return "config"
	case errors.Is(err, ErrSigning):
		return "signing"
	case errors.Is(err, ErrTransport):
		return transportReason(err)
	}
	return "other"
}

func statusReason(status int) string {
	switch {
	case status == 409:
		return "http_409"
	case status == 429:
		return "http_429"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}

func transportReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	// errors from custom transports rarely wrap the syscall errors
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns_error"
	}
	return "network"
}
