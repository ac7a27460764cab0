package scanning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrUpstreamUnavailable means the vision service could not be reached
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout means no response arrived within the configured bound
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamError means the vision service answered with a failure
	ErrUpstreamError = errors.New("upstream error")
)

// StatusError is returned for a non-success response from the vision service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// wrap tags err with one of the upstream error kinds
func wrap(kind error, operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// classifyTransportError maps an error from sending a request (before any
// response was read) to ErrUpstreamTimeout or ErrUpstreamUnavailable.
func classifyTransportError(operation string, err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamError) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrUpstreamTimeout, operation, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(ErrUpstreamTimeout, operation, err)
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.Is(err, context.Canceled) {
		return wrap(ErrUpstreamUnavailable, operation, err)
	}
	return wrap(ErrUpstreamError, operation, err)
}
