package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TimeoutError reports that no response arrived within the request timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch %s: no response within %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError reports a connection-level failure (refused, reset, DNS).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError reports a non-2xx response status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// BodyError reports a response body that could not be read in full, for
// example one exceeding the configured size cap.
type BodyError struct {
	URL string
	Err error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("read body of %s: %v", e.URL, e.Err)
}

func (e *BodyError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
