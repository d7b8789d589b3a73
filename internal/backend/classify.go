package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// APIError is a non-200 response from the backend.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying later: rate
// limiting, server-side failures, timeouts, and connection-level
// errors. Permanent errors (bad request, auth failure, malformed
// output) return false and should fail the task immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status == http.StatusRequestTimeout ||
			apiErr.Status >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.EPIPE:
			return true
		}
	}

	// Dial and read failures surface as *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
