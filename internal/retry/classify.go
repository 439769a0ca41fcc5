package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"pharmimport/internal/services"
)

// IsTransient reports whether err is worth retrying: anything tagged with
// services.ErrTransient or services.ErrTimeout, network timeouts, and dropped
// connections. Validation, conflict, and fatal markers are never transient,
// and neither is a cancelled context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, services.ErrValidation) || errors.Is(err, services.ErrConflict) ||
		errors.Is(err, services.ErrFatal) || errors.Is(err, services.ErrConfiguration) {
		return false
	}
	if services.IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status signals a transient
// condition: request timeout, rate limiting, or a server-side failure.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}
