package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// ErrTransient marks a failure worth retrying. Sources wrap it with
// fmt.Errorf("%w: ...", ErrTransient).
var ErrTransient = errors.New("transient failure")

// AuthError is fatal for the stream and never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError is returned once a failure is not retryable or the retry
// budget is spent.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError is transient. RetryAfter, when set, is a lower bound for the
// next attempt and is applied to the shared Limiter.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports timeouts, rate limits and connection resets.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) || errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
