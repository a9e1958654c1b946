package meshy

import (
	"fmt"
	"strings"
	"time"
)

// RateLimitedError reports an HTTP 429. RetryAfter is zero when the server did
// not send a usable hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("meshy: rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("meshy: rate limited: %s", e.Message)
}

// ServerError reports a 5xx response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("meshy: server error: http %d: %s", e.StatusCode, e.Message)
}

// RequestFailedError reports a non-retryable non-2xx response.
type RequestFailedError struct {
	StatusCode int
	Message    string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("meshy: request failed: http %d: %s", e.StatusCode, e.Message)
}

// NetworkTimeoutError wraps a transport-level timeout.
type NetworkTimeoutError struct {
	Err error
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("meshy: network timeout: %v", e.Err)
}

func (e *NetworkTimeoutError) Unwrap() error { return e.Err }

// RetriesExhaustedError is returned once every attempt failed with a retryable
// error. Last holds the final cause.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("meshy: failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func retryable(err error) bool {
	switch err.(type) {
	case *RateLimitedError, *ServerError, *NetworkTimeoutError:
		return true
	default:
		return false
	}
}

func summarizeBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "<empty>"
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	const limit = 200
	if runes := []rune(clean); len(runes) > limit {
		clean = string(runes[:limit]) + "..."
	}
	return clean
}
