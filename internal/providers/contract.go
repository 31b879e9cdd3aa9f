package providers

import (
	"fmt"
	"strconv"
)

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that ClassifyError can inspect.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value expressed in
// seconds. Non-numeric or empty values leave RetryAfterSecs at zero; this
// package does not attempt the HTTP-date form of Retry-After since no
// provider in the fleet emits it.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return
	}
	e.RetryAfterSecs = secs
}

// retryableStatusCodes are the HTTP statuses the Executor treats as
// transient: safe to retry against the next fallback model.
var retryableStatusCodes = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Retryable reports whether this status error is a transient failure the
// Executor should retry via the fallback chain rather than surface directly.
func (e *StatusError) Retryable() bool {
	return retryableStatusCodes[e.StatusCode]
}
