package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks a request rejected before any I/O.
	ErrValidation = errors.New("invalid query")

	// ErrUpstreamClient marks a non-retryable 4xx response (429 excluded).
	ErrUpstreamClient = errors.New("upstream rejected request")

	// ErrUpstreamRateLimited marks a 429 response.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamServer marks a 5xx response or a transport failure.
	ErrUpstreamServer = errors.New("upstream server error")

	// ErrUpstreamUnavailable is terminal: retries were exhausted or the
	// circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("upstream temporarily unavailable: narrow the query or retry later")

	// ErrStore marks a failed cache read or write.
	ErrStore = errors.New("cache store failure")

	// ErrFullRefreshRequired is returned by top-off when the gap since the
	// latest known event is too large for a single request.
	ErrFullRefreshRequired = errors.New("full refresh required")

	// ErrBusy rejects a top-level operation while another one runs.
	ErrBusy = errors.New("another fetch is in progress")

	// ErrResultCapReached marks a response that hit the per-request result
	// limit and may be truncated. Repeating the same request cannot help.
	ErrResultCapReached = errors.New("upstream result cap reached")
)

// UpstreamError carries the HTTP status of a failed upstream call. Unwrap
// exposes the category sentinel so callers can use errors.Is.
type UpstreamError struct {
	StatusCode int
	Body       string
	Category   error
}

// NewUpstreamError categorizes a non-success HTTP status.
func NewUpstreamError(status int, body string) *UpstreamError {
	return &UpstreamError{StatusCode: status, Body: body, Category: ClassifyStatus(status)}
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: %s", e.Category, e.Body)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Category, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Category
}

// Retryable reports whether the call may succeed if repeated.
func (e *UpstreamError) Retryable() bool {
	return IsRetryable(e)
}

// ClassifyStatus maps an HTTP status to its error category.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrUpstreamRateLimited
	case status >= 500:
		return ErrUpstreamServer
	default:
		return ErrUpstreamClient
	}
}

// IsRetryable reports whether err is a 429, a 5xx or a transport failure.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return false
	}
	return errors.Is(err, ErrUpstreamRateLimited) || errors.Is(err, ErrUpstreamServer)
}

// Validationf returns an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
