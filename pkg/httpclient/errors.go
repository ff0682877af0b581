package httpclient

import (
	"fmt"
	"time"
)

// RetryableError is returned once a request exhausts its retry budget,
// wrapping the last underlying error or status.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable always reports true: Do only constructs a RetryableError for
// a status its retry strategy classifies as retryable.
func (e *RetryableError) IsRetryable() bool {
	return true
}
