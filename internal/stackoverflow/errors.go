package stackoverflow

import (
	"fmt"
	"time"
)

// The client collapses every failure into one of four shapes so callers
// never branch on transport details:
//
//   - RateLimitedError: the API told us to back off; do not call again for
//     this credential before RetryAfter elapses.
//   - UnavailableError: network failure or 5xx; retryable with backoff.
//   - MalformedError: the payload did not match the expected shape; the
//     cycle proceeds with zero items and must never poison the caller.
//   - APIError: a definitive API-level rejection (bad token, bad request);
//     not retryable, the account configuration needs attention.

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by upstream (retry after %s)", e.RetryAfter)
}

type UnavailableError struct {
	Status int // 0 when the request never completed
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream unavailable (status %d)", e.Status)
	}
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed upstream payload: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// APIError is the structured error wrapper of the Stack Exchange API.
type APIError struct {
	ID      int    `json:"error_id"`
	Name    string `json:"error_name"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.ID, e.Name, e.Message)
}

// Error ids the client special-cases. See the API's /errors listing.
const (
	apiErrThrottleViolation      = 502
	apiErrInternalError          = 500
	apiErrTemporarilyUnavailable = 503
)
