package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated covers absent, malformed or unknown credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden covers revoked keys.
	ErrForbidden = errors.New("forbidden_or_inactive_key")
)

// QuotaExceededError reports a monthly quota rejection. RetryAfter is
// at least the time to the first of the next UTC month.
type QuotaExceededError struct {
	Used       int64
	Quota      int
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %d of %d documents used this month", e.Used, e.Quota)
}

// RateLimitedError reports an empty token bucket. RetryAfter is at
// least the time until the bucket refills enough for one request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate_limited"
}
