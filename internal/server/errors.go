package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sentineldf/sentineldf/internal/auth"
	"github.com/sentineldf/sentineldf/internal/pipeline"
)

// Error kinds returned in response bodies.
const (
	KindInvalidInput    = "invalid_input"
	KindUnauthenticated = "unauthenticated"
	KindForbidden       = "forbidden_or_inactive_key"
	KindPayloadTooLarge = "payload_too_large"
	KindQuotaExceeded   = "quota_exceeded"
	KindRateLimited     = "rate_limited"
	KindBusy            = "busy"
	KindInternal        = "internal"
)

// Error is the single wire-level error shape.
type Error struct {
	Kind       string        `json:"code"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// status maps the kind to its HTTP status code.
func (e *Error) status() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// asError converts any failure from the lower layers into a wire
// error. Unrecognized errors become opaque internals.
func asError(err error, requestID string) *Error {
	var vErr *pipeline.ValidationError
	if errors.As(err, &vErr) {
		return &Error{Kind: vErr.Kind, Detail: vErr.Detail}
	}

	var qErr *auth.QuotaExceededError
	if errors.As(err, &qErr) {
		return &Error{Kind: KindQuotaExceeded, Detail: qErr.Error(), RetryAfter: qErr.RetryAfter}
	}
	var rErr *auth.RateLimitedError
	if errors.As(err, &rErr) {
		return &Error{Kind: KindRateLimited, RetryAfter: rErr.RetryAfter}
	}

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return &Error{Kind: KindUnauthenticated}
	case errors.Is(err, auth.ErrForbidden):
		return &Error{Kind: KindForbidden}
	case errors.Is(err, pipeline.ErrBusy):
		return &Error{Kind: KindBusy, Detail: "scan capacity saturated, retry with backoff"}
	}

	return &Error{Kind: KindInternal, Detail: "correlation_id=" + requestID}
}

// writeError serializes a wire error, including Retry-After where the
// kind calls for it.
func writeError(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int64(math.Ceil(e.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status())
	json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
