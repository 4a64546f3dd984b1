package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/identity"
)

// Identity is the resolved caller attached to authenticated requests.
type Identity struct {
	User *identity.User
	Key  *identity.APIKey
}

// Authenticator verifies bearer keys against the identity store and
// enforces rate limits and monthly quotas.
type Authenticator struct {
	store   *identity.Store
	limiter *Limiter
	logger  *zap.Logger
}

// New creates an authenticator.
func New(store *identity.Store, limiter *Limiter, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, limiter: limiter, logger: logger}
}

// Authenticate resolves an Authorization header value to an identity.
// It does not consume rate or quota; call Admit for that.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	token, ok := bearerToken(authorization)
	if !ok || !ValidFormat(token) {
		return nil, ErrUnauthenticated
	}

	digest := HashKey(token)
	key, err := a.store.GetAPIKeyByHash(ctx, digest)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	// The unique index already matched the digest; the constant-time
	// comparison guards against lookup-layer substitution.
	if !DigestEqual(digest, key.KeyHash) {
		return nil, ErrUnauthenticated
	}
	if !key.IsActive {
		return nil, ErrForbidden
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	// Fire and forget; a failed touch never blocks the request.
	go func(keyID string) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKey(touchCtx, keyID); err != nil {
			a.logger.Debug("Failed to update key last_used_at", zap.Error(err))
		}
	}(key.ID)

	return &Identity{User: user, Key: key}, nil
}

// Admit applies the rate limit then the monthly quota for a request
// that will scan docCount documents. Rate-limit denials happen before
// the quota read so they never touch the store.
func (a *Authenticator) Admit(ctx context.Context, id *Identity, docCount int) error {
	if err := a.limiter.Allow(id.Key.ID, id.User.SubscriptionTier); err != nil {
		return err
	}

	usage, err := a.store.MonthlyUsage(ctx, id.User.ID, time.Now())
	if err != nil {
		return err
	}
	if usage.DocumentsScanned+int64(docCount) > int64(id.User.MonthlyQuota) {
		return &QuotaExceededError{
			Used:       usage.DocumentsScanned,
			Quota:      id.User.MonthlyQuota,
			RetryAfter: untilNextMonth(time.Now()),
		}
	}
	return nil
}

// Recheck re-reads the key's active flag after detection has run. A
// key revoked mid-batch invalidates the finished work. This is a store
// read, not a second authentication; detectors themselves never call
// back into auth.
func (a *Authenticator) Recheck(ctx context.Context, id *Identity) error {
	key, err := a.store.GetAPIKey(ctx, id.Key.ID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return ErrForbidden
		}
		// Store trouble must not invalidate completed work.
		a.logger.Warn("Key recheck unavailable", zap.Error(err))
		return nil
	}
	if !key.IsActive {
		return ErrForbidden
	}
	return nil
}

// bearerToken extracts the token from an Authorization header. Only
// the Bearer scheme is accepted.
func bearerToken(header string) (string, bool) {
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(header[len(scheme):]), true
}

// untilNextMonth returns the duration to the first instant of the next
// UTC month.
func untilNextMonth(now time.Time) time.Duration {
	_, end := identity.MonthWindow(now)
	d := end.Sub(now.UTC())
	if d < 0 {
		d = 0
	}
	return d
}
