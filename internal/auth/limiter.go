package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentineldf/sentineldf/internal/identity"
)

// tierLimit is a token bucket parameterization.
type tierLimit struct {
	capacity int
	refill   rate.Limit
}

// Built-in bucket sizes per subscription tier.
var tierLimits = map[string]tierLimit{
	identity.TierFree:       {capacity: 10, refill: 0.2},
	identity.TierPro:        {capacity: 60, refill: 2},
	identity.TierEnterprise: {capacity: 600, refill: 20},
}

// LimiterConfig overrides the tier defaults when non-zero.
type LimiterConfig struct {
	BucketCapacity int     `yaml:"bucket_capacity" mapstructure:"bucket_capacity"`
	RefillPerSec   float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
}

// Limiter holds one token bucket per API key id. Buckets are keyed on
// the key, not the user, so one noisy key cannot starve its siblings.
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates the per-key bucket registry.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the key's bucket. On denial it returns
// a RateLimitedError carrying the refill wait.
func (l *Limiter) Allow(keyID, tier string) error {
	bucket := l.bucket(keyID, tier)
	if bucket.Allow() {
		return nil
	}

	// Reserve without committing to learn the wait time.
	res := bucket.Reserve()
	wait := res.Delay()
	res.Cancel()
	if wait < time.Second {
		wait = time.Second
	}
	return &RateLimitedError{RetryAfter: wait}
}

func (l *Limiter) bucket(keyID, tier string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[keyID]; ok {
		return b
	}

	limit, ok := tierLimits[tier]
	if !ok {
		limit = tierLimits[identity.TierFree]
	}
	if l.cfg.BucketCapacity > 0 {
		limit.capacity = l.cfg.BucketCapacity
	}
	if l.cfg.RefillPerSec > 0 {
		limit.refill = rate.Limit(l.cfg.RefillPerSec)
	}

	b := rate.NewLimiter(limit.refill, limit.capacity)
	l.buckets[keyID] = b
	return b
}
