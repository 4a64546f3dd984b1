package identity

import "time"

// Subscription tiers known to the quota and rate-limit layers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// DefaultMonthlyQuota applies to users created without an explicit
// quota.
const DefaultMonthlyQuota = 500

// User is a tenant account. The identity key comes from the external
// auth provider and is stable across sessions.
type User struct {
	ID               string    `db:"id" json:"id"`
	IdentityKey      string    `db:"identity_key" json:"identity_key"`
	Email            string    `db:"email" json:"email"`
	MonthlyQuota     int       `db:"monthly_quota" json:"monthly_quota"`
	SubscriptionTier string    `db:"subscription_tier" json:"subscription_tier"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// APIKey is a hashed credential. The plaintext is shown once at
// creation and never stored.
type APIKey struct {
	ID         string     `db:"id" json:"id"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"key_prefix"`
	UserID     string     `db:"user_id" json:"user_id"`
	Name       string     `db:"name" json:"name"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// UsageRecord is one append-only metering row.
type UsageRecord struct {
	ID               string    `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	APIKeyID         string    `db:"api_key_id" json:"api_key_id"`
	Endpoint         string    `db:"endpoint" json:"endpoint"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	DocumentsScanned int       `db:"documents_scanned" json:"documents_scanned"`
	TokensUsed       int       `db:"tokens_used" json:"tokens_used"`
	CostCents        int       `db:"cost_cents" json:"cost_cents"`
	ResponseTimeMs   int       `db:"response_time_ms" json:"response_time_ms"`
	StatusCode       int       `db:"status_code" json:"status_code"`
}

// UsageSummary is a server-side monthly aggregation.
type UsageSummary struct {
	DocumentsScanned int64 `db:"documents_scanned" json:"documents_scanned"`
	TokensUsed       int64 `db:"tokens_used" json:"tokens_used"`
	CostCents        int64 `db:"cost_cents" json:"cost_cents"`
	Requests         int64 `db:"requests" json:"requests"`
}

// Config contains identity store configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// MonthWindow returns the UTC month containing t as a half-open
// interval.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
