package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound reports a missing user or key.
var ErrNotFound = errors.New("identity record not found")

// Schema uses portable SQL so the production Postgres store and the
// in-memory test store share one migration path. Readers tolerate
// unknown columns; additions are append-only.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	identity_key      TEXT NOT NULL UNIQUE,
	email             TEXT NOT NULL,
	monthly_quota     INTEGER NOT NULL,
	subscription_tier TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_records (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	api_key_id        TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	timestamp         TIMESTAMP NOT NULL,
	documents_scanned INTEGER NOT NULL,
	tokens_used       INTEGER NOT NULL,
	cost_cents        INTEGER NOT NULL,
	response_time_ms  INTEGER NOT NULL,
	status_code       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records (user_id, timestamp);
`

// Store handles identity and usage persistence.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the configured Postgres database and runs
// migrations.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to identity database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Identity store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return store, nil
}

// NewStore wraps an existing connection and runs migrations. Tests use
// this with an in-memory database.
func NewStore(db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("identity database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("identity migration failed: %w", err)
	}
	return nil
}

// GetOrCreateUser resolves a user by external identity key, creating
// the account on first contact.
func (s *Store) GetOrCreateUser(ctx context.Context, identityKey, email, tier string, monthlyQuota int) (*User, error) {
	user, err := s.GetUserByIdentity(ctx, identityKey)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if tier == "" {
		tier = TierFree
	}
	if monthlyQuota <= 0 {
		monthlyQuota = DefaultMonthlyQuota
	}
	user = &User{
		ID:               uuid.NewString(),
		IdentityKey:      identityKey,
		Email:            email,
		MonthlyQuota:     monthlyQuota,
		SubscriptionTier: tier,
		CreatedAt:        time.Now().UTC(),
	}

	query := s.db.Rebind(`INSERT INTO users (id, identity_key, email, monthly_quota, subscription_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		user.ID, user.IdentityKey, user.Email, user.MonthlyQuota, user.SubscriptionTier, user.CreatedAt); err != nil {
		// A concurrent first contact may have won the insert.
		if existing, getErr := s.GetUserByIdentity(ctx, identityKey); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	query := s.db.Rebind(`SELECT * FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return &user, nil
}

// GetUserByIdentity fetches a user by external identity key.
func (s *Store) GetUserByIdentity(ctx context.Context, identityKey string) (*User, error) {
	var user User
	query := s.db.Rebind(`SELECT * FROM users WHERE identity_key = ?`)
	if err := s.db.GetContext(ctx, &user, query, identityKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return &user, nil
}

// CreateAPIKey persists a new hashed key record.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	query := s.db.Rebind(`INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.Name, key.IsActive, key.CreatedAt); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash resolves a key by its SHA-256 digest.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var key APIKey
	query := s.db.Rebind(`SELECT * FROM api_keys WHERE key_hash = ?`)
	if err := s.db.GetContext(ctx, &key, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}
	return &key, nil
}

// GetAPIKey resolves a key by id.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var key APIKey
	query := s.db.Rebind(`SELECT * FROM api_keys WHERE id = ?`)
	if err := s.db.GetContext(ctx, &key, query, keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all keys owned by a user, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	var keys []APIKey
	query := s.db.Rebind(`SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &keys, query, userID); err != nil {
		return nil, fmt.Errorf("api key listing failed: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey deactivates a key. The key must belong to the user.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID, userID string) error {
	query := s.db.Rebind(`UPDATE api_keys SET is_active = ? WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query, false, keyID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey updates last_used_at. Best effort; callers ignore the
// error beyond logging.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	query := s.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), keyID); err != nil {
		return fmt.Errorf("failed to update key last_used_at: %w", err)
	}
	return nil
}

// InsertUsage appends metering rows in one statement.
func (s *Store) InsertUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*10)
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, r.ID, r.UserID, r.APIKeyID, r.Endpoint, r.Timestamp,
			r.DocumentsScanned, r.TokensUsed, r.CostCents, r.ResponseTimeMs, r.StatusCode)
	}

	query := s.db.Rebind(`INSERT INTO usage_records
		(id, user_id, api_key_id, endpoint, timestamp, documents_scanned, tokens_used, cost_cents, response_time_ms, status_code)
		VALUES ` + strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("usage insert failed: %w", err)
	}
	return nil
}

// MonthlyUsage aggregates a user's metering rows over the UTC month
// containing now.
func (s *Store) MonthlyUsage(ctx context.Context, userID string, now time.Time) (*UsageSummary, error) {
	start, end := MonthWindow(now)

	var sum UsageSummary
	query := s.db.Rebind(`SELECT
			COALESCE(SUM(documents_scanned), 0) AS documents_scanned,
			COALESCE(SUM(tokens_used), 0)       AS tokens_used,
			COALESCE(SUM(cost_cents), 0)        AS cost_cents,
			COUNT(*)                            AS requests
		FROM usage_records
		WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`)
	if err := s.db.GetContext(ctx, &sum, query, userID, start, end); err != nil {
		return nil, fmt.Errorf("monthly usage aggregation failed: %w", err)
	}
	return &sum, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// maskDatabaseURL hides credentials in a connection URL for logging.
func maskDatabaseURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if colon := strings.LastIndex(url[:at], ":"); colon >= 0 {
			return url[:colon+1] + "***" + url[at:]
		}
	}
	return url
}
