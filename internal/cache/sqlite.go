package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sentineldf/sentineldf/internal/detect"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
	hash          TEXT NOT NULL,
	model_id      TEXT NOT NULL,
	model_version TEXT NOT NULL,
	vector        BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (hash, model_id, model_version)
);

CREATE TABLE IF NOT EXISTS heuristics (
	hash             TEXT NOT NULL,
	detector_version TEXT NOT NULL,
	signal           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (hash, detector_version)
);
`

// SQLiteStore is the durable cache tier. Entries are immutable and
// keyed by (content hash, detector or model identity); a schema
// version bump clears everything.
type SQLiteStore struct {
	db     *sqlx.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the durable store. A corrupt or
// schema-incompatible store is cleared and recreated rather than
// served partially.
func OpenSQLite(path string, schemaVersion int, logger *zap.Logger) (*SQLiteStore, error) {
	store, err := openAt(path, schemaVersion, logger)
	if err == nil {
		return store, nil
	}

	logger.Warn("Cache store unreadable, recreating",
		zap.String("path", path),
		zap.Error(err))
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("failed to remove corrupt cache store: %w", rmErr)
	}
	return openAt(path, schemaVersion, logger)
}

func openAt(path string, schemaVersion int, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path, logger: logger}
	if err := store.migrate(schemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Durable cache store opened",
		zap.String("path", path),
		zap.Int("schema_version", schemaVersion))
	return store, nil
}

// migrate creates the tables and clears everything when the stored
// schema version differs from the configured one.
func (s *SQLiteStore) migrate(schemaVersion int) error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}

	var stored string
	err := s.db.Get(&stored, `SELECT value FROM meta WHERE key = 'schema_version'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh store.
	case err != nil:
		return fmt.Errorf("failed to read cache schema version: %w", err)
	case stored != strconv.Itoa(schemaVersion):
		s.logger.Info("Cache schema version changed, clearing all entries",
			zap.String("stored", stored),
			zap.Int("configured", schemaVersion))
		if err := s.clearTables(); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(schemaVersion))
	if err != nil {
		return fmt.Errorf("failed to record cache schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) clearTables() error {
	for _, table := range []string{"embeddings", "heuristics"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear cache table %s: %w", table, err)
		}
	}
	return nil
}

// GetEmbedding looks up a cached vector. The bool result reports a hit.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, hash, modelID, modelVersion string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT vector FROM embeddings WHERE hash = $1 AND model_id = $2 AND model_version = $3`,
		hash, modelID, modelVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding lookup failed: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		// A partial entry is treated as a miss and removed.
		s.logger.Warn("Dropping corrupt embedding entry", zap.String("hash", hash), zap.Error(err))
		s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE hash = $1 AND model_id = $2 AND model_version = $3`,
			hash, modelID, modelVersion)
		return nil, false, nil
	}
	return vec, true, nil
}

// SetEmbedding stores a vector. Racing writers are idempotent because
// embeddings are deterministic for a given (hash, model) pair.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, hash, modelID, modelVersion string, vector []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (hash, model_id, model_version, vector, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash, model_id, model_version) DO UPDATE SET vector = excluded.vector`,
		hash, modelID, modelVersion, encodeVector(vector), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("embedding store failed: %w", err)
	}
	return nil
}

// GetHeuristic looks up a cached heuristic signal.
func (s *SQLiteStore) GetHeuristic(ctx context.Context, hash, detectorVersion string) (detect.Signal, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT signal FROM heuristics WHERE hash = $1 AND detector_version = $2`,
		hash, detectorVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return detect.Signal{}, false, nil
	}
	if err != nil {
		return detect.Signal{}, false, fmt.Errorf("heuristic lookup failed: %w", err)
	}

	var sig detect.Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		s.logger.Warn("Dropping corrupt heuristic entry", zap.String("hash", hash), zap.Error(err))
		s.db.ExecContext(ctx, `DELETE FROM heuristics WHERE hash = $1 AND detector_version = $2`,
			hash, detectorVersion)
		return detect.Signal{}, false, nil
	}
	return sig, true, nil
}

// SetHeuristic stores a heuristic signal.
func (s *SQLiteStore) SetHeuristic(ctx context.Context, hash, detectorVersion string, sig detect.Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode heuristic signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO heuristics (hash, detector_version, signal, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (hash, detector_version) DO UPDATE SET signal = excluded.signal`,
		hash, detectorVersion, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("heuristic store failed: %w", err)
	}
	return nil
}

// Vacuum removes entries that no longer match the active detector and
// model identity.
func (s *SQLiteStore) Vacuum(ctx context.Context, detectorVersion, modelID, modelVersion string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM heuristics WHERE detector_version != $1`, detectorVersion); err != nil {
		return fmt.Errorf("heuristic vacuum failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE model_id != $1 OR model_version != $2`, modelID, modelVersion); err != nil {
		return fmt.Errorf("embedding vacuum failed: %w", err)
	}
	return nil
}

// Clear removes all entries.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.clearTables()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
