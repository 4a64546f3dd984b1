package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/detect"
)

// Cache layers the optional Redis hot tier over the durable SQLite
// store. Hit accounting happens here so both tiers count once per
// logical lookup.
type Cache struct {
	durable *SQLiteStore
	hot     *RedisTier
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open builds the cache from configuration. The hot tier is attached
// only when a Redis URL is configured and reachable; failure to
// connect degrades to durable-only with a warning.
func Open(cfg Config, logger *zap.Logger) (*Cache, error) {
	durable, err := OpenSQLite(cfg.Path, cfg.SchemaVersion, logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{durable: durable, logger: logger}
	if cfg.RedisURL != "" {
		hot, err := NewRedisTier(cfg.RedisURL, cfg.RedisTTL, logger)
		if err != nil {
			logger.Warn("Hot cache tier unavailable, continuing durable-only", zap.Error(err))
		} else {
			c.hot = hot
		}
	}
	return c, nil
}

// NewTiered wires explicit tiers; the hot tier may be nil.
func NewTiered(durable *SQLiteStore, hot *RedisTier, logger *zap.Logger) *Cache {
	return &Cache{durable: durable, hot: hot, logger: logger}
}

// GetEmbedding probes hot then durable. Durable hits backfill the hot
// tier.
func (c *Cache) GetEmbedding(ctx context.Context, hash, modelID, modelVersion string) ([]float32, bool, error) {
	if c.hot != nil {
		if vec, ok := c.hot.GetEmbedding(ctx, hash, modelID, modelVersion); ok {
			c.hits.Add(1)
			return vec, true, nil
		}
	}
	vec, ok, err := c.durable.GetEmbedding(ctx, hash, modelID, modelVersion)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	if c.hot != nil {
		c.hot.SetEmbedding(ctx, hash, modelID, modelVersion, vec)
	}
	return vec, true, nil
}

// SetEmbedding writes through both tiers.
func (c *Cache) SetEmbedding(ctx context.Context, hash, modelID, modelVersion string, vector []float32) error {
	if err := c.durable.SetEmbedding(ctx, hash, modelID, modelVersion, vector); err != nil {
		return err
	}
	if c.hot != nil {
		c.hot.SetEmbedding(ctx, hash, modelID, modelVersion, vector)
	}
	return nil
}

// GetHeuristic probes hot then durable.
func (c *Cache) GetHeuristic(ctx context.Context, hash, detectorVersion string) (detect.Signal, bool, error) {
	if c.hot != nil {
		if sig, ok := c.hot.GetHeuristic(ctx, hash, detectorVersion); ok {
			c.hits.Add(1)
			return sig, true, nil
		}
	}
	sig, ok, err := c.durable.GetHeuristic(ctx, hash, detectorVersion)
	if err != nil {
		return detect.Signal{}, false, err
	}
	if !ok {
		c.misses.Add(1)
		return detect.Signal{}, false, nil
	}
	c.hits.Add(1)
	if c.hot != nil {
		c.hot.SetHeuristic(ctx, hash, detectorVersion, sig)
	}
	return sig, true, nil
}

// SetHeuristic writes through both tiers.
func (c *Cache) SetHeuristic(ctx context.Context, hash, detectorVersion string, sig detect.Signal) error {
	if err := c.durable.SetHeuristic(ctx, hash, detectorVersion, sig); err != nil {
		return err
	}
	if c.hot != nil {
		c.hot.SetHeuristic(ctx, hash, detectorVersion, sig)
	}
	return nil
}

// Stats reports lookup counters since process start.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Vacuum removes entries for retired detector and model versions.
func (c *Cache) Vacuum(ctx context.Context, detectorVersion, modelID, modelVersion string) error {
	return c.durable.Vacuum(ctx, detectorVersion, modelID, modelVersion)
}

// Clear removes every entry from both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	if c.hot != nil {
		if err := c.hot.Clear(ctx); err != nil {
			c.logger.Warn("Hot tier clear failed", zap.Error(err))
		}
	}
	return c.durable.Clear(ctx)
}

// Close releases both tiers.
func (c *Cache) Close() error {
	if c.hot != nil {
		c.hot.Close()
	}
	return c.durable.Close()
}
