package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/detect"
)

const redisKeyPrefix = "sdf"

// RedisTier is an optional hot tier in front of the durable store. It
// is best-effort: every failure degrades to a miss and the durable
// tier stays authoritative.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisTier connects the hot tier. The URL uses the standard
// redis:// scheme.
func NewRedisTier(url string, ttl time.Duration, logger *zap.Logger) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Hot cache tier connected",
		zap.String("redis_url", maskRedisURL(url)),
		zap.Duration("ttl", ttl))
	return &RedisTier{client: client, ttl: ttl, logger: logger}, nil
}

func embeddingKey(hash, modelID, modelVersion string) string {
	return fmt.Sprintf("%s:emb:%s:%s:%s", redisKeyPrefix, modelID, modelVersion, hash)
}

func heuristicKey(hash, detectorVersion string) string {
	return fmt.Sprintf("%s:heur:%s:%s", redisKeyPrefix, detectorVersion, hash)
}

// GetEmbedding returns a hot vector, or a miss on any error.
func (r *RedisTier) GetEmbedding(ctx context.Context, hash, modelID, modelVersion string) ([]float32, bool) {
	data, err := r.client.Get(ctx, embeddingKey(hash, modelID, modelVersion)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Debug("Hot tier embedding lookup failed", zap.Error(err))
		return nil, false
	}
	vec, err := decodeVector(data)
	if err != nil {
		r.client.Del(ctx, embeddingKey(hash, modelID, modelVersion))
		return nil, false
	}
	return vec, true
}

// SetEmbedding stores a vector with the configured TTL.
func (r *RedisTier) SetEmbedding(ctx context.Context, hash, modelID, modelVersion string, vector []float32) {
	key := embeddingKey(hash, modelID, modelVersion)
	if err := r.client.Set(ctx, key, encodeVector(vector), r.ttl).Err(); err != nil {
		r.logger.Debug("Hot tier embedding store failed", zap.Error(err))
	}
}

// GetHeuristic returns a hot heuristic signal, or a miss on any error.
func (r *RedisTier) GetHeuristic(ctx context.Context, hash, detectorVersion string) (detect.Signal, bool) {
	data, err := r.client.Get(ctx, heuristicKey(hash, detectorVersion)).Bytes()
	if err == redis.Nil {
		return detect.Signal{}, false
	}
	if err != nil {
		r.logger.Debug("Hot tier heuristic lookup failed", zap.Error(err))
		return detect.Signal{}, false
	}
	var sig detect.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		r.client.Del(ctx, heuristicKey(hash, detectorVersion))
		return detect.Signal{}, false
	}
	return sig, true
}

// SetHeuristic stores a heuristic signal with the configured TTL.
func (r *RedisTier) SetHeuristic(ctx context.Context, hash, detectorVersion string, sig detect.Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, heuristicKey(hash, detectorVersion), data, r.ttl).Err(); err != nil {
		r.logger.Debug("Hot tier heuristic store failed", zap.Error(err))
	}
}

// Clear removes all hot entries under the cache prefix.
func (r *RedisTier) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan hot tier keys: %w", err)
	}

	for i := 0; i < len(keys); i += 100 {
		end := i + 100
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete hot tier keys: %w", err)
		}
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}

// maskRedisURL masks credentials in a Redis URL for logging.
func maskRedisURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if colon := strings.LastIndex(url[:at], ":"); colon >= 0 {
			return url[:colon+1] + "***" + url[at:]
		}
	}
	return url
}
