package config

import (
	"runtime"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Detector  DetectorConfig  `yaml:"detector" mapstructure:"detector"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Fusion    FusionConfig    `yaml:"fusion" mapstructure:"fusion"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Identity  IdentityConfig  `yaml:"identity" mapstructure:"identity"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Usage     UsageConfig     `yaml:"usage" mapstructure:"usage"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// DetectorConfig contains heuristic detector configuration
type DetectorConfig struct {
	// Version participates in heuristic cache keys. Any change to the
	// pattern tables or scoring constants must bump it.
	Version          string   `yaml:"version" mapstructure:"version"`
	BracketAllowlist []string `yaml:"bracket_allowlist" mapstructure:"bracket_allowlist"`
}

// EmbeddingConfig contains embedding detector configuration
type EmbeddingConfig struct {
	ModelID      string        `yaml:"model_id" mapstructure:"model_id"`
	ModelVersion string        `yaml:"model_version" mapstructure:"model_version"`
	BaselinePath string        `yaml:"baseline_path" mapstructure:"baseline_path"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchLatency time.Duration `yaml:"batch_latency" mapstructure:"batch_latency"`
	ModelPath    string        `yaml:"model_path" mapstructure:"model_path"`
	VocabPath    string        `yaml:"vocab_path" mapstructure:"vocab_path"`
	MaxLength    int           `yaml:"max_length" mapstructure:"max_length"`
}

// FusionConfig contains signal fusion and calibration configuration
type FusionConfig struct {
	QuarantineThreshold int     `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	HeuristicWeight     float64 `yaml:"heuristic_weight" mapstructure:"heuristic_weight"`
	EmbeddingWeight     float64 `yaml:"embedding_weight" mapstructure:"embedding_weight"`
	UnicodeWeight       float64 `yaml:"unicode_weight" mapstructure:"unicode_weight"`
}

// CacheConfig contains persistent cache configuration
type CacheConfig struct {
	Path          string        `yaml:"path" mapstructure:"path"`
	SchemaVersion int           `yaml:"schema_version" mapstructure:"schema_version"`
	RedisURL      string        `yaml:"redis_url" mapstructure:"redis_url"`
	RedisTTL      time.Duration `yaml:"redis_ttl" mapstructure:"redis_ttl"`
}

// PipelineConfig contains batch pipeline configuration
type PipelineConfig struct {
	WorkerPoolSize    int `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	MaxDocsPerRequest int `yaml:"max_docs_per_request" mapstructure:"max_docs_per_request"`
	MaxDocBytes       int `yaml:"max_doc_bytes" mapstructure:"max_doc_bytes"`
	MaxPendingBatches int `yaml:"max_pending_batches" mapstructure:"max_pending_batches"`
}

// IdentityConfig contains identity and usage store configuration
type IdentityConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret" mapstructure:"hmac_secret"`
	SecretID   string `yaml:"secret_id" mapstructure:"secret_id"`
}

// RateLimitConfig contains per-key token bucket overrides. Zero values
// fall back to the built-in subscription-tier defaults.
type RateLimitConfig struct {
	BucketCapacity int     `yaml:"bucket_capacity" mapstructure:"bucket_capacity"`
	RefillPerSec   float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
}

// UsageConfig contains usage recorder configuration
type UsageConfig struct {
	BufferCapacity int `yaml:"buffer_capacity" mapstructure:"buffer_capacity"`
}

// EventsConfig contains websocket event hub configuration
type EventsConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	Path           string `yaml:"path" mapstructure:"path"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Detector: DetectorConfig{
			Version:          "h1",
			BracketAllowlist: []string{"ICD10", "CPT", "SNOMED", "LOINC", "HCPCS"},
		},
		Embedding: EmbeddingConfig{
			ModelID:      "sdf-hash-embed",
			ModelVersion: "1",
			BaselinePath: "models/baseline.json",
			BatchSize:    128,
			BatchLatency: 50 * time.Millisecond,
			MaxLength:    512,
		},
		Fusion: FusionConfig{
			QuarantineThreshold: 70,
			HeuristicWeight:     0.4,
			EmbeddingWeight:     0.6,
			UnicodeWeight:       0.0,
		},
		Cache: CacheConfig{
			Path:          "data/sentineldf.cache",
			SchemaVersion: 1,
			RedisTTL:      6 * time.Hour,
		},
		Pipeline: PipelineConfig{
			WorkerPoolSize:    runtime.GOMAXPROCS(0),
			MaxDocsPerRequest: 1000,
			MaxDocBytes:       20000,
		},
		Identity: IdentityConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Usage: UsageConfig{
			BufferCapacity: 1024,
		},
		Events: EventsConfig{
			Enabled:        true,
			Path:           "/ws",
			MaxConnections: 100,
		},
	}
	cfg.Pipeline.MaxPendingBatches = cfg.Pipeline.WorkerPoolSize * 2
	return cfg
}
