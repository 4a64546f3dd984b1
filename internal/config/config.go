package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/sentineldf/")
	viper.AddConfigPath("$HOME/.sentineldf/")

	// Environment variable overrides
	viper.SetEnvPrefix("SENTINELDF")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.UnmarshalExact(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required")
	}

	if config.Detector.Version == "" {
		return fmt.Errorf("detector.version must not be empty")
	}

	if config.Fusion.QuarantineThreshold < 0 || config.Fusion.QuarantineThreshold > 100 {
		return fmt.Errorf("invalid quarantine threshold: %d (must be in [0,100])", config.Fusion.QuarantineThreshold)
	}

	sum := config.Fusion.HeuristicWeight + config.Fusion.EmbeddingWeight + config.Fusion.UnicodeWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %g", sum)
	}
	if config.Fusion.HeuristicWeight < 0 || config.Fusion.EmbeddingWeight < 0 || config.Fusion.UnicodeWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}

	if config.Pipeline.MaxDocsPerRequest <= 0 {
		return fmt.Errorf("pipeline.max_docs_per_request must be positive")
	}
	if config.Pipeline.MaxDocBytes <= 0 {
		return fmt.Errorf("pipeline.max_doc_bytes must be positive")
	}
	if config.Pipeline.WorkerPoolSize <= 0 {
		return fmt.Errorf("pipeline.worker_pool_size must be positive")
	}

	if config.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if config.Embedding.BatchLatency <= 0 {
		return fmt.Errorf("embedding.batch_latency must be positive")
	}

	if config.Cache.SchemaVersion <= 0 {
		return fmt.Errorf("cache.schema_version must be positive")
	}

	if config.Usage.BufferCapacity <= 0 {
		return fmt.Errorf("usage.buffer_capacity must be positive")
	}

	return nil
}

// Watch starts watching the configuration file for changes. Only tunables
// that are safe to change at runtime should be consumed from the callback;
// version identifiers and store paths require a restart.
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := reload()
		if err != nil {
			return
		}
		callback(newConfig)
	})

	return nil
}

// reload re-decodes the watched file under the same strictness as Load:
// unknown keys and invalid values reject the whole reload.
func reload() (*Config, error) {
	config := GetDefaults()
	if err := viper.UnmarshalExact(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
