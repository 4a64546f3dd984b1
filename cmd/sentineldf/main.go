package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/anomaly"
	"github.com/sentineldf/sentineldf/internal/auth"
	"github.com/sentineldf/sentineldf/internal/cache"
	"github.com/sentineldf/sentineldf/internal/config"
	"github.com/sentineldf/sentineldf/internal/detect"
	"github.com/sentineldf/sentineldf/internal/embeddings"
	"github.com/sentineldf/sentineldf/internal/events"
	"github.com/sentineldf/sentineldf/internal/fusion"
	"github.com/sentineldf/sentineldf/internal/identity"
	"github.com/sentineldf/sentineldf/internal/logger"
	"github.com/sentineldf/sentineldf/internal/mbom"
	"github.com/sentineldf/sentineldf/internal/pipeline"
	"github.com/sentineldf/sentineldf/internal/server"
	"github.com/sentineldf/sentineldf/internal/usage"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("SentinelDF %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}
	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting SentinelDF",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port))

	if cfg.Identity.DatabaseURL == "" {
		log.Fatal("identity.database_url is required")
	}
	store, err := identity.Open(identity.Config{
		DatabaseURL:     cfg.Identity.DatabaseURL,
		MaxOpenConns:    cfg.Identity.MaxOpenConns,
		MaxIdleConns:    cfg.Identity.MaxIdleConns,
		ConnMaxLifetime: cfg.Identity.ConnMaxLifetime,
	}, log.WithComponent("identity").Logger)
	if err != nil {
		log.Fatal("Failed to open identity store", zap.Error(err))
	}
	defer store.Close()

	contentCache, err := cache.Open(cache.Config{
		Path:          cfg.Cache.Path,
		SchemaVersion: cfg.Cache.SchemaVersion,
		RedisURL:      cfg.Cache.RedisURL,
		RedisTTL:      cfg.Cache.RedisTTL,
	}, log.WithComponent("cache").Logger)
	if err != nil {
		log.Fatal("Failed to open content cache", zap.Error(err))
	}
	defer contentCache.Close()

	engine := detect.NewEngine(cfg.Detector.Version, cfg.Detector.BracketAllowlist,
		cfg.Fusion.UnicodeWeight == 0, log.WithComponent("detect").Logger)

	embedService := embeddings.New(embeddings.Config{
		ModelID:      cfg.Embedding.ModelID,
		ModelVersion: cfg.Embedding.ModelVersion,
		ModelPath:    cfg.Embedding.ModelPath,
		VocabPath:    cfg.Embedding.VocabPath,
		MaxLength:    cfg.Embedding.MaxLength,
	}, log.WithComponent("embeddings").Logger)
	defer embedService.Close()

	// A missing baseline is not fatal: scans degrade to heuristic-only
	// until sdfctl seed produces one.
	var forest *anomaly.Forest
	if cfg.Embedding.BaselinePath != "" {
		forest, err = anomaly.Load(cfg.Embedding.BaselinePath)
		if err != nil {
			log.Warn("Outlier baseline unavailable",
				zap.String("path", cfg.Embedding.BaselinePath), zap.Error(err))
			forest = nil
		}
	}
	detector := anomaly.NewDetector(embedService, forest, log.WithComponent("anomaly").Logger)

	fuser := fusion.New(fusion.Weights{
		Heuristic: cfg.Fusion.HeuristicWeight,
		Embedding: cfg.Fusion.EmbeddingWeight,
		Unicode:   cfg.Fusion.UnicodeWeight,
	}, cfg.Fusion.QuarantineThreshold)

	scanPipeline := pipeline.New(pipeline.Config{
		WorkerPoolSize:    cfg.Pipeline.WorkerPoolSize,
		MaxDocsPerRequest: cfg.Pipeline.MaxDocsPerRequest,
		MaxDocBytes:       cfg.Pipeline.MaxDocBytes,
		MaxPendingBatches: cfg.Pipeline.MaxPendingBatches,
	}, engine, detector, fuser, contentCache,
		cfg.Embedding.BatchSize, cfg.Embedding.BatchLatency,
		log.WithComponent("pipeline").Logger)
	defer scanPipeline.Close()

	authn := auth.New(store, auth.NewLimiter(auth.LimiterConfig{
		BucketCapacity: cfg.RateLimit.BucketCapacity,
		RefillPerSec:   cfg.RateLimit.RefillPerSec,
	}), log.WithComponent("auth").Logger)

	recorder := usage.NewRecorder(store, usage.Config{
		BufferCapacity: cfg.Usage.BufferCapacity,
	}, log.WithComponent("usage").Logger)
	defer recorder.Close()

	hub := events.NewHub(events.Config{
		Enabled:        cfg.Events.Enabled,
		Path:           cfg.Events.Path,
		MaxConnections: cfg.Events.MaxConnections,
	}, log.WithComponent("events").Logger)

	srv := server.New(cfg.Server, server.Deps{
		Pipeline: scanPipeline,
		Auth:     authn,
		Store:    store,
		Recorder: recorder,
		Signer:   mbom.NewSigner([]byte(cfg.Auth.HMACSecret), cfg.Auth.SecretID),
		Hub:      hub,
		Cache:    contentCache,
	}, log.WithComponent("server").Logger)

	// Hot reload covers runtime tunables only; version identifiers and
	// store paths require a restart.
	if err := config.Watch(cfg, func(newCfg *config.Config) {
		fuser.SetThreshold(newCfg.Fusion.QuarantineThreshold)
		if err := log.SetLevel(newCfg.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level on reload",
				zap.String("level", newCfg.Logging.Level))
		}
		log.Info("Configuration reloaded",
			zap.Int("quarantine_threshold", fuser.Threshold()),
			zap.String("log_level", newCfg.Logging.Level))
	}); err != nil {
		log.Warn("Configuration watch unavailable", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}
		log.Info("Server shutdown complete")
	}
}

// performHealthCheck probes a locally running instance.
func performHealthCheck() {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("Health check passed")
	os.Exit(0)
}
