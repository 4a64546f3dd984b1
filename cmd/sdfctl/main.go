package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/anomaly"
	"github.com/sentineldf/sentineldf/internal/config"
	"github.com/sentineldf/sentineldf/internal/detect"
	"github.com/sentineldf/sentineldf/internal/embeddings"
	"github.com/sentineldf/sentineldf/internal/fusion"
	"github.com/sentineldf/sentineldf/internal/logger"
	"github.com/sentineldf/sentineldf/internal/mbom"
	"github.com/sentineldf/sentineldf/internal/pipeline"
	"github.com/sentineldf/sentineldf/internal/seed"
)

// Exit codes for scripting against the CLI.
const (
	exitOK           = 0
	exitQuarantined  = 1
	exitInvalidInput = 2
	exitBadSignature = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "scan":
		os.Exit(runScan(os.Args[2:]))
	case "verify":
		os.Exit(runVerify(os.Args[2:]))
	case "seed":
		os.Exit(runSeed(os.Args[2:]))
	default:
		usage()
		os.Exit(exitInvalidInput)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  scan    Scan files (or stdin) for poisoning and injection risk\n")
	fmt.Fprintf(os.Stderr, "  verify  Verify an MBOM document's signature\n")
	fmt.Fprintf(os.Stderr, "  seed    Fit the outlier baseline from a benign corpus\n")
}

// loadConfigAndLogger is shared subcommand setup. CLI output goes to
// stdout; logs stay on stderr at warn and above unless configured.
func loadConfigAndLogger(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Emit full scan results as JSON")
	fs.Parse(args)

	cfg, log, err := loadConfigAndLogger(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: %v\n", err)
		return exitInvalidInput
	}
	defer log.Sync()

	docs, err := readDocuments(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: %v\n", err)
		return exitInvalidInput
	}

	engine := detect.NewEngine(cfg.Detector.Version, cfg.Detector.BracketAllowlist,
		cfg.Fusion.UnicodeWeight == 0, log.Logger)

	embedService := embeddings.New(embeddings.Config{
		ModelID:      cfg.Embedding.ModelID,
		ModelVersion: cfg.Embedding.ModelVersion,
		ModelPath:    cfg.Embedding.ModelPath,
		VocabPath:    cfg.Embedding.VocabPath,
		MaxLength:    cfg.Embedding.MaxLength,
	}, log.Logger)
	defer embedService.Close()

	var forest *anomaly.Forest
	if cfg.Embedding.BaselinePath != "" {
		if f, err := anomaly.Load(cfg.Embedding.BaselinePath); err == nil {
			forest = f
		}
	}
	detector := anomaly.NewDetector(embedService, forest, log.Logger)

	fuser := fusion.New(fusion.Weights{
		Heuristic: cfg.Fusion.HeuristicWeight,
		Embedding: cfg.Fusion.EmbeddingWeight,
		Unicode:   cfg.Fusion.UnicodeWeight,
	}, cfg.Fusion.QuarantineThreshold)

	p := pipeline.New(pipeline.Config{
		WorkerPoolSize:    cfg.Pipeline.WorkerPoolSize,
		MaxDocsPerRequest: cfg.Pipeline.MaxDocsPerRequest,
		MaxDocBytes:       cfg.Pipeline.MaxDocBytes,
	}, engine, detector, fuser, nil,
		cfg.Embedding.BatchSize, cfg.Embedding.BatchLatency, log.Logger)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := p.Analyze(ctx, docs)
	if err != nil {
		var vErr *pipeline.ValidationError
		if errors.As(err, &vErr) {
			fmt.Fprintf(os.Stderr, "sdfctl: %v\n", vErr)
			return exitInvalidInput
		}
		fmt.Fprintf(os.Stderr, "sdfctl: scan failed: %v\n", err)
		return exitInvalidInput
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	} else {
		for _, r := range result.Results {
			status := "allow"
			if r.Quarantine {
				status = "QUARANTINE"
			}
			fmt.Printf("%-12s risk=%-3d confidence=%.2f %s\n", status, r.Risk, r.Confidence, r.DocID)
			for _, reason := range r.Reasons {
				fmt.Printf("             - %s\n", reason)
			}
		}
		fmt.Printf("%d scanned, %d quarantined, max risk %d\n",
			result.Summary.TotalDocs, result.Summary.QuarantinedCount, result.Summary.MaxRisk)
	}

	if result.Summary.QuarantinedCount > 0 {
		return exitQuarantined
	}
	return exitOK
}

// readDocuments loads one document per file argument, or a single
// document from stdin when no files are given.
func readDocuments(paths []string) ([]pipeline.Document, error) {
	if len(paths) == 0 {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return []pipeline.Document{{ID: "stdin", Content: string(content)}}, nil
	}

	docs := make([]pipeline.Document, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, pipeline.Document{ID: filepath.Base(path), Content: string(content)})
	}
	return docs, nil
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	cfg, log, err := loadConfigAndLogger(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: %v\n", err)
		return exitInvalidInput
	}
	defer log.Sync()

	var raw []byte
	if fs.NArg() > 0 {
		raw, err = os.ReadFile(fs.Arg(0))
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: failed to read mbom: %v\n", err)
		return exitInvalidInput
	}

	var m mbom.MBOM
	if err := json.Unmarshal(raw, &m); err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: malformed mbom document: %v\n", err)
		return exitInvalidInput
	}

	signer := mbom.NewSigner([]byte(cfg.Auth.HMACSecret), cfg.Auth.SecretID)
	valid, reason := signer.Verify(&m)
	if !valid {
		fmt.Printf("INVALID (%s) mbom_id=%s batch_id=%s\n", reason, m.MBOMID, m.BatchID)
		return exitBadSignature
	}
	fmt.Printf("VALID mbom_id=%s batch_id=%s approved_by=%s\n", m.MBOMID, m.BatchID, m.ApprovedBy)
	return exitOK
}

func runSeed(args []string) int {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	input := fs.String("input", "", "Benign corpus file (CSV, JSON, or Parquet)")
	output := fs.String("output", "", "Baseline snapshot path (defaults to embedding.baseline_path)")
	fs.Parse(args)

	if *input == "" {
		fmt.Fprintf(os.Stderr, "sdfctl seed: -input is required\n")
		return exitInvalidInput
	}

	cfg, log, err := loadConfigAndLogger(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl: %v\n", err)
		return exitInvalidInput
	}
	defer log.Sync()

	outputPath := *output
	if outputPath == "" {
		outputPath = cfg.Embedding.BaselinePath
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "sdfctl seed: no output path configured\n")
		return exitInvalidInput
	}

	embedService := embeddings.New(embeddings.Config{
		ModelID:      cfg.Embedding.ModelID,
		ModelVersion: cfg.Embedding.ModelVersion,
		ModelPath:    cfg.Embedding.ModelPath,
		VocabPath:    cfg.Embedding.VocabPath,
		MaxLength:    cfg.Embedding.MaxLength,
	}, log.Logger)
	defer embedService.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	seeder := seed.NewSeeder(embedService, log.Logger)
	n, err := seeder.Run(ctx, *input, outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdfctl seed: %v\n", err)
		return exitInvalidInput
	}

	log.Info("Baseline fitted",
		zap.Int("corpus_records", n),
		zap.String("output", outputPath))
	fmt.Printf("baseline fitted from %d records -> %s\n", n, outputPath)
	return exitOK
}
