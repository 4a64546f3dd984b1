package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/anomaly"
	"github.com/sentineldf/sentineldf/internal/embeddings"
	"github.com/sentineldf/sentineldf/internal/normalize"
)

// minCorpusSize guards against fitting a baseline on a corpus too
// small to anchor the calibration percentiles.
const minCorpusSize = 50

// embedBatchSize bounds memory while embedding large corpora.
const embedBatchSize = 256

// Seeder fits an outlier baseline from a benign corpus and persists
// its snapshot.
type Seeder struct {
	service embeddings.Service
	logger  *zap.Logger
}

// NewSeeder creates a seeder over an embedding service.
func NewSeeder(service embeddings.Service, logger *zap.Logger) *Seeder {
	return &Seeder{service: service, logger: logger}
}

// Run loads the corpus, embeds it, fits the forest, and writes the
// snapshot to outputPath. Returns the number of corpus records used.
func (s *Seeder) Run(ctx context.Context, corpusPath, outputPath string) (int, error) {
	texts, err := LoadCorpus(corpusPath, s.logger)
	if err != nil {
		return 0, err
	}
	if len(texts) < minCorpusSize {
		return 0, fmt.Errorf("corpus has %d usable records, need at least %d", len(texts), minCorpusSize)
	}

	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Fitting outlier baseline",
		zap.Int("vectors", len(vectors)),
		zap.Int("trees", anomaly.DefaultTrees),
		zap.Int("subsample", anomaly.DefaultSubsample))
	forest, err := anomaly.Fit(vectors, anomaly.DefaultTrees, anomaly.DefaultSubsample, anomaly.DefaultSeed)
	if err != nil {
		return 0, fmt.Errorf("baseline fit failed: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create baseline directory: %w", err)
		}
	}
	if err := forest.Save(outputPath); err != nil {
		return 0, err
	}

	s.logger.Info("Baseline snapshot written",
		zap.String("path", outputPath),
		zap.String("model_id", s.service.ModelID()),
		zap.String("model_version", s.service.ModelVersion()))
	return len(texts), nil
}

// embed canonicalizes and embeds the corpus in bounded batches.
func (s *Seeder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	canonical := make([]string, 0, len(texts))
	for _, t := range texts {
		norm := normalize.Normalize(t)
		if norm.IsEmpty() {
			continue
		}
		canonical = append(canonical, norm.Canonical)
	}

	vectors := make([][]float32, 0, len(canonical))
	for lo := 0; lo < len(canonical); lo += embedBatchSize {
		hi := lo + embedBatchSize
		if hi > len(canonical) {
			hi = len(canonical)
		}
		batch, err := s.service.EmbedBatch(ctx, canonical[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("corpus embedding failed: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
