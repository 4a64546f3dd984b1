package embeddings

import (
	"context"

	"go.uber.org/zap"
)

// Service generates fixed-width vectors from canonical text. All
// implementations are deterministic: the same input yields bitwise
// identical vectors.
type Service interface {
	// EmbedBatch returns one vector per input, in input order, each of
	// length EmbeddingDimensions.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
	ModelVersion() string
	Dimensions() int
	Close() error
}

// New selects a service for the configuration: the ONNX transformer
// backend when a model path is configured and the build supports it,
// otherwise the deterministic hash service.
func New(cfg Config, logger *zap.Logger) Service {
	if cfg.ModelPath != "" {
		backend := NewTransformerBackend(logger, cfg.ModelPath, cfg.MaxLength)
		if backend != nil && backend.IsReady() {
			if svc, err := newBackendService(cfg, backend, logger); err == nil {
				return svc
			}
			backend.Close()
			logger.Warn("Transformer backend unusable, falling back to hash embeddings",
				zap.String("model_path", cfg.ModelPath))
		}
	}
	return NewHashService(cfg, logger)
}

var _ Service = (*HashService)(nil)
var _ Service = (*backendService)(nil)
