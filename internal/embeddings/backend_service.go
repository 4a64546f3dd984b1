package embeddings

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// backendService wraps a TransformerBackend with tokenization to
// implement Service.
type backendService struct {
	cfg       Config
	backend   TransformerBackend
	tokenizer *wordPieceTokenizer
	logger    *zap.Logger
}

func newBackendService(cfg Config, backend TransformerBackend, logger *zap.Logger) (*backendService, error) {
	if cfg.VocabPath == "" {
		return nil, fmt.Errorf("transformer backend requires a vocabulary path")
	}
	tokenizer, err := newWordPieceTokenizer(cfg.VocabPath, cfg.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	logger.Info("Transformer embedding service initialized",
		zap.String("model_id", cfg.ModelID),
		zap.String("model_version", cfg.ModelVersion),
		zap.String("model_path", cfg.ModelPath))

	return &backendService{cfg: cfg, backend: backend, tokenizer: tokenizer, logger: logger}, nil
}

func (s *backendService) ModelID() string      { return s.cfg.ModelID }
func (s *backendService) ModelVersion() string { return s.cfg.ModelVersion }
func (s *backendService) Dimensions() int      { return EmbeddingDimensions }

func (s *backendService) Close() error {
	return s.backend.Close()
}

// EmbedBatch tokenizes the inputs and runs one backend inference.
func (s *backendService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	tokens := make([]*TokenizedInput, len(texts))
	for i, text := range texts {
		tokens[i] = s.tokenizer.Tokenize(text)
	}

	vectors, err := s.backend.EmbedBatch(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("backend inference failed: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("backend returned %d vectors for %d inputs", len(vectors), len(texts))
	}

	for i := range vectors {
		vectors[i] = normalizeVector(vectors[i])
	}
	return vectors, nil
}
