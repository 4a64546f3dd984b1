package embeddings

import "errors"

// EmbeddingDimensions is the fixed output width of every service.
const EmbeddingDimensions = 384

// Config contains embedding service configuration
type Config struct {
	// ModelID and ModelVersion form the model identity that participates
	// in embedding cache keys.
	ModelID      string
	ModelVersion string
	// ModelPath points at an ONNX model file. Empty selects the
	// deterministic hash service.
	ModelPath string
	// VocabPath points at a WordPiece vocabulary for the ONNX backend.
	VocabPath string
	// MaxLength bounds tokenized sequence length.
	MaxLength int
}

// TokenizedInput is one tokenized sequence ready for transformer
// inference.
type TokenizedInput struct {
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32
}

var (
	// ErrUnavailable reports that no embedding model could be loaded.
	// Callers degrade to heuristic-only scoring.
	ErrUnavailable = errors.New("embedding model unavailable")
	// ErrEmptyInput reports an empty canonical text.
	ErrEmptyInput = errors.New("empty input text")
)
