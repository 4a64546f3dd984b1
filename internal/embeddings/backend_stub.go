//go:build !onnx
// +build !onnx

package embeddings

import (
	"go.uber.org/zap"
)

// NewTransformerBackend returns nil in CGO-free builds; the service
// factory then falls back to the deterministic hash embeddings. The
// real implementation compiles under the 'onnx' tag.
func NewTransformerBackend(logger *zap.Logger, modelPath string, maxLength int) TransformerBackend {
	return nil
}
