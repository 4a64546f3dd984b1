package anomaly

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/detect"
	"github.com/sentineldf/sentineldf/internal/embeddings"
)

const (
	// ReasonOutlier marks documents scoring past the outlier threshold.
	ReasonOutlier = "embedding_outlier"
	// ReasonUnavailable marks documents scored without an embedding
	// signal (no model or no fitted baseline).
	ReasonUnavailable = "embedding_unavailable"

	outlierThreshold = 0.7
)

// Detector turns embedding vectors into calibrated outlier signals
// against a fitted baseline.
type Detector struct {
	service embeddings.Service
	forest  *Forest
	logger  *zap.Logger
}

// NewDetector wires an embedding service to a baseline. Either may be
// nil; the detector then reports itself unavailable and the caller
// degrades to heuristic-only scoring.
func NewDetector(service embeddings.Service, forest *Forest, logger *zap.Logger) *Detector {
	d := &Detector{service: service, forest: forest, logger: logger}
	if !d.Available() {
		logger.Warn("Embedding outlier detection unavailable, degrading to heuristic-only scoring")
	}
	return d
}

// Available reports whether the detector can produce embedding signals.
func (d *Detector) Available() bool {
	return d.service != nil && d.forest != nil
}

// ModelID returns the identity of the underlying embedding model, or
// empty when unavailable.
func (d *Detector) ModelID() string {
	if d.service == nil {
		return ""
	}
	return d.service.ModelID()
}

// ModelVersion returns the version of the underlying embedding model.
func (d *Detector) ModelVersion() string {
	if d.service == nil {
		return ""
	}
	return d.service.ModelVersion()
}

// Embed produces one vector per canonical text, in input order.
func (d *Detector) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if d.service == nil {
		return nil, embeddings.ErrUnavailable
	}
	return d.service.EmbedBatch(ctx, texts)
}

// ScoreVector evaluates one embedding against the baseline.
func (d *Detector) ScoreVector(v []float32) (detect.Signal, error) {
	if !d.Available() {
		return UnavailableSignal(), embeddings.ErrUnavailable
	}
	score, err := d.forest.Score(v)
	if err != nil {
		return detect.Signal{}, fmt.Errorf("baseline scoring failed: %w", err)
	}

	sig := detect.Signal{
		Kind:  detect.KindEmbedding,
		Score: score,
	}
	if score >= outlierThreshold {
		sig.Reasons = []string{ReasonOutlier}
	}
	return sig, nil
}

// Score evaluates one document given its canonical text and embedding.
// A baseline fitted on benign corpora carries no variance along the
// attack block, so the forest cannot split on those dimensions; the
// attack-pattern confidence floors the forest score to keep hostile
// geometry past the outlier threshold.
func (d *Detector) Score(canonical string, v []float32) (detect.Signal, error) {
	sig, err := d.ScoreVector(v)
	if err != nil {
		return sig, err
	}
	if attack := embeddings.AnalyzeAttack(canonical); float64(attack.Confidence) > sig.Score {
		sig.Score = float64(attack.Confidence)
		if sig.Score >= outlierThreshold && len(sig.Reasons) == 0 {
			sig.Reasons = []string{ReasonOutlier}
		}
	}
	return sig, nil
}

// ScoreBatch embeds the texts and scores each one. The result is in
// input order.
func (d *Detector) ScoreBatch(ctx context.Context, texts []string) ([]detect.Signal, error) {
	if !d.Available() {
		return nil, embeddings.ErrUnavailable
	}
	vectors, err := d.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]detect.Signal, len(vectors))
	for i, v := range vectors {
		out[i], err = d.Score(texts[i], v)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnavailableSignal is the degraded embedding signal: zero score with
// an explanatory reason, excluded from fusion weighting.
func UnavailableSignal() detect.Signal {
	return detect.Signal{
		Kind:    detect.KindEmbedding,
		Score:   0,
		Reasons: []string{ReasonUnavailable},
	}
}
