package fusion

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/sentineldf/sentineldf/internal/detect"
)

// Weights configure the contribution of each signal to the fused risk.
// They must sum to 1.0; config validation enforces this at startup.
type Weights struct {
	Heuristic float64
	Embedding float64
	Unicode   float64
}

// DefaultThreshold is the quarantine cut-off on the 0-100 risk scale.
const DefaultThreshold = 70

// Actions taken on a scanned document.
const (
	ActionQuarantine = "quarantine"
	ActionAllow      = "allow"
)

// ScanResult is the per-document verdict.
type ScanResult struct {
	DocID      string        `json:"doc_id"`
	Risk       int           `json:"risk"`
	Quarantine bool          `json:"quarantine"`
	Action     string        `json:"action"`
	Reasons    []string      `json:"reasons"`
	Confidence float64       `json:"confidence"`
	Spans      []detect.Span `json:"spans"`
	Signals    SignalScores  `json:"signals"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SignalScores is the per-signal breakdown attached to every result.
type SignalScores struct {
	Heuristic       float64 `json:"heuristic"`
	Embedding       float64 `json:"embedding"`
	Unicode         float64 `json:"unicode"`
	CompressionBomb bool    `json:"compression_bomb"`
	Homoglyphs      bool    `json:"homoglyphs"`
}

// Fuser combines detector signals into scan results. The threshold is
// a runtime tunable; weights are fixed at construction.
type Fuser struct {
	weights   Weights
	threshold atomic.Int64
}

// New creates a fuser. The threshold falls back to the default when
// non-positive.
func New(weights Weights, threshold int) *Fuser {
	f := &Fuser{weights: weights}
	f.SetThreshold(threshold)
	return f
}

// Threshold returns the quarantine threshold in effect.
func (f *Fuser) Threshold() int { return int(f.threshold.Load()) }

// SetThreshold retunes the quarantine cut-off; non-positive values
// restore the default. Safe to call while scans are in flight.
func (f *Fuser) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	f.threshold.Store(int64(threshold))
}

// Fuse combines the signals for one document. Signals carrying the
// unavailable reason contribute no weight; the remaining weights are
// renormalized so a degraded scan still spans the full risk scale.
func (f *Fuser) Fuse(docID string, original string, signals []detect.Signal) ScanResult {
	type weighted struct {
		score  float64
		weight float64
	}

	var parts []weighted
	var scores SignalScores

	for _, sig := range signals {
		switch sig.Kind {
		case detect.KindHeuristic:
			scores.Heuristic = sig.Score
			if f.weights.Heuristic > 0 {
				parts = append(parts, weighted{sig.Score, f.weights.Heuristic})
			}
		case detect.KindEmbedding:
			scores.Embedding = sig.Score
			if !unavailable(sig) && f.weights.Embedding > 0 {
				parts = append(parts, weighted{sig.Score, f.weights.Embedding})
			}
		case detect.KindUnicode:
			scores.Unicode = sig.Score
			if f.weights.Unicode > 0 {
				parts = append(parts, weighted{sig.Score, f.weights.Unicode})
			}
		}
		if b, ok := sig.Features[detect.FeatureCompressionBomb].(bool); ok && b {
			scores.CompressionBomb = true
		}
		if b, ok := sig.Features[detect.FeatureHomoglyphs].(bool); ok && b {
			scores.Homoglyphs = true
		}
	}

	var totalWeight, riskRaw float64
	for _, p := range parts {
		totalWeight += p.weight
	}
	if totalWeight > 0 {
		for _, p := range parts {
			riskRaw += p.score * p.weight / totalWeight
		}
	}

	risk := int(math.Round(riskRaw * 100))
	if risk < 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}
	quarantine := risk >= f.Threshold()

	available := make([]float64, len(parts))
	for i, p := range parts {
		available[i] = p.score
	}

	action := ActionAllow
	if quarantine {
		action = ActionQuarantine
	}

	return ScanResult{
		DocID:      docID,
		Risk:       risk,
		Quarantine: quarantine,
		Action:     action,
		Reasons:    mergeReasons(signals),
		Confidence: Confidence(available),
		Spans:      mergeSpans(signals, original),
		Signals:    scores,
		Timestamp:  time.Now().UTC(),
	}
}

// Confidence measures agreement across the available signal scores.
// One signal maps its magnitude into [0.5,0.9]; several signals map
// their variance onto [0.5,1.0]. No signals at all is pure guesswork.
func Confidence(scores []float64) float64 {
	switch len(scores) {
	case 0:
		return 0.5
	case 1:
		return 0.5 + 0.4*clamp01(scores[0])
	}

	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	var variance float64
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(scores))

	c := 1.0 - math.Min(1.0, 2.0*variance)
	if c < 0.5 {
		return 0.5
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}

// maxReasons bounds the reason list attached to a result.
const maxReasons = 12

// mergeReasons concatenates per-signal reasons, deduplicating while
// preserving first occurrence.
func mergeReasons(signals []detect.Signal) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sig := range signals {
		for _, r := range sig.Reasons {
			if seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
			if len(out) == maxReasons {
				return out
			}
		}
	}
	return out
}

func mergeSpans(signals []detect.Signal, original string) []detect.Span {
	var all []detect.Span
	for _, sig := range signals {
		all = append(all, sig.Spans...)
	}
	return detect.MergeSpans(all, original)
}

func unavailable(sig detect.Signal) bool {
	for _, r := range sig.Reasons {
		if r == "embedding_unavailable" {
			return true
		}
	}
	return false
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
