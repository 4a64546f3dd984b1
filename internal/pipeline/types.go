package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sentineldf/sentineldf/internal/fusion"
)

// Document is one unit of scan input.
type Document struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Summary aggregates a batch.
type Summary struct {
	TotalDocs        int     `json:"total_docs"`
	QuarantinedCount int     `json:"quarantined_count"`
	AllowedCount     int     `json:"allowed_count"`
	AvgRisk          float64 `json:"avg_risk"`
	MaxRisk          int     `json:"max_risk"`
	P95Risk          int     `json:"p95_risk"`
}

// BatchResult is the full outcome of one pipeline run. Results are in
// input order.
type BatchResult struct {
	BatchID string              `json:"batch_id"`
	Results []fusion.ScanResult `json:"results"`
	Summary Summary             `json:"summary"`
}

// ErrBusy reports worker pool saturation; callers map it to 503.
var ErrBusy = errors.New("busy")

// ValidationError reports an input constraint violation before any
// detection work runs.
type ValidationError struct {
	// Kind is "invalid_input" or "payload_too_large".
	Kind   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func invalidInput(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: "invalid_input", Detail: fmt.Sprintf(format, args...)}
}

func payloadTooLarge(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: "payload_too_large", Detail: fmt.Sprintf(format, args...)}
}

// summarize computes the batch summary over all results.
func summarize(results []fusion.ScanResult) Summary {
	s := Summary{TotalDocs: len(results)}
	if len(results) == 0 {
		return s
	}

	risks := make([]int, len(results))
	var sum int
	for i, r := range results {
		risks[i] = r.Risk
		sum += r.Risk
		if r.Quarantine {
			s.QuarantinedCount++
		} else {
			s.AllowedCount++
		}
		if r.Risk > s.MaxRisk {
			s.MaxRisk = r.Risk
		}
	}
	s.AvgRisk = float64(sum) / float64(len(results))

	sort.Ints(risks)
	idx := int(math.Ceil(0.95*float64(len(risks)))) - 1
	if idx < 0 {
		idx = 0
	}
	s.P95Risk = risks[idx]
	return s
}
