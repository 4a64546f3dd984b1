package detect

// Kind identifies the detector that produced a signal
type Kind string

const (
	KindHeuristic Kind = "HEURISTIC"
	KindEmbedding Kind = "EMBEDDING"
	KindUnicode   Kind = "UNICODE"
)

// Severity grades a span finding
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Span is a half-open substring range [Start, End) into the raw document,
// tagged with a reason and severity. Offsets are byte offsets into the
// original content, never the canonical form.
type Span struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Text     string   `json:"text"`
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
}

// Signal is a tagged detector output
type Signal struct {
	Kind     Kind                   `json:"kind"`
	Score    float64                `json:"score"`
	Reasons  []string               `json:"reasons"`
	Spans    []Span                 `json:"spans"`
	Features map[string]interface{} `json:"features,omitempty"`
}

// Feature keys shared across detectors
const (
	FeatureCompressionBomb = "compression_bomb"
	FeatureHomoglyphs      = "homoglyphs"
	FeatureZeroWidth       = "zero_width"
	FeatureBidiOverride    = "bidi_override"
	FeatureFullwidth       = "fullwidth"
	FeatureRepetitionRatio = "repetition_ratio"
	FeatureTokenEntropy    = "token_entropy"
	FeatureReplacementRune = "replacement_chars"
)

// MergeSpans deduplicates a span sequence: overlapping spans with an
// identical reason are merged into one covering span. The result is
// sorted by start offset.
func MergeSpans(spans []Span, original string) []Span {
	if len(spans) <= 1 {
		out := make([]Span, len(spans))
		copy(out, spans)
		return out
	}

	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sortSpans(sorted)

	out := make([]Span, 0, len(sorted))
	for _, sp := range sorted {
		merged := false
		for i := range out {
			if out[i].Reason == sp.Reason && sp.Start < out[i].End && out[i].Start < sp.End {
				if sp.End > out[i].End {
					out[i].End = sp.End
				}
				if sp.Start < out[i].Start {
					out[i].Start = sp.Start
				}
				out[i].Text = original[out[i].Start:out[i].End]
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, sp)
		}
	}
	sortSpans(out)
	return out
}

func sortSpans(spans []Span) {
	// Insertion sort keeps equal-start spans in emission order.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].Start < spans[j-1].Start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}
