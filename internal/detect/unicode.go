package detect

import "unicode"

// Reason strings for unicode anomaly classes. These also name the
// heuristic contributions when the unicode signal is folded in.
const (
	ReasonBidiOverride = "unicode_bidi_override"
	ReasonZeroWidth    = "unicode_zero_width"
	ReasonFullwidth    = "unicode_fullwidth"
	ReasonHomoglyph    = "unicode_homoglyph"
)

// unicodeAnalysis holds the per-class anomaly booleans
type unicodeAnalysis struct {
	BidiOverride bool
	ZeroWidth    bool
	Fullwidth    bool
	Homoglyph    bool
}

func (a unicodeAnalysis) classes() []string {
	var out []string
	if a.BidiOverride {
		out = append(out, ReasonBidiOverride)
	}
	if a.ZeroWidth {
		out = append(out, ReasonZeroWidth)
	}
	if a.Fullwidth {
		out = append(out, ReasonFullwidth)
	}
	if a.Homoglyph {
		out = append(out, ReasonHomoglyph)
	}
	return out
}

// analyzeUnicode scans the raw content for obfuscation anomalies.
// Homoglyph substitution only counts when confusable code points are
// mixed with Latin letters; pure Cyrillic or Greek text is not an
// anomaly.
func analyzeUnicode(content string) unicodeAnalysis {
	var a unicodeAnalysis
	hasLatin := false
	hasConfusable := false

	for _, r := range content {
		switch {
		case isBidiControl(r):
			a.BidiOverride = true
		case isZeroWidth(r):
			a.ZeroWidth = true
		case isFullwidth(r) || isMathAlphanumeric(r):
			a.Fullwidth = true
		}
		if r < 128 && unicode.IsLetter(r) {
			hasLatin = true
		}
		if _, ok := homoglyphMap[r]; ok {
			hasConfusable = true
		}
	}

	a.Homoglyph = hasLatin && hasConfusable
	return a
}

// AnalyzeUnicode computes the Unicode obfuscation signal: a saturated
// sum of 0.4 per anomaly class present, capped at 1.0, with per-class
// booleans in the features map.
func AnalyzeUnicode(content string) Signal {
	a := analyzeUnicode(content)
	classes := a.classes()

	score := weightUnicodeAnomaly * float64(len(classes))
	if score > 1.0 {
		score = 1.0
	}

	return Signal{
		Kind:    KindUnicode,
		Score:   score,
		Reasons: classes,
		Spans:   nil,
		Features: map[string]interface{}{
			FeatureBidiOverride: a.BidiOverride,
			FeatureZeroWidth:    a.ZeroWidth,
			FeatureFullwidth:    a.Fullwidth,
			FeatureHomoglyphs:   a.Homoglyph,
		},
	}
}
