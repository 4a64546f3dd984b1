package embeddings

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// AttackAnalysis summarizes pattern-level attack evidence found in one
// text. Confidence is in [0,1]; Categories holds per-category weight
// sums for the matched patterns.
type AttackAnalysis struct {
	Confidence float32
	Matches    int
	Categories map[string]float32
}

type attackPattern struct {
	category   string
	re         *regexp.Regexp
	weight     float32
	confidence float32
}

var attackPatterns = []attackPattern{
	{
		category:   "instruction_override",
		re:         regexp.MustCompile(`(?i)(ignore|disregard|forget|bypass|override)\s+(all\s+)?(previous\s+|prior\s+|above\s+|earlier\s+|the\s+)?(instructions|rules|directives|guidelines|prompts|restrictions)`),
		weight:     1.0,
		confidence: 0.95,
	},
	{
		category:   "data_extraction",
		re:         regexp.MustCompile(`(?i)(reveal|show|print|expose|display|output|leak)\s+(the\s+|your\s+|all\s+)?(system\s+prompt|password|passwords|secret|secrets|credentials|api\s+key)`),
		weight:     0.9,
		confidence: 0.9,
	},
	{
		category:   "role_manipulation",
		re:         regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as\s+if|pretend\s+to\s+be|jailbreak|dan\s+mode|developer\s+mode)`),
		weight:     0.8,
		confidence: 0.85,
	},
	{
		category:   "backdoor_marker",
		re:         regexp.MustCompile(`(?i)\[[a-z0-9_]{6,}\]|<\|?[a-z0-9_]*(trigger|backdoor|special)[a-z0-9_]*\|?>`),
		weight:     0.8,
		confidence: 0.85,
	},
	{
		category:   "structural_hiding",
		re:         regexp.MustCompile(`(?s)<!--.*?-->`),
		weight:     0.7,
		confidence: 0.8,
	},
	{
		category:   "authority_bypass",
		re:         regexp.MustCompile(`(?i)(admin|root|sudo|superuser)\s+(mode|access|override|privileges)`),
		weight:     0.7,
		confidence: 0.8,
	},
}

// categorySlot pins each category to a fixed dimension inside the
// attack block so embeddings stay deterministic across runs.
var categorySlot = map[string]int{
	"instruction_override": 0,
	"data_extraction":      1,
	"role_manipulation":    2,
	"backdoor_marker":      3,
	"structural_hiding":    4,
	"authority_bypass":     5,
}

// AnalyzeAttack scores a text against the attack pattern table. Format
// characters are stripped first so zero-width interleaving cannot split
// a phrase across a pattern boundary.
func AnalyzeAttack(text string) AttackAnalysis {
	folded := stripFormatRunes(text)

	result := AttackAnalysis{Categories: make(map[string]float32)}
	var maxConfidence float32
	for _, p := range attackPatterns {
		if !p.re.MatchString(folded) {
			continue
		}
		result.Matches++
		result.Categories[p.category] += p.weight
		if p.confidence > maxConfidence {
			maxConfidence = p.confidence
		}
	}

	if result.Matches > 0 {
		result.Confidence = maxConfidence
		if result.Matches > 1 {
			result.Confidence = float32(math.Min(float64(result.Confidence)*1.2, 1.0))
		}
	}
	return result
}

// attackFeatures encodes the analysis into the attack block of an
// embedding vector.
func attackFeatures(a AttackAnalysis, target []float32) {
	target[0] = a.Confidence
	if a.Confidence > 0.5 {
		target[1] = 1.0
	}
	target[2] = float32(math.Min(float64(a.Matches)/4.0, 1.0))
	for category, score := range a.Categories {
		slot, ok := categorySlot[category]
		if !ok {
			continue
		}
		target[3+slot] = float32(math.Min(float64(score), 1.0))
	}

	// Spread the base features over the rest of the block.
	for i := 12; i < len(target); i++ {
		combined := (target[i%12] + target[(i+5)%12]) / 2.0
		target[i] = float32(math.Sin(float64(combined) * math.Pi * float64(1+i%3)))
	}
}

func stripFormatRunes(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return unicode.Is(unicode.Cf, r) }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
