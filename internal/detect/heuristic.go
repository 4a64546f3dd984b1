package detect

import (
	"bytes"
	"compress/flate"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Engine is the heuristic detector. It is stateless per document and
// safe for concurrent use.
type Engine struct {
	version     string
	allowlist   []string
	foldUnicode bool
	reExfil     *regexp.Regexp
}

var (
	reBracketToken = regexp.MustCompile(`\[[A-Z0-9_ ]{3,60}\]`)
	reHTMLComment  = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reHTMLEntity   = regexp.MustCompile(`&#x?[0-9a-fA-F]{2,6};`)
	reScriptTag    = regexp.MustCompile(`(?i)<\s*/?\s*script\b`)
	reEventHandler = regexp.MustCompile(`(?i)\bon[a-z]{2,20}\s*=\s*["']`)
	reCodeFence    = regexp.MustCompile("(?s)```.*?```")
)

// NewEngine creates a heuristic engine. foldUnicode controls whether
// unicode anomaly classes contribute to the heuristic score (the default
// fusion shape) or are scored only through the separate unicode weight.
func NewEngine(version string, bracketAllowlist []string, foldUnicode bool, logger *zap.Logger) *Engine {
	verbs := strings.Join(exfilVerbs, "|")
	nouns := strings.Join(secretNouns, "|")
	reExfil := regexp.MustCompile(`(?:` + verbs + `)\b[^.!?]{0,60}?\b(?:` + nouns + `)`)

	logger.Debug("Heuristic engine initialized",
		zap.String("version", version),
		zap.Int("allowlist_prefixes", len(bracketAllowlist)),
		zap.Bool("fold_unicode", foldUnicode))

	return &Engine{
		version:     version,
		allowlist:   bracketAllowlist,
		foldUnicode: foldUnicode,
		reExfil:     reExfil,
	}
}

// Version returns the detector version baked into heuristic cache keys.
func (e *Engine) Version() string {
	return e.version
}

type contribution struct {
	reason string
	amount float64
}

type collector struct {
	contribs []contribution
	spans    []Span
}

func (c *collector) add(reason string, amount float64) {
	c.contribs = append(c.contribs, contribution{reason: reason, amount: amount})
}

func (c *collector) span(sp Span) {
	c.spans = append(c.spans, sp)
}

// Detect analyzes a document and emits the HEURISTIC signal. It never
// fails; empty content yields a zero signal. Span offsets always index
// the original content.
func (e *Engine) Detect(content string) Signal {
	if strings.TrimSpace(content) == "" {
		return Signal{Kind: KindHeuristic, Reasons: []string{}, Spans: []Span{}, Features: map[string]interface{}{}}
	}

	ft := foldForMatch(content)
	words := tokenize(ft.text)
	origToks := tokenizeOriginal(content)
	col := &collector{}

	class1Hits := e.scanHighRiskPhrases(content, ft, col)
	e.scanCooccurrence(content, ft, words, col)
	class3Hits := e.scanBackdoorMarkers(content, col)
	e.scanBracketedGarbage(content, col)
	e.scanTopicShift(words, col)
	e.scanCapsBurst(content, origToks, words, col)
	e.scanStructuralHiding(content, col)
	e.scanSecretExfil(content, ft, col)
	class9Hits := e.scanRareTokens(content, origToks, col)
	repetitionRatio, class10Hit := e.scanRepetition(words, col)
	e.scanFencedBlocks(content, col)
	e.scanLeetspeak(content, ft, class1Hits, col)
	entropy := e.scanEntropy(words, col)

	ua := analyzeUnicode(content)
	if e.foldUnicode {
		for _, class := range ua.classes() {
			col.add(class, weightUnicodeAnomaly)
		}
	}

	bomb := e.scanCompressionBomb(content, col)

	raw := 0.0
	for _, c := range col.contribs {
		raw += c.amount
	}
	score := 1.0 - math.Exp(-raw)

	// Synergy bonuses: stacked injection markers are worth more than the
	// sum of their parts.
	if len(class1Hits) >= 2 {
		score += synergyTwoPhrases
	}
	if len(class1Hits) >= 3 {
		score += synergyThreePhrases
	}
	if class3Hits > 0 && (class9Hits > 0 || class10Hit) {
		score += synergyBackdoorMix
	}
	if score > 1.0 {
		score = 1.0
	}
	if raw == 0 {
		score = 0
	}

	return Signal{
		Kind:    KindHeuristic,
		Score:   score,
		Reasons: topReasons(col.contribs),
		Spans:   MergeSpans(col.spans, content),
		Features: map[string]interface{}{
			FeatureRepetitionRatio: repetitionRatio,
			FeatureTokenEntropy:    entropy,
			FeatureCompressionBomb: bomb,
			FeatureHomoglyphs:      ua.Homoglyph,
			FeatureZeroWidth:       ua.ZeroWidth,
			FeatureBidiOverride:    ua.BidiOverride,
			FeatureFullwidth:       ua.Fullwidth,
		},
	}
}

// scanHighRiskPhrases matches the class-1 phrase table against the
// folded text and returns the claimed folded ranges.
func (e *Engine) scanHighRiskPhrases(content string, ft *foldedText, col *collector) [][2]int {
	var claimed [][2]int
	for _, phrase := range highRiskPhrases {
		from := 0
		for {
			idx := strings.Index(ft.text[from:], phrase)
			if idx < 0 {
				break
			}
			a := from + idx
			b := a + len(phrase)
			from = b
			if overlapsAny(claimed, a, b) {
				continue
			}
			claimed = append(claimed, [2]int{a, b})
			reason := "high_risk_phrase: " + phrase
			col.add(reason, weightHighRiskPhrase)
			col.span(e.foldSpan(content, ft, a, b, reason, SeverityHigh))
		}
	}
	return claimed
}

// scanCooccurrence fires when both terms of a pair appear within a
// six-token window, in either order. Each pair counts once.
func (e *Engine) scanCooccurrence(content string, ft *foldedText, words []token, col *collector) {
	const window = 6
	for _, pair := range cooccurrencePairs {
		var aIdx, bIdx []int
		for i, w := range words {
			t := trimWordPunct(w.text)
			if t == pair[0] {
				aIdx = append(aIdx, i)
			}
			if t == pair[1] {
				bIdx = append(bIdx, i)
			}
		}

		first, second := -1, -1
		for _, i := range aIdx {
			for _, j := range bIdx {
				if i != j && absInt(j-i) <= window {
					first, second = i, j
					break
				}
			}
			if first >= 0 {
				break
			}
		}
		if first < 0 {
			continue
		}

		reason := fmt.Sprintf("term_cooccurrence: %s+%s", pair[0], pair[1])
		col.add(reason, weightCooccurrence)
		for _, i := range []int{first, second} {
			col.span(e.foldSpan(content, ft, words[i].begin, words[i].fin, reason, SeverityMedium))
		}
	}
}

// scanBackdoorMarkers matches the exact-token backdoor table against the
// raw content.
func (e *Engine) scanBackdoorMarkers(content string, col *collector) int {
	hits := 0
	for _, marker := range backdoorMarkers {
		from := 0
		for {
			idx := strings.Index(content[from:], marker)
			if idx < 0 {
				break
			}
			a := from + idx
			b := a + len(marker)
			from = b
			hits++
			reason := "backdoor_marker: " + marker
			col.add(reason, weightBackdoorMarker)
			col.span(Span{Start: a, End: b, Text: content[a:b], Reason: reason, Severity: SeverityHigh})
		}
	}
	return hits
}

// scanBracketedGarbage flags bracketed uppercase tokens that are not in
// the medical-code allowlist.
func (e *Engine) scanBracketedGarbage(content string, col *collector) {
	matches := reBracketToken.FindAllStringIndex(content, -1)
	count := 0
	reason := "bracketed_garbage"
	for _, m := range matches {
		inner := content[m[0]+1 : m[1]-1]
		if e.allowlisted(inner) {
			continue
		}
		count++
		col.span(Span{Start: m[0], End: m[1], Text: content[m[0]:m[1]], Reason: reason, Severity: SeverityMedium})
	}
	if count == 0 {
		return
	}
	amount := weightBracketBase + weightBracketStep*float64(count-1)
	if amount > weightBracketMax {
		amount = weightBracketMax
	}
	col.add(reason, amount)
}

func (e *Engine) allowlisted(inner string) bool {
	for _, prefix := range e.allowlist {
		if strings.HasPrefix(inner, prefix) {
			return true
		}
	}
	return false
}

// scanTopicShift detects clinical text spliced with consumer content.
// Whole-document: reasons only, no span.
func (e *Engine) scanTopicShift(words []token, col *collector) {
	const minPerSet = 2
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[trimWordPunct(w.text)] = true
	}

	clinical := 0
	for _, term := range clinicalTerms {
		if present[term] {
			clinical++
		}
	}
	consumer := 0
	for _, term := range consumerTerms {
		if present[term] {
			consumer++
		}
	}

	if clinical >= minPerSet && consumer >= minPerSet {
		col.add("topic_shift", weightTopicShift)
	}
}

// scanCapsBurst flags an ALL-CAPS imperative opening when paired with a
// safety-related keyword anywhere in the document.
func (e *Engine) scanCapsBurst(content string, origToks []token, words []token, col *collector) {
	limit := len(origToks)
	if limit > 5 {
		limit = 5
	}

	runStart, runLen := -1, 0
	bestStart, bestLen := -1, 0
	for i := 0; i < limit; i++ {
		if isAllCaps(origToks[i].text) {
			if runStart < 0 {
				runStart = i
			}
			runLen++
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
		} else {
			runStart, runLen = -1, 0
		}
	}
	if bestLen < 3 {
		return
	}

	hasSafety := false
	for _, w := range words {
		t := trimWordPunct(w.text)
		for _, term := range safetyTerms {
			if t == term {
				hasSafety = true
				break
			}
		}
		if hasSafety {
			break
		}
	}
	if !hasSafety {
		return
	}

	reason := "caps_imperative"
	start := origToks[bestStart].begin
	end := origToks[bestStart+bestLen-1].fin
	col.add(reason, weightCapsBurst)
	col.span(Span{Start: start, End: end, Text: content[start:end], Reason: reason, Severity: SeverityMedium})
}

// scanStructuralHiding flags HTML comments, numeric entities, script
// tags and event-handler attributes.
func (e *Engine) scanStructuralHiding(content string, col *collector) {
	reason := "structural_hiding"
	found := false
	for _, re := range []*regexp.Regexp{reHTMLComment, reHTMLEntity, reScriptTag, reEventHandler} {
		for _, m := range re.FindAllStringIndex(content, -1) {
			found = true
			col.span(Span{Start: m[0], End: m[1], Text: content[m[0]:m[1]], Reason: reason, Severity: SeverityHigh})
		}
	}
	if found {
		col.add(reason, weightStructural)
	}
}

// scanSecretExfil matches exfiltration verbs followed by a secret-class
// noun within the same clause.
func (e *Engine) scanSecretExfil(content string, ft *foldedText, col *collector) {
	reason := "secret_exfiltration"
	matches := e.reExfil.FindAllStringIndex(ft.text, -1)
	for _, m := range matches {
		col.span(e.foldSpan(content, ft, m[0], m[1], reason, SeverityHigh))
	}
	if len(matches) > 0 {
		col.add(reason, weightSecretExfil)
	}
}

// scanRareTokens flags long tokens dominated by non-alphabetic or
// uppercase characters, a tell for injected trigger strings.
func (e *Engine) scanRareTokens(content string, origToks []token, col *collector) int {
	hits := 0
	reason := "rare_token"
	for _, tok := range origToks {
		if utf8.RuneCountInString(tok.text) < 15 {
			continue
		}
		total, odd := 0, 0
		for _, r := range tok.text {
			total++
			if !unicode.IsLetter(r) || unicode.IsUpper(r) {
				odd++
			}
		}
		if total == 0 || float64(odd)/float64(total) <= 0.60 {
			continue
		}
		hits++
		col.add(reason, weightRareToken)
		col.span(Span{Start: tok.begin, End: tok.fin, Text: content[tok.begin:tok.fin], Reason: reason, Severity: SeverityMedium})
		if hits >= rareTokenCap {
			break
		}
	}
	return hits
}

// scanRepetition measures the duplicate-token ratio. Whole-document.
func (e *Engine) scanRepetition(words []token, col *collector) (float64, bool) {
	if len(words) == 0 {
		return 0, false
	}
	seen := make(map[string]bool, len(words))
	unique := 0
	for _, w := range words {
		t := trimWordPunct(w.text)
		if t == "" {
			continue
		}
		if !seen[t] {
			seen[t] = true
			unique++
		}
	}
	total := len(words)
	ratio := float64(total-unique) / float64(total)
	if ratio >= repetitionThreshold {
		col.add("extreme_repetition", weightRepetition)
		return ratio, true
	}
	return ratio, false
}

// scanFencedBlocks flags markdown code fences that smuggle system/prompt
// content.
func (e *Engine) scanFencedBlocks(content string, col *collector) {
	reason := "suspicious_fence"
	hits := 0
	for _, m := range reCodeFence.FindAllStringIndex(content, -1) {
		block := strings.ToLower(content[m[0]:m[1]])
		if !strings.Contains(block, "system") && !strings.Contains(block, "prompt") {
			continue
		}
		hits++
		col.add(reason, weightFencedBlock)
		col.span(Span{Start: m[0], End: m[1], Text: content[m[0]:m[1]], Reason: reason, Severity: SeverityMedium})
		if hits >= fencedBlockCap {
			break
		}
	}
}

// scanLeetspeak re-runs the class-1 phrase table against the leet-folded
// text, skipping ranges class 1 already claimed.
func (e *Engine) scanLeetspeak(content string, ft *foldedText, claimed [][2]int, col *collector) {
	lf := leetFold(ft.text)
	if lf == ft.text {
		return
	}
	for _, phrase := range highRiskPhrases {
		from := 0
		for {
			idx := strings.Index(lf[from:], phrase)
			if idx < 0 {
				break
			}
			a := from + idx
			b := a + len(phrase)
			from = b
			if overlapsAny(claimed, a, b) {
				continue
			}
			claimed = append(claimed, [2]int{a, b})
			reason := "leetspeak_phrase: " + phrase
			col.add(reason, weightLeetspeak)
			col.span(e.foldSpan(content, ft, a, b, reason, SeverityMedium))
		}
	}
}

// scanEntropy computes Shannon entropy of the token distribution and
// flags outliers. No span; whole-document.
func (e *Engine) scanEntropy(words []token, col *collector) float64 {
	if len(words) == 0 {
		return 0
	}
	freq := make(map[string]int, len(words))
	total := 0
	for _, w := range words {
		t := trimWordPunct(w.text)
		if t == "" {
			continue
		}
		freq[t]++
		total++
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	if entropy < entropyLow || entropy > entropyHigh {
		col.add("entropy_outlier", weightEntropyOutlier)
	}
	return entropy
}

// scanCompressionBomb flags text whose deflate ratio collapses, a tell
// for machine-generated filler.
func (e *Engine) scanCompressionBomb(content string, col *collector) bool {
	if len(content) < compressionBombMinLen {
		return false
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return false
	}
	if err := w.Close(); err != nil {
		return false
	}
	ratio := float64(buf.Len()) / float64(len(content))
	if ratio >= compressionBombRatio {
		return false
	}
	col.add("compression_bomb", weightCompressionBomb)
	return true
}

// foldSpan converts a folded byte range into an original-content span.
func (e *Engine) foldSpan(content string, ft *foldedText, a, b int, reason string, sev Severity) Span {
	s, en := ft.spanAt(a, b)
	return Span{Start: s, End: en, Text: content[s:en], Reason: reason, Severity: sev}
}

// topReasons orders reasons by contribution magnitude, deduplicates
// preserving the first occurrence, and truncates to the report cap.
func topReasons(contribs []contribution) []string {
	sorted := make([]contribution, len(contribs))
	copy(sorted, contribs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].amount > sorted[j].amount
	})

	seen := make(map[string]bool, len(sorted))
	reasons := make([]string, 0, len(sorted))
	for _, c := range sorted {
		if seen[c.reason] {
			continue
		}
		seen[c.reason] = true
		reasons = append(reasons, c.reason)
		if len(reasons) >= maxReasons {
			break
		}
	}
	return reasons
}

// tokenizeOriginal splits the raw content on whitespace, keeping byte
// offsets for span reporting.
func tokenizeOriginal(content string) []token {
	var tokens []token
	begin := -1
	for i, r := range content {
		if unicode.IsSpace(r) {
			if begin >= 0 {
				tokens = append(tokens, token{text: content[begin:i], begin: begin, fin: i})
				begin = -1
			}
			continue
		}
		if begin < 0 {
			begin = i
		}
	}
	if begin >= 0 {
		tokens = append(tokens, token{text: content[begin:], begin: begin, fin: len(content)})
	}
	return tokens
}

func trimWordPunct(s string) string {
	return strings.Trim(s, ".,;:!?()[]{}<>\"'`")
}

func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return letters >= 2
}

func overlapsAny(ranges [][2]int, a, b int) bool {
	for _, r := range ranges {
		if a < r[1] && r[0] < b {
			return true
		}
	}
	return false
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
