package detect

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// foldedText is the match form of a document: NFKD-decomposed, lowercased,
// zero-width and bidi controls stripped, fullwidth and confusable code
// points folded to ASCII, whitespace runs collapsed to a single space.
// The byte-level offset maps recover original span offsets, so every
// match in the folded text can be reported against the raw content.
type foldedText struct {
	text  string
	start []int // start[i]: original byte offset where folded byte i begins
	end   []int // end[i]: exclusive original byte offset where folded byte i ends
}

// spanAt converts a folded byte range [a,b) into an original-content span.
func (f *foldedText) spanAt(a, b int) (int, int) {
	if a >= b || b > len(f.text) {
		return 0, 0
	}
	return f.start[a], f.end[b-1]
}

func isZeroWidth(r rune) bool {
	switch r {
	case 0x200B, 0x200C, 0x200D, 0x2060, 0xFEFF:
		return true
	}
	return false
}

func isBidiControl(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069) || r == 0x061C
}

func isFullwidth(r rune) bool {
	return r >= 0xFF01 && r <= 0xFF5E
}

func isMathAlphanumeric(r rune) bool {
	return r >= 0x1D400 && r <= 0x1D7FF
}

// foldForMatch builds the folded match text for a document.
func foldForMatch(orig string) *foldedText {
	var b strings.Builder
	b.Grow(len(orig))
	start := make([]int, 0, len(orig))
	end := make([]int, 0, len(orig))

	writeMapped := func(s string, os, oe int) {
		for i := 0; i < len(s); i++ {
			b.WriteByte(s[i])
			start = append(start, os)
			end = append(end, oe)
		}
	}

	pendingSpace := false
	spaceStart, spaceEnd := 0, 0

	for i, r := range orig {
		oe := i + utf8.RuneLen(r)

		if isZeroWidth(r) || isBidiControl(r) {
			continue
		}

		if unicode.IsSpace(r) {
			if !pendingSpace {
				spaceStart, spaceEnd = i, oe
			} else {
				spaceEnd = oe
			}
			pendingSpace = true
			continue
		}

		if pendingSpace {
			if b.Len() > 0 {
				writeMapped(" ", spaceStart, spaceEnd)
			}
			pendingSpace = false
		}

		writeMapped(foldRune(r), i, oe)
	}

	return &foldedText{text: b.String(), start: start, end: end}
}

// foldRune maps a single rune to its lowercase ASCII-leaning match form.
func foldRune(r rune) string {
	if isFullwidth(r) {
		r -= 0xFEE0
	}
	if mapped, ok := homoglyphMap[r]; ok {
		r = mapped
	}
	if r < utf8.RuneSelf {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		return string(r)
	}

	// Decompose, drop combining marks, lowercase what remains. This
	// folds accented and mathematical-alphanumeric forms onto their
	// base letters.
	decomposed := norm.NFKD.String(string(r))
	var out strings.Builder
	for _, d := range decomposed {
		if unicode.Is(unicode.Mn, d) {
			continue
		}
		out.WriteRune(unicode.ToLower(d))
	}
	if out.Len() == 0 {
		return string(unicode.ToLower(r))
	}
	return out.String()
}

// leetFold maps leetspeak substitutions back to letters. The folded text
// is ASCII at the positions leetMap touches, so the transformation is
// byte-for-byte and shares the original offset maps.
func leetFold(folded string) string {
	var b []byte
	for i := 0; i < len(folded); i++ {
		c := folded[i]
		if mapped, ok := leetMap[c]; ok {
			if b == nil {
				b = []byte(folded)
			}
			b[i] = mapped
		}
	}
	if b == nil {
		return folded
	}
	return string(b)
}

// token is a whitespace-delimited run of the folded text.
type token struct {
	text  string
	begin int // byte offset in folded text
	fin   int // exclusive byte offset in folded text
}

// tokenize splits the folded text on single spaces.
func tokenize(folded string) []token {
	var tokens []token
	begin := -1
	for i := 0; i < len(folded); i++ {
		if folded[i] == ' ' {
			if begin >= 0 {
				tokens = append(tokens, token{text: folded[begin:i], begin: begin, fin: i})
				begin = -1
			}
			continue
		}
		if begin < 0 {
			begin = i
		}
	}
	if begin >= 0 {
		tokens = append(tokens, token{text: folded[begin:], begin: begin, fin: len(folded)})
	}
	return tokens
}
