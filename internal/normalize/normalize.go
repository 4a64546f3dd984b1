// Package normalize derives the canonical form of a document used for
// content-addressed caching. The raw content is never mutated; span
// offsets elsewhere always index the original string.
package normalize

import (
	"crypto/sha256"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Result holds the canonical form of a document
type Result struct {
	// Original is the raw content exactly as submitted.
	Original string
	// Canonical is the NFKD-decomposed, lowercased, whitespace-folded
	// form used for hashing and embedding.
	Canonical string
	// Hash is the SHA-256 digest of the canonical bytes.
	Hash [sha256.Size]byte
	// HadReplacement reports whether invalid UTF-8 sequences were
	// replaced with U+FFFD during normalization.
	HadReplacement bool
}

// Normalize produces the canonical form and content hash for a document.
// It never fails: invalid UTF-8 is replaced with the replacement code
// point and the replacement is recorded as a feature.
func Normalize(content string) Result {
	sanitized, replaced := sanitizeUTF8(content)

	decomposed := norm.NFKD.String(sanitized)
	lowered := strings.ToLower(decomposed)
	canonical := foldWhitespace(lowered)

	return Result{
		Original:       content,
		Canonical:      canonical,
		Hash:           sha256.Sum256([]byte(canonical)),
		HadReplacement: replaced,
	}
}

// IsEmpty reports whether the document has no content left after
// normalization and trimming. Such documents are rejected at validation.
func (r Result) IsEmpty() bool {
	return len(r.Canonical) == 0
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD
func sanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError)), true
}

// foldWhitespace collapses runs of whitespace to a single space and
// trims leading/trailing whitespace
func foldWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
