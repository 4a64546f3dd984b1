package normalize

import (
	"strings"
	"testing"
)

func TestNormalizeCanonicalForm(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Hello World", "hello world"},
		{"folds whitespace runs", "a \t\n  b   c", "a b c"},
		{"trims edges", "  padded  ", "padded"},
		{"fullwidth decomposes", "Ｈｅｌｌｏ", "hello"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got.Canonical != tt.want {
				t.Errorf("Canonical = %q, want %q", got.Canonical, tt.want)
			}
			if got.Original != tt.in {
				t.Errorf("Original mutated: %q", got.Original)
			}
		})
	}
}

func TestNormalizeHashIsContentAddressed(t *testing.T) {
	// Raw variants with the same canonical form share a hash.
	a := Normalize("Hello   World")
	b := Normalize("hello world")
	if a.Hash != b.Hash {
		t.Error("equal canonical forms hash differently")
	}

	c := Normalize("hello worlds")
	if a.Hash == c.Hash {
		t.Error("distinct canonical forms share a hash")
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	in := "The patient's ECG is within normal limits."
	if Normalize(in).Hash != Normalize(in).Hash {
		t.Error("hash not deterministic")
	}
}

func TestNormalizeInvalidUTF8(t *testing.T) {
	got := Normalize("valid\xff\xfetext")
	if !got.HadReplacement {
		t.Error("invalid UTF-8 not recorded")
	}
	if !strings.Contains(got.Canonical, "�") {
		t.Errorf("Canonical = %q, want replacement rune", got.Canonical)
	}

	clean := Normalize("all valid")
	if clean.HadReplacement {
		t.Error("valid UTF-8 flagged as replaced")
	}
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"   \t\n  ", true},
		{"x", false},
		{"  x  ", false},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in).IsEmpty(); got != tt.want {
			t.Errorf("IsEmpty(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
