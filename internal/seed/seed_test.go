package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/anomaly"
	"github.com/sentineldf/sentineldf/internal/embeddings"
)

var corpusLines = []string{
	"patient presented with mild symptoms and was discharged home",
	"the flight to boston departs at nine in the morning",
	"quarterly revenue grew four percent on strong demand",
	"the recipe calls for two cups of flour and one egg",
	"lungs clear on auscultation no acute distress noted",
}

func corpusTexts(n int) []string {
	texts := make([]string, 0, n)
	for i := 0; len(texts) < n; i++ {
		texts = append(texts, fmt.Sprintf("%s sample %d", corpusLines[i%len(corpusLines)], i))
	}
	return texts
}

func writeCSV(t *testing.T, dir string, texts []string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("text\n")
	for _, text := range texts {
		b.WriteString(text + "\n")
	}
	path := filepath.Join(dir, "corpus.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeJSON(t *testing.T, dir string, texts []string) string {
	t.Helper()
	var b strings.Builder
	for _, text := range texts {
		line, err := json.Marshal(Record{Text: text})
		if err != nil {
			t.Fatal(err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	path := filepath.Join(dir, "corpus.json")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeParquet(t *testing.T, dir string, texts []string) string {
	t.Helper()
	path := filepath.Join(dir, "corpus.parquet")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := parquet.NewWriter(file)
	for _, text := range texts {
		if err := w.Write(Record{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"corpus.csv", FormatCSV},
		{"corpus.CSV", FormatCSV},
		{"corpus.json", FormatJSON},
		{"corpus.jsonl", FormatJSON},
		{"corpus.ndjson", FormatJSON},
		{"corpus.parquet", FormatParquet},
		{"corpus.txt", FormatUnknown},
		{"corpus", FormatUnknown},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLoadCorpusFormats(t *testing.T) {
	texts := corpusTexts(60)
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"csv", writeCSV(t, dir, texts)},
		{"json", writeJSON(t, dir, texts)},
		{"parquet", writeParquet(t, dir, texts)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadCorpus(tt.path, zap.NewNop())
			if err != nil {
				t.Fatalf("LoadCorpus() error = %v", err)
			}
			if len(got) != len(texts) {
				t.Fatalf("loaded %d records, want %d", len(got), len(texts))
			}
			if got[0] != texts[0] || got[len(got)-1] != texts[len(texts)-1] {
				t.Error("corpus order not preserved")
			}
		})
	}
}

func TestLoadCorpusSkipsBlankRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, []string{"keep me", "   ", "", "also keep me"})

	got, err := LoadCorpus(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("loaded %d records, want 2", len(got))
	}
}

func TestLoadCorpusUnsupportedFormat(t *testing.T) {
	if _, err := LoadCorpus("corpus.txt", zap.NewNop()); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestSeederProducesLoadableBaseline(t *testing.T) {
	svc := embeddings.NewHashService(embeddings.Config{ModelID: "m", ModelVersion: "1"}, zap.NewNop())
	defer svc.Close()

	dir := t.TempDir()
	corpus := writeCSV(t, dir, corpusTexts(120))
	output := filepath.Join(dir, "models", "baseline.json")

	seeder := NewSeeder(svc, zap.NewNop())
	n, err := seeder.Run(context.Background(), corpus, output)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 120 {
		t.Errorf("records used = %d, want 120", n)
	}

	forest, err := anomaly.Load(output)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// The fitted baseline scores corpus-like text as an inlier.
	vecs, err := svc.EmbedBatch(context.Background(), []string{corpusLines[0]})
	if err != nil {
		t.Fatal(err)
	}
	score, err := forest.Score(vecs[0])
	if err != nil {
		t.Fatal(err)
	}
	if score < 0 || score > 1 {
		t.Errorf("score = %f out of range", score)
	}
}

func TestSeederRejectsTinyCorpus(t *testing.T) {
	svc := embeddings.NewHashService(embeddings.Config{ModelID: "m", ModelVersion: "1"}, zap.NewNop())
	defer svc.Close()

	dir := t.TempDir()
	corpus := writeCSV(t, dir, corpusTexts(5))

	seeder := NewSeeder(svc, zap.NewNop())
	if _, err := seeder.Run(context.Background(), corpus, filepath.Join(dir, "baseline.json")); err == nil {
		t.Error("expected error for undersized corpus")
	}
}
