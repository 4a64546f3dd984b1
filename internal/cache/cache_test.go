package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/detect"
)

func openTestCache(t *testing.T, schemaVersion int) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(Config{Path: path, SchemaVersion: schemaVersion}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	hash := "abc123"
	vector := []float32{0.1, -0.5, 2.25, 0}

	if _, ok, err := c.GetEmbedding(ctx, hash, "m", "1"); err != nil || ok {
		t.Fatalf("cold lookup = (%v, %v), want miss", ok, err)
	}
	if err := c.SetEmbedding(ctx, hash, "m", "1", vector); err != nil {
		t.Fatalf("SetEmbedding() error = %v", err)
	}

	got, ok, err := c.GetEmbedding(ctx, hash, "m", "1")
	if err != nil || !ok {
		t.Fatalf("warm lookup = (%v, %v), want hit", ok, err)
	}
	if len(got) != len(vector) {
		t.Fatalf("vector length = %d, want %d", len(got), len(vector))
	}
	for i := range vector {
		if got[i] != vector[i] {
			t.Errorf("vector[%d] = %v, want %v", i, got[i], vector[i])
		}
	}
}

func TestEmbeddingVersionedMiss(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	if err := c.SetEmbedding(ctx, "h", "m", "1", []float32{1}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		modelID string
		version string
	}{
		{"different model", "other", "1"},
		{"different version", "m", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok, _ := c.GetEmbedding(ctx, "h", tt.modelID, tt.version); ok {
				t.Error("stale identity returned a hit")
			}
		})
	}
}

func TestHeuristicRoundTrip(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	sig := detect.Signal{
		Kind:    detect.KindHeuristic,
		Score:   0.93,
		Reasons: []string{"high_risk_phrase", "secret_exfiltration"},
		Spans: []detect.Span{
			{Start: 0, End: 10, Text: "ignore all", Reason: "high_risk_phrase", Severity: detect.SeverityHigh},
		},
		Features: map[string]interface{}{detect.FeatureCompressionBomb: false},
	}

	if err := c.SetHeuristic(ctx, "h1hash", "h1", sig); err != nil {
		t.Fatalf("SetHeuristic() error = %v", err)
	}

	got, ok, err := c.GetHeuristic(ctx, "h1hash", "h1")
	if err != nil || !ok {
		t.Fatalf("lookup = (%v, %v), want hit", ok, err)
	}
	if got.Score != sig.Score || len(got.Reasons) != 2 || len(got.Spans) != 1 {
		t.Errorf("round-tripped signal = %+v", got)
	}
	if got.Spans[0].Text != "ignore all" || got.Spans[0].Severity != detect.SeverityHigh {
		t.Errorf("round-tripped span = %+v", got.Spans[0])
	}

	if _, ok, _ := c.GetHeuristic(ctx, "h1hash", "h2"); ok {
		t.Error("bumped detector version returned a hit")
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := Open(Config{Path: path, SchemaVersion: 1}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetEmbedding(ctx, "h", "m", "1", []float32{3.5}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(Config{Path: path, SchemaVersion: 1}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, ok, err := c.GetEmbedding(ctx, "h", "m", "1")
	if err != nil || !ok {
		t.Fatalf("lookup after reopen = (%v, %v), want hit", ok, err)
	}
	if got[0] != 3.5 {
		t.Errorf("vector[0] = %v, want 3.5", got[0])
	}
}

func TestSchemaBumpInvalidatesAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := Open(Config{Path: path, SchemaVersion: 1}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c.SetEmbedding(ctx, "h", "m", "1", []float32{1})
	c.SetHeuristic(ctx, "h", "v", detect.Signal{Kind: detect.KindHeuristic})
	c.Close()

	c, err = Open(Config{Path: path, SchemaVersion: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok, _ := c.GetEmbedding(ctx, "h", "m", "1"); ok {
		t.Error("embedding survived schema bump")
	}
	if _, ok, _ := c.GetHeuristic(ctx, "h", "v"); ok {
		t.Error("heuristic survived schema bump")
	}
}

func TestCorruptStoreRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Open(Config{Path: path, SchemaVersion: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() on corrupt store error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.SetEmbedding(ctx, "h", "m", "1", []float32{1}); err != nil {
		t.Fatalf("write after recreate error = %v", err)
	}
}

func TestStatsAccounting(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	c.GetEmbedding(ctx, "missing", "m", "1")
	c.SetEmbedding(ctx, "present", "m", "1", []float32{1})
	c.GetEmbedding(ctx, "present", "m", "1")
	c.GetHeuristic(ctx, "missing", "v")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("stats = %+v, want 1 hit / 2 misses", stats)
	}
	if stats.HitRate < 0.33 || stats.HitRate > 0.34 {
		t.Errorf("hit rate = %f, want ~1/3", stats.HitRate)
	}
}

func TestClear(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	c.SetEmbedding(ctx, "h", "m", "1", []float32{1})
	c.SetHeuristic(ctx, "h", "v", detect.Signal{Kind: detect.KindHeuristic})

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, _ := c.GetEmbedding(ctx, "h", "m", "1"); ok {
		t.Error("embedding survived clear")
	}
	if _, ok, _ := c.GetHeuristic(ctx, "h", "v"); ok {
		t.Error("heuristic survived clear")
	}
}

func TestVacuumRemovesStaleVersions(t *testing.T) {
	c, _ := openTestCache(t, 1)
	ctx := context.Background()

	c.SetEmbedding(ctx, "h", "old-model", "1", []float32{1})
	c.SetEmbedding(ctx, "h", "m", "1", []float32{2})
	c.SetHeuristic(ctx, "h", "old", detect.Signal{Kind: detect.KindHeuristic})
	c.SetHeuristic(ctx, "h", "v", detect.Signal{Kind: detect.KindHeuristic})

	if err := c.Vacuum(ctx, "v", "m", "1"); err != nil {
		t.Fatalf("Vacuum() error = %v", err)
	}

	if _, ok, _ := c.GetEmbedding(ctx, "h", "old-model", "1"); ok {
		t.Error("stale embedding survived vacuum")
	}
	if _, ok, _ := c.GetEmbedding(ctx, "h", "m", "1"); !ok {
		t.Error("current embedding removed by vacuum")
	}
	if _, ok, _ := c.GetHeuristic(ctx, "h", "old"); ok {
		t.Error("stale heuristic survived vacuum")
	}
	if _, ok, _ := c.GetHeuristic(ctx, "h", "v"); !ok {
		t.Error("current heuristic removed by vacuum")
	}
}

func TestDecodeVectorRejectsTruncatedBlob(t *testing.T) {
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
