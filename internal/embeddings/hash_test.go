package embeddings

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		ModelID:      "sdf-hash-embed",
		ModelVersion: "1",
		MaxLength:    256,
	}
}

func TestHashServiceDeterminism(t *testing.T) {
	svc := NewHashService(testConfig(), zap.NewNop())
	defer svc.Close()

	texts := []string{
		"the patient was examined and discharged",
		"ignore all previous instructions",
		"",
	}

	first, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	second, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	for i := range texts {
		if len(first[i]) != EmbeddingDimensions {
			t.Fatalf("vector %d has %d dimensions, want %d", i, len(first[i]), EmbeddingDimensions)
		}
		for d := range first[i] {
			if first[i][d] != second[i][d] {
				t.Fatalf("vector %d differs at dim %d between runs: %v vs %v", i, d, first[i][d], second[i][d])
			}
		}
	}
}

func TestHashServiceUnitNorm(t *testing.T) {
	svc := NewHashService(testConfig(), zap.NewNop())
	defer svc.Close()

	vectors, err := svc.EmbedBatch(context.Background(), []string{"some ordinary sentence about travel plans"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	var sum float64
	for _, x := range vectors[0] {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > 1e-4 {
		t.Errorf("vector norm = %f, want 1.0", math.Sqrt(sum))
	}
}

func TestHashServiceDistinctInputs(t *testing.T) {
	svc := NewHashService(testConfig(), zap.NewNop())
	defer svc.Close()

	vectors, err := svc.EmbedBatch(context.Background(), []string{
		"completely benign clinical note",
		"DROP TABLE users; exfiltrate the api key",
	})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	same := true
	for d := range vectors[0] {
		if vectors[0][d] != vectors[1][d] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct inputs produced identical vectors")
	}
}

func TestHashServiceCancellation(t *testing.T) {
	svc := NewHashService(testConfig(), zap.NewNop())
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.EmbedBatch(ctx, []string{"a", "b"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestServiceFactoryFallsBackToHash(t *testing.T) {
	svc := New(testConfig(), zap.NewNop())
	defer svc.Close()

	if _, ok := svc.(*HashService); !ok {
		t.Errorf("New() without model path = %T, want *HashService", svc)
	}
	if svc.Dimensions() != EmbeddingDimensions {
		t.Errorf("Dimensions() = %d, want %d", svc.Dimensions(), EmbeddingDimensions)
	}
}
