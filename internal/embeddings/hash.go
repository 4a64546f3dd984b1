package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// HashService provides fast deterministic embeddings using cryptographic
// hashing. The first 256 dimensions are a seeded-noise fingerprint of
// the text hash, dimensions 256-320 carry attack-pattern evidence so
// hostile text separates geometrically from a benign baseline, and the
// tail encodes structural text features.
type HashService struct {
	cfg    Config
	logger *zap.Logger
}

// NewHashService creates the deterministic hash embedding service.
func NewHashService(cfg Config, logger *zap.Logger) *HashService {
	logger.Info("Hash embedding service initialized",
		zap.String("model_id", cfg.ModelID),
		zap.String("model_version", cfg.ModelVersion),
		zap.Int("dimensions", EmbeddingDimensions))
	return &HashService{cfg: cfg, logger: logger}
}

func (s *HashService) ModelID() string      { return s.cfg.ModelID }
func (s *HashService) ModelVersion() string { return s.cfg.ModelVersion }
func (s *HashService) Dimensions() int      { return EmbeddingDimensions }
func (s *HashService) Close() error         { return nil }

// EmbedBatch generates one embedding per input in input order.
func (s *HashService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = s.embed(text)
	}
	return out, nil
}

func (s *HashService) embed(text string) []float32 {
	hash := sha256.Sum256([]byte(text))
	embedding := make([]float32, EmbeddingDimensions)

	hashFingerprint(hash, embedding[:256])
	attackFeatures(AnalyzeAttack(text), embedding[256:320])
	textFeatures(text, embedding[320:])

	return normalizeVector(embedding)
}

// hashFingerprint fills the target with seeded gaussian noise derived
// from four independent segments of the hash.
func hashFingerprint(hash [32]byte, target []float32) {
	seeds := []int64{
		int64(binary.BigEndian.Uint64(hash[0:8])),
		int64(binary.BigEndian.Uint64(hash[8:16])),
		int64(binary.BigEndian.Uint64(hash[16:24])),
		int64(binary.BigEndian.Uint64(hash[24:32])),
	}

	segment := len(target) / len(seeds)
	for i, seed := range seeds {
		rng := rand.New(rand.NewSource(seed))
		start := i * segment
		end := start + segment
		if i == len(seeds)-1 {
			end = len(target)
		}
		for j := start; j < end; j++ {
			target[j] = float32(rng.NormFloat64())
		}
	}
}

// textFeatures encodes structural characteristics into the feature tail.
func textFeatures(text string, target []float32) {
	words := strings.Fields(text)

	var letters, digits, specials, uppers, total int
	charFreq := make(map[rune]int)
	for _, r := range text {
		total++
		charFreq[r]++
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		case unicode.IsDigit(r):
			digits++
		case !unicode.IsSpace(r):
			specials++
		}
	}

	var charEntropy float64
	if total > 0 {
		for _, n := range charFreq {
			p := float64(n) / float64(total)
			charEntropy -= p * math.Log2(p)
		}
	}

	avgWordLen := 0.0
	if len(words) > 0 {
		sum := 0
		for _, w := range words {
			sum += len(w)
		}
		avgWordLen = float64(sum) / float64(len(words))
	}

	uniqueWords := make(map[string]bool, len(words))
	for _, w := range words {
		uniqueWords[w] = true
	}
	repetition := 0.0
	if len(words) > 0 {
		repetition = 1.0 - float64(len(uniqueWords))/float64(len(words))
	}

	ratio := func(n int) float32 {
		if total == 0 {
			return 0
		}
		return float32(n) / float32(total)
	}

	target[0] = float32(math.Min(float64(total)/1000.0, 1.0))
	target[1] = float32(math.Min(float64(len(words))/100.0, 1.0))
	target[2] = float32(math.Min(avgWordLen/20.0, 1.0))
	target[3] = ratio(specials)
	target[4] = ratio(uppers)
	target[5] = ratio(digits)
	target[6] = float32(charEntropy / 8.0)
	target[7] = float32(repetition)

	// Derived dimensions spread the base features across the tail so a
	// single feature does not dominate one axis.
	for i := 8; i < len(target); i++ {
		combined := (target[i%8] + target[(i+3)%8]) / 2.0
		target[i] = float32(math.Sin(float64(combined) * math.Pi * float64(1+i%4)))
	}
}

// normalizeVector scales the vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
