package mbom

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/sentineldf/sentineldf/internal/fusion"
	"github.com/sentineldf/sentineldf/internal/pipeline"
)

// Verification failure reasons.
const (
	ReasonTamper      = "tamper"
	ReasonStaleSecret = "stale_secret"
)

// MBOM binds a batch summary and its per-document results to an HMAC
// signature. Immutable once produced.
type MBOM struct {
	MBOMID      string              `json:"mbom_id"`
	BatchID     string              `json:"batch_id"`
	ApprovedBy  string              `json:"approved_by"`
	Timestamp   time.Time           `json:"timestamp"`
	Summary     pipeline.Summary    `json:"summary"`
	ResultsHash string              `json:"results_hash"`
	Signature   string              `json:"signature"`
	SecretID    string              `json:"secret_id,omitempty"`
	Results     []fusion.ScanResult `json:"results"`
}

// signedPayload is the bound subset of MBOM fields. Its canonical
// JSON (RFC 8785) is the HMAC input.
type signedPayload struct {
	MBOMID      string           `json:"mbom_id"`
	BatchID     string           `json:"batch_id"`
	ApprovedBy  string           `json:"approved_by"`
	Timestamp   time.Time        `json:"timestamp"`
	Summary     pipeline.Summary `json:"summary"`
	ResultsHash string           `json:"results_hash"`
}

// Signer produces and verifies MBOMs with a shared HMAC secret. The
// optional secret id detects documents signed under a rotated secret.
type Signer struct {
	secret   []byte
	secretID string
}

// NewSigner creates a signer. The secret must be non-empty; config
// validation enforces this at startup.
func NewSigner(secret []byte, secretID string) *Signer {
	return &Signer{secret: secret, secretID: secretID}
}

// Sign builds a signed MBOM for a batch result.
func (s *Signer) Sign(batch *pipeline.BatchResult, approvedBy string) (*MBOM, error) {
	resultsHash, err := hashResults(batch.Results)
	if err != nil {
		return nil, err
	}

	m := &MBOM{
		MBOMID:      uuid.NewString(),
		BatchID:     batch.BatchID,
		ApprovedBy:  approvedBy,
		Timestamp:   time.Now().UTC(),
		Summary:     batch.Summary,
		ResultsHash: resultsHash,
		SecretID:    s.secretID,
		Results:     batch.Results,
	}

	sig, err := s.sign(m)
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// Verify checks an MBOM end to end: secret generation, results hash,
// then the signature over the canonical payload. Any mismatch is a
// tamper; verification itself never errors on untrusted input.
func (s *Signer) Verify(m *MBOM) (bool, string) {
	if m.SecretID != "" && m.SecretID != s.secretID {
		return false, ReasonStaleSecret
	}

	resultsHash, err := hashResults(m.Results)
	if err != nil || resultsHash != m.ResultsHash {
		return false, ReasonTamper
	}

	want, err := s.sign(m)
	if err != nil {
		return false, ReasonTamper
	}
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false, ReasonTamper
	}
	gotRaw, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false, ReasonTamper
	}
	if !hmac.Equal(wantRaw, gotRaw) {
		return false, ReasonTamper
	}
	return true, ""
}

// sign computes the hex HMAC-SHA256 over the canonical signed payload.
func (s *Signer) sign(m *MBOM) (string, error) {
	canonical, err := canonicalJSON(signedPayload{
		MBOMID:      m.MBOMID,
		BatchID:     m.BatchID,
		ApprovedBy:  m.ApprovedBy,
		Timestamp:   m.Timestamp,
		Summary:     m.Summary,
		ResultsHash: m.ResultsHash,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize signed payload: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// hashResults is the hex SHA-256 of the canonical JSON of the results
// sequence.
func hashResults(results []fusion.ScanResult) (string, error) {
	if results == nil {
		results = []fusion.ScanResult{}
	}
	canonical, err := canonicalJSON(results)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize results: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes v and applies RFC 8785 canonicalization:
// lexicographic keys, no insignificant whitespace, shortest-form
// numbers.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
