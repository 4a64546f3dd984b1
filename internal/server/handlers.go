package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/auth"
	"github.com/sentineldf/sentineldf/internal/events"
	"github.com/sentineldf/sentineldf/internal/fusion"
	"github.com/sentineldf/sentineldf/internal/identity"
	"github.com/sentineldf/sentineldf/internal/mbom"
	"github.com/sentineldf/sentineldf/internal/pipeline"
)

type scanRequest struct {
	Docs     []pipeline.Document `json:"docs"`
	Page     int                 `json:"page,omitempty"`
	PageSize int                 `json:"page_size,omitempty"`
}

type scanResponse struct {
	BatchID string              `json:"batch_id"`
	Results []fusion.ScanResult `json:"results"`
	Summary pipeline.Summary    `json:"summary"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, "/v1/scan", s.pipeline.Scan)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	analyze := func(ctx context.Context, _ string, docs []pipeline.Document) (*pipeline.BatchResult, error) {
		return s.pipeline.Analyze(ctx, docs)
	}
	s.handleBatch(w, r, "/v1/analyze", analyze)
}

type batchFunc func(ctx context.Context, batchID string, docs []pipeline.Document) (*pipeline.BatchResult, error)

// handleBatch is the shared scan/analyze flow: admit, run, meter,
// publish, paginate.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, endpoint string, run batchFunc) {
	start := time.Now()
	ctx := r.Context()
	id := identityFrom(ctx)

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "malformed request body"})
		return
	}
	if req.Page < 0 || req.PageSize < 0 {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "page and page_size must be non-negative"})
		return
	}

	if err := s.authn.Admit(ctx, id, len(req.Docs)); err != nil {
		e := asError(err, requestIDFrom(ctx))
		s.meter(id, endpoint, 0, 0, e.status(), start)
		writeError(w, e)
		return
	}

	result, err := run(ctx, "", req.Docs)
	if err != nil {
		e := asError(err, requestIDFrom(ctx))
		if e.Kind == KindInternal {
			s.logger.Error("Batch processing failed",
				zap.String("request_id", requestIDFrom(ctx)), zap.Error(err))
		}
		s.meter(id, endpoint, 0, 0, e.status(), start)
		writeError(w, e)
		return
	}

	// A key revoked while the batch was in flight invalidates the
	// finished work before anything is returned or metered as success.
	if err := s.authn.Recheck(ctx, id); err != nil {
		e := asError(err, requestIDFrom(ctx))
		s.meter(id, endpoint, 0, 0, e.status(), start)
		writeError(w, e)
		return
	}

	tokens := 0
	for i := range req.Docs {
		tokens += len(req.Docs[i].Content) / 4
	}
	s.meter(id, endpoint, len(req.Docs), tokens, http.StatusOK, start)
	s.publish(result)

	writeJSON(w, http.StatusOK, scanResponse{
		BatchID: result.BatchID,
		Results: paginate(result.Results, req.Page, req.PageSize),
		Summary: result.Summary,
	})
}

// meter enqueues one usage row; the recorder guarantees this never
// blocks the response.
func (s *Server) meter(id *auth.Identity, endpoint string, docs, tokens, status int, start time.Time) {
	if s.recorder == nil || id == nil {
		return
	}
	s.recorder.Record(identity.UsageRecord{
		UserID:           id.User.ID,
		APIKeyID:         id.Key.ID,
		Endpoint:         endpoint,
		DocumentsScanned: docs,
		TokensUsed:       tokens,
		CostCents:        tokens / 1000,
		ResponseTimeMs:   int(time.Since(start).Milliseconds()),
		StatusCode:       status,
	})
}

func (s *Server) publish(result *pipeline.BatchResult) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.TypeBatchScanned, events.BatchScannedEvent{
		BatchID:          result.BatchID,
		TotalDocs:        result.Summary.TotalDocs,
		QuarantinedCount: result.Summary.QuarantinedCount,
		MaxRisk:          result.Summary.MaxRisk,
		AvgRisk:          result.Summary.AvgRisk,
	})
	for i := range result.Results {
		res := &result.Results[i]
		if !res.Quarantine {
			continue
		}
		s.hub.Publish(events.TypeQuarantined, events.QuarantinedEvent{
			BatchID: result.BatchID,
			DocID:   res.DocID,
			Risk:    res.Risk,
			Reasons: res.Reasons,
		})
	}
}

// paginate slices results one-based; summary stays whole-batch.
func paginate(results []fusion.ScanResult, page, pageSize int) []fusion.ScanResult {
	if pageSize == 0 {
		return results
	}
	if page == 0 {
		page = 1
	}
	lo := (page - 1) * pageSize
	if lo >= len(results) {
		return []fusion.ScanResult{}
	}
	hi := lo + pageSize
	if hi > len(results) {
		hi = len(results)
	}
	return results[lo:hi]
}

type mbomRequest struct {
	BatchID    string `json:"batch_id"`
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleMBOM(w http.ResponseWriter, r *http.Request) {
	var req mbomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "malformed request body"})
		return
	}
	if req.BatchID == "" || req.ApprovedBy == "" {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "batch_id and approved_by are required"})
		return
	}

	batch, ok := s.pipeline.Batches().Get(req.BatchID)
	if !ok {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "unknown batch_id"})
		return
	}

	m, err := s.signer.Sign(batch, req.ApprovedBy)
	if err != nil {
		s.logger.Error("MBOM signing failed", zap.String("batch_id", req.BatchID), zap.Error(err))
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleMBOMVerify(w http.ResponseWriter, r *http.Request) {
	var m mbom.MBOM
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "malformed mbom document"})
		return
	}

	// Verification failures are a 200 with valid=false; only transport
	// level problems are errors.
	valid, reason := s.signer.Verify(&m)
	writeJSON(w, http.StatusOK, verifyResponse{Valid: valid, Reason: reason})
}

type keyCreateRequest struct {
	Name string `json:"name"`
}

type keyCreateResponse struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// handleKeyCreate issues a new API key for the identity asserted by the
// upstream auth proxy. The plaintext key appears in this response and
// nowhere else, ever.
func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	asserted := r.Header.Get("X-Identity-Key")
	email := r.Header.Get("X-Identity-Email")
	if asserted == "" {
		writeError(w, &Error{Kind: KindUnauthenticated})
		return
	}

	var req keyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &Error{Kind: KindInvalidInput, Detail: "malformed request body"})
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	user, err := s.store.GetOrCreateUser(r.Context(), asserted, email, "", 0)
	if err != nil {
		s.logger.Error("User resolution failed", zap.Error(err))
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}

	plaintext, err := auth.GenerateKey()
	if err != nil {
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}
	key := &identity.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   auth.HashKey(plaintext),
		KeyPrefix: auth.DisplayPrefix(plaintext),
		UserID:    user.ID,
		Name:      req.Name,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		s.logger.Error("API key creation failed", zap.Error(err))
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}

	writeJSON(w, http.StatusCreated, keyCreateResponse{
		ID:        key.ID,
		Key:       plaintext,
		KeyPrefix: key.KeyPrefix,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
	})
}

func (s *Server) handleKeysList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	keys, err := s.store.ListAPIKeys(r.Context(), id.User.ID)
	if err != nil {
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}
	if keys == nil {
		keys = []identity.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	keyID := mux.Vars(r)["id"]

	if err := s.store.RevokeAPIKey(r.Context(), keyID, id.User.ID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, &Error{Kind: KindInvalidInput, Detail: "unknown key id"})
			return
		}
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type usageResponse struct {
	MonthlyQuota     int   `json:"monthly_quota"`
	DocumentsScanned int64 `json:"documents_scanned"`
	TokensUsed       int64 `json:"tokens_used"`
	CostCents        int64 `json:"cost_cents"`
	Requests         int64 `json:"requests"`
}

func (s *Server) handleKeysUsage(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	sum, err := s.store.MonthlyUsage(r.Context(), id.User.ID, time.Now())
	if err != nil {
		writeError(w, asError(err, requestIDFrom(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		MonthlyQuota:     id.User.MonthlyQuota,
		DocumentsScanned: sum.DocumentsScanned,
		TokensUsed:       sum.TokensUsed,
		CostCents:        sum.CostCents,
		Requests:         sum.Requests,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sentineldf",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"batches_retained": s.pipeline.Batches().Len(),
	}
	if s.cache != nil {
		stats["cache"] = s.cache.Stats()
	}
	if s.hub != nil {
		stats["event_subscribers"] = s.hub.ActiveSubscribers()
	}
	writeJSON(w, http.StatusOK, stats)
}
