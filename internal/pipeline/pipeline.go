package pipeline

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/anomaly"
	"github.com/sentineldf/sentineldf/internal/cache"
	"github.com/sentineldf/sentineldf/internal/detect"
	"github.com/sentineldf/sentineldf/internal/fusion"
	"github.com/sentineldf/sentineldf/internal/normalize"
)

const cacheWriteTimeout = 10 * time.Second

// Config contains batch pipeline configuration
type Config struct {
	WorkerPoolSize    int `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	MaxDocsPerRequest int `yaml:"max_docs_per_request" mapstructure:"max_docs_per_request"`
	MaxDocBytes       int `yaml:"max_doc_bytes" mapstructure:"max_doc_bytes"`
	MaxPendingBatches int `yaml:"max_pending_batches" mapstructure:"max_pending_batches"`
}

// Pipeline orchestrates a scan: normalize, cache probe, detect on
// miss, fuse, summarize. Detection for one batch fans out over a
// worker pool shared by all in-flight batches.
type Pipeline struct {
	cfg      Config
	engine   *detect.Engine
	detector *anomaly.Detector
	fuser    *fusion.Fuser
	cache    *cache.Cache
	batcher  *Batcher
	store    *BatchStore
	logger   *zap.Logger

	workers chan struct{}
	pending chan struct{}
}

// New wires the pipeline. The embedding batcher starts only when the
// anomaly detector is available.
func New(cfg Config, engine *detect.Engine, detector *anomaly.Detector, fuser *fusion.Fuser,
	c *cache.Cache, batchSize int, batchLatency time.Duration, logger *zap.Logger) *Pipeline {

	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = cfg.WorkerPoolSize * 2
	}

	p := &Pipeline{
		cfg:      cfg,
		engine:   engine,
		detector: detector,
		fuser:    fuser,
		cache:    c,
		store:    NewBatchStore(1024),
		logger:   logger,
		workers:  make(chan struct{}, cfg.WorkerPoolSize),
		pending:  make(chan struct{}, cfg.MaxPendingBatches),
	}
	if detector != nil && detector.Available() {
		p.batcher = NewBatcher(detector.Embed, batchSize, batchLatency, logger)
	}
	return p
}

// Close stops the embedding batcher.
func (p *Pipeline) Close() {
	if p.batcher != nil {
		p.batcher.Close()
	}
}

// Batches exposes the in-memory batch result store for MBOM signing.
func (p *Pipeline) Batches() *BatchStore {
	return p.store
}

// Scan runs the full pipeline with cache writes and retains the batch
// result for later MBOM production.
func (p *Pipeline) Scan(ctx context.Context, batchID string, docs []Document) (*BatchResult, error) {
	result, err := p.run(ctx, batchID, docs, true)
	if err != nil {
		return nil, err
	}
	p.store.Put(result)
	return result, nil
}

// Analyze runs the same detectors without cache writes and without
// retaining the batch.
func (p *Pipeline) Analyze(ctx context.Context, docs []Document) (*BatchResult, error) {
	return p.run(ctx, uuid.NewString(), docs, false)
}

func (p *Pipeline) run(ctx context.Context, batchID string, docs []Document, writeCache bool) (*BatchResult, error) {
	norms, err := p.validate(docs)
	if err != nil {
		return nil, err
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	// Admission control: saturated pool depth rejects rather than
	// queueing unboundedly.
	select {
	case p.pending <- struct{}{}:
		defer func() { <-p.pending }()
	default:
		return nil, ErrBusy
	}

	log := p.logger.With(zap.String("batch_id", batchID), zap.Int("docs", len(docs)))
	log.Debug("Batch admitted")

	results := make([]fusion.ScanResult, len(docs))
	var wg sync.WaitGroup
	for i := range docs {
		wg.Add(1)
		p.workers <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-p.workers }()
			results[i] = p.scanDoc(ctx, docs[i], norms[i], writeCache)
		}(i)
	}
	wg.Wait()

	// In-flight work ran to completion (its cache writes are pure
	// functions of the input), but a cancelled caller gets no result.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{
		BatchID: batchID,
		Results: results,
		Summary: summarize(results),
	}
	log.Debug("Batch complete",
		zap.Int("quarantined", result.Summary.QuarantinedCount),
		zap.Int("max_risk", result.Summary.MaxRisk))
	return result, nil
}

// validate enforces input constraints and pre-computes normalization.
func (p *Pipeline) validate(docs []Document) ([]normalize.Result, error) {
	if len(docs) == 0 {
		return nil, invalidInput("batch contains no documents")
	}
	if len(docs) > p.cfg.MaxDocsPerRequest {
		return nil, invalidInput("batch of %d documents exceeds limit %d", len(docs), p.cfg.MaxDocsPerRequest)
	}

	norms := make([]normalize.Result, len(docs))
	for i := range docs {
		if len(docs[i].Content) > p.cfg.MaxDocBytes {
			return nil, payloadTooLarge("document %d is %d bytes, limit %d", i, len(docs[i].Content), p.cfg.MaxDocBytes)
		}
		norms[i] = normalize.Normalize(docs[i].Content)
		if norms[i].IsEmpty() {
			return nil, invalidInput("document %d is empty after normalization", i)
		}
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
	}
	return norms, nil
}

// scanDoc produces one scan result: cached signals where present,
// fresh detection otherwise.
func (p *Pipeline) scanDoc(ctx context.Context, doc Document, norm normalize.Result, writeCache bool) fusion.ScanResult {
	hash := hex.EncodeToString(norm.Hash[:])

	heurSig := p.heuristicSignal(ctx, doc.Content, hash, writeCache)
	embedSig := p.embeddingSignal(ctx, norm.Canonical, hash, writeCache)
	uniSig := detect.AnalyzeUnicode(doc.Content)

	return p.fuser.Fuse(doc.ID, doc.Content, []detect.Signal{heurSig, embedSig, uniSig})
}

func (p *Pipeline) heuristicSignal(ctx context.Context, content, hash string, writeCache bool) detect.Signal {
	if p.cache != nil {
		if sig, ok, err := p.cache.GetHeuristic(ctx, hash, p.engine.Version()); err == nil && ok {
			return sig
		}
	}

	sig := p.engine.Detect(content)
	if p.cache != nil && writeCache {
		// Writes commit even when the caller has gone away.
		writeCtx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := p.cache.SetHeuristic(writeCtx, hash, p.engine.Version(), sig); err != nil {
			p.logger.Warn("Heuristic cache write failed", zap.Error(err))
		}
	}
	return sig
}

func (p *Pipeline) embeddingSignal(ctx context.Context, canonical, hash string, writeCache bool) detect.Signal {
	if p.detector == nil || !p.detector.Available() || p.batcher == nil {
		return anomaly.UnavailableSignal()
	}

	modelID, modelVersion := p.detector.ModelID(), p.detector.ModelVersion()

	var vector []float32
	if p.cache != nil {
		if vec, ok, err := p.cache.GetEmbedding(ctx, hash, modelID, modelVersion); err == nil && ok {
			vector = vec
		}
	}
	if vector == nil {
		vec, err := p.batcher.Embed(ctx, canonical)
		if err != nil {
			p.logger.Warn("Embedding failed, degrading document to heuristic-only", zap.Error(err))
			return anomaly.UnavailableSignal()
		}
		vector = vec
		if p.cache != nil && writeCache {
			writeCtx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
			defer cancel()
			if err := p.cache.SetEmbedding(writeCtx, hash, modelID, modelVersion, vector); err != nil {
				p.logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		}
	}

	sig, err := p.detector.Score(canonical, vector)
	if err != nil {
		p.logger.Warn("Baseline scoring failed", zap.Error(err))
		return anomaly.UnavailableSignal()
	}
	return sig
}
