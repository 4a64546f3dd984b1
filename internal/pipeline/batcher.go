package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// embedFunc computes one vector per canonical text.
type embedFunc func(ctx context.Context, texts []string) ([][]float32, error)

type embedRequest struct {
	text  string
	reply chan embedReply
}

type embedReply struct {
	vector []float32
	err    error
}

// Batcher coalesces embedding requests across concurrent scans into
// model-sized batches: a batch flushes when it reaches the size limit
// or when the oldest request has waited the latency budget.
type Batcher struct {
	embed    embedFunc
	size     int
	latency  time.Duration
	requests chan embedRequest
	logger   *zap.Logger
	done     chan struct{}
}

// NewBatcher starts the collector goroutine.
func NewBatcher(embed embedFunc, size int, latency time.Duration, logger *zap.Logger) *Batcher {
	if size <= 0 {
		size = 128
	}
	if latency <= 0 {
		latency = 50 * time.Millisecond
	}
	b := &Batcher{
		embed:    embed,
		size:     size,
		latency:  latency,
		requests: make(chan embedRequest, size),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go b.collect()
	return b
}

// Embed submits one text and waits for its vector.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embedRequest{text: text, reply: make(chan embedReply, 1)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, context.Canceled
	}

	select {
	case rep := <-req.reply:
		return rep.vector, rep.err
	case <-ctx.Done():
		// The batch still runs to completion; the caller just stops
		// waiting for it.
		return nil, ctx.Err()
	}
}

// Close stops accepting requests and flushes the pending batch.
func (b *Batcher) Close() {
	close(b.done)
}

func (b *Batcher) collect() {
	var (
		pending []embedRequest
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case req := <-b.requests:
			pending = append(pending, req)
			if len(pending) == 1 {
				timer = time.NewTimer(b.latency)
				timerC = timer.C
			}
			if len(pending) >= b.size {
				stopTimer()
				b.flush(pending)
				pending = nil
			}
		case <-timerC:
			timer = nil
			timerC = nil
			b.flush(pending)
			pending = nil
		case <-b.done:
			stopTimer()
			// Serve what is already queued before exiting.
			for {
				select {
				case req := <-b.requests:
					pending = append(pending, req)
				default:
					b.flush(pending)
					return
				}
			}
		}
	}
}

func (b *Batcher) flush(batch []embedRequest) {
	if len(batch) == 0 {
		return
	}

	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	vectors, err := b.embed(context.Background(), texts)
	if err != nil {
		b.logger.Warn("Embedding batch failed", zap.Int("size", len(batch)), zap.Error(err))
		for _, req := range batch {
			req.reply <- embedReply{err: err}
		}
		return
	}
	for i, req := range batch {
		req.reply <- embedReply{vector: vectors[i]}
	}
}
