package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/identity"
)

// Config contains usage recorder configuration
type Config struct {
	BufferCapacity int `yaml:"buffer_capacity" mapstructure:"buffer_capacity"`
}

const (
	defaultBufferCapacity = 1024
	flushBatchSize        = 64
	flushInterval         = time.Second
)

// Sink persists metering rows. The identity store implements it.
type Sink interface {
	InsertUsage(ctx context.Context, records []identity.UsageRecord) error
}

// Recorder accepts metering rows without ever blocking the request
// path. A single drainer goroutine batches rows into the sink. When
// the buffer is full the recorder sheds response_time_ms and falls
// back to an unbounded overflow list so document counts are never
// lost.
type Recorder struct {
	sink   Sink
	buffer chan identity.UsageRecord
	logger *zap.Logger

	mu       sync.Mutex
	overflow []identity.UsageRecord

	done chan struct{}
	once sync.Once
}

// NewRecorder starts the drainer.
func NewRecorder(sink Sink, cfg Config, logger *zap.Logger) *Recorder {
	capacity := cfg.BufferCapacity
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	r := &Recorder{
		sink:   sink,
		buffer: make(chan identity.UsageRecord, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues one metering row. It never blocks: on a full buffer
// the row loses its response_time_ms and is parked in the overflow
// list for the drainer.
func (r *Recorder) Record(rec identity.UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case r.buffer <- rec:
	default:
		rec.ResponseTimeMs = 0
		r.mu.Lock()
		r.overflow = append(r.overflow, rec)
		r.mu.Unlock()
	}
}

// Close stops the drainer after flushing everything still buffered.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.buffer)
		<-r.done
	})
}

func (r *Recorder) drain() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]identity.UsageRecord, 0, flushBatchSize)
	for {
		select {
		case rec, ok := <-r.buffer:
			if !ok {
				// Final flush includes any parked overflow.
				batch = append(batch, r.takeOverflow()...)
				r.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flushBatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			batch = append(batch, r.takeOverflow()...)
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) takeOverflow() []identity.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.overflow
	r.overflow = nil
	return out
}

// flush persists one batch. Persistence failures are logged and the
// rows dropped; delivery is at-least-once with respect to process
// life, not storage failures.
func (r *Recorder) flush(batch []identity.UsageRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sink.InsertUsage(ctx, batch); err != nil {
		r.logger.Error("Failed to persist usage records",
			zap.Int("count", len(batch)),
			zap.Error(err))
	}
}
