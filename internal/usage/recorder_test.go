package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentineldf/sentineldf/internal/identity"
)

type captureSink struct {
	mu      sync.Mutex
	records []identity.UsageRecord

	// When set, InsertUsage signals called and blocks until the gate
	// closes. Lets tests pin the drainer inside a flush.
	gate   chan struct{}
	called chan struct{}
}

func (s *captureSink) InsertUsage(ctx context.Context, records []identity.UsageRecord) error {
	if s.called != nil {
		select {
		case s.called <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestRecorderDeliversAll(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, Config{BufferCapacity: 16}, zap.NewNop())

	for i := 0; i < 10; i++ {
		r.Record(identity.UsageRecord{
			UserID: "u", APIKeyID: "k", Endpoint: "/v1/scan",
			DocumentsScanned: 1, ResponseTimeMs: 42, StatusCode: 200,
		})
	}
	r.Close()

	if sink.count() != 10 {
		t.Errorf("delivered %d records, want 10", sink.count())
	}
	for _, rec := range sink.records {
		if rec.Timestamp.IsZero() {
			t.Error("record delivered without timestamp")
		}
		if rec.ResponseTimeMs != 42 {
			t.Errorf("response time = %d, want 42", rec.ResponseTimeMs)
		}
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, Config{BufferCapacity: 1}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		r.Record(identity.UsageRecord{UserID: "u", DocumentsScanned: 1, ResponseTimeMs: 5})
	}
	elapsed := time.Since(start)
	r.Close()

	if elapsed > 500*time.Millisecond {
		t.Errorf("1000 records took %v, recorder is blocking", elapsed)
	}
	// Counts are never dropped even when the buffer overflows.
	if sink.count() != 1000 {
		t.Errorf("delivered %d records, want 1000", sink.count())
	}
}

func TestOverflowShedsResponseTime(t *testing.T) {
	sink := &captureSink{gate: make(chan struct{}), called: make(chan struct{}, 1)}
	r := NewRecorder(sink, Config{BufferCapacity: 1}, zap.NewNop())

	// Feed until the drainer enters a flush and parks on the gate.
	for i := 0; i < 65; i++ {
		r.Record(identity.UsageRecord{UserID: "u", DocumentsScanned: 1, ResponseTimeMs: 99})
	}
	<-sink.called

	// With the drainer pinned, the single-slot buffer fills and the
	// rest must take the overflow path.
	for i := 0; i < 10; i++ {
		r.Record(identity.UsageRecord{UserID: "u", DocumentsScanned: 1, ResponseTimeMs: 99})
	}
	close(sink.gate)
	r.Close()

	if sink.count() != 75 {
		t.Fatalf("delivered %d records, want 75", sink.count())
	}
	shed := 0
	for _, rec := range sink.records {
		if rec.ResponseTimeMs == 0 {
			shed++
		}
		if rec.DocumentsScanned != 1 {
			t.Error("document count was mutated")
		}
	}
	if shed == 0 {
		t.Error("no record shed its response time despite overflow")
	}
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, Config{BufferCapacity: 128}, zap.NewNop())
	defer r.Close()

	r.Record(identity.UsageRecord{UserID: "u", DocumentsScanned: 3})

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Errorf("record not flushed within interval, delivered = %d", sink.count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := NewRecorder(&captureSink{}, Config{}, zap.NewNop())
	r.Close()
	r.Close()
}
