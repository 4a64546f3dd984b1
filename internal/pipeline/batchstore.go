package pipeline

import "sync"

// BatchStore keeps recent batch results in memory so an MBOM can be
// produced for them after the scan response has gone out. Capacity is
// bounded; the oldest batch is evicted first.
type BatchStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*BatchResult
	order    []string
}

// NewBatchStore creates a bounded store.
func NewBatchStore(capacity int) *BatchStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &BatchStore{
		capacity: capacity,
		entries:  make(map[string]*BatchResult, capacity),
	}
}

// Put stores a batch result, evicting the oldest entry when full.
func (s *BatchStore) Put(result *BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[result.BatchID]; !exists {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
		}
		s.order = append(s.order, result.BatchID)
	}
	s.entries[result.BatchID] = result
}

// Get returns a stored batch result.
func (s *BatchStore) Get(batchID string) (*BatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[batchID]
	return r, ok
}

// Len reports the number of stored batches.
func (s *BatchStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
