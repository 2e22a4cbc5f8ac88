package resume

import (
	"sync"
	"time"
)

// Record is the durably persisted progress of an interrupted transfer,
// keyed by transfer id. A later process rehydrates it to pick a resume
// offset instead of starting over.
type Record struct {
	TransferredBytes int64     `json:"transferred_bytes"`
	TotalSize        int64     `json:"total_size"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Stale reports whether the record is older than the given window and
// should be discarded as unreliable.
func (r Record) Stale(window time.Duration, now time.Time) bool {
	return now.Sub(r.UpdatedAt) > window
}

// Store persists resume records. Implementations must be safe for
// concurrent use across distinct ids; concurrent operations on the same id
// are the caller's responsibility to serialize.
type Store interface {
	// Get returns the record for id. The second return is false when no
	// record exists.
	Get(id string) (Record, bool, error)
	// Put creates or overwrites the record for id.
	Put(id string, rec Record) error
	// Clear removes the record for id. Clearing a missing id is not an
	// error.
	Clear(id string) error
}

// MemoryStore keeps records in process memory. Suitable for tests and for
// callers that only resume within one process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

// Put implements Store.
func (s *MemoryStore) Put(id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}
