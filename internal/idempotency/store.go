// Package idempotency remembers the response of a completed request so a
// client retry carrying the same Idempotency-Key is answered without
// running the operation twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInProgress is returned by Begin while another request holds the key.
var ErrInProgress = errors.New("a request with this idempotency key is already in progress")

// Record is a stored response. RequestHash identifies the request body that
// produced it.
type Record struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

type Store interface {
	// Get returns the stored record, or nil when there is none.
	Get(ctx context.Context, key string) (*Record, error)
	// Begin marks key as in flight until release is called.
	Begin(ctx context.Context, key string) (release func(), err error)
	// Put stores rec under key for ttl.
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore keeps records in process memory. Suitable for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]memoryEntry
	inflight map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  map[string]memoryEntry{},
		inflight: map[string]struct{}{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.records, key)
		return nil, nil
	}
	rec := e.rec
	rec.Body = append([]byte(nil), e.rec.Body...)
	return &rec, nil
}

func (m *MemoryStore) Begin(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[key]; busy {
		return nil, ErrInProgress
	}
	m.inflight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.inflight, key)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Body = append([]byte(nil), rec.Body...)
	m.records[key] = memoryEntry{rec: rec, expires: m.now().Add(ttl)}
	return nil
}
