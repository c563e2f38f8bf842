package governor

import (
	"context"
	"sync"
	"time"
)

// CounterStore is a concurrency-safe keyed counter with expiry. Keys carry
// their window identity (the caller encodes the window start into the key),
// so the store only needs increment-with-TTL semantics. Implementations must
// be safe for concurrent use; a single-process map and a shared Redis
// instance are interchangeable behind this interface.
type CounterStore interface {
	// Incr adds one to the counter at key and returns the new value. The
	// ttl is applied when the key is created and left untouched afterward.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrFloat adds v to the float counter at key and returns the new value.
	IncrFloat(ctx context.Context, key string, v float64, ttl time.Duration) (float64, error)

	// Get returns the integer counter at key, or 0 if the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// GetFloat returns the float counter at key, or 0 if the key is absent.
	GetFloat(ctx context.Context, key string) (float64, error)

	Close() error
}

type memEntry struct {
	n       int64
	f       float64
	expires time.Time
}

// MemoryCounterStore is the single-process CounterStore. Expired entries are
// dropped lazily on access and swept in bulk once the map grows past a
// threshold, so long-idle keys do not accumulate without bound.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nowFunc func() time.Time
	ops     int
}

// NewMemoryCounterStore returns an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]*memEntry),
		nowFunc: time.Now,
	}
}

const sweepInterval = 4096

func (m *MemoryCounterStore) entry(key string, ttl time.Duration) *memEntry {
	now := m.nowFunc()

	m.ops++
	if m.ops >= sweepInterval {
		m.ops = 0
		for k, e := range m.entries {
			if now.After(e.expires) {
				delete(m.entries, k)
			}
		}
	}

	e, ok := m.entries[key]
	if !ok || now.After(e.expires) {
		e = &memEntry{expires: now.Add(ttl)}
		m.entries[key] = e
	}
	return e
}

func (m *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, ttl)
	e.n++
	return e.n, nil
}

func (m *MemoryCounterStore) IncrFloat(_ context.Context, key string, v float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, ttl)
	e.f += v
	return e.f, nil
}

func (m *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.nowFunc().After(e.expires) {
		return 0, nil
	}
	return e.n, nil
}

func (m *MemoryCounterStore) GetFloat(_ context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.nowFunc().After(e.expires) {
		return 0, nil
	}
	return e.f, nil
}

func (m *MemoryCounterStore) Close() error { return nil }
