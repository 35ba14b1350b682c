package counter

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/store"
)

// Stats tracks operational metrics for the counter map. Updated
// atomically so readers never block behind the map's own mutex.
type Stats struct {
	Gets       uint64
	Increments uint64
}

// Map is a persistent, thread-safe keyword counter: for every keyword
// it tracks the next value ST index an update will use. The keyword
// itself is never stored — only crypto.Hash(kw), matching the data
// model's "keyed by keyword; implementation may hash internally."
//
// Map keeps an in-memory cache of every counter it has seen behind a
// single mutex, giving get_and_increment the linearizability the data
// model requires, and writes the new value through to the backing
// store on every increment so a restart can repopulate the cache
// lazily from persisted state.
type Map struct {
	mu    sync.Mutex
	cache map[[32]byte]uint32
	store store.Store

	gets       uint64
	increments uint64
}

// New wraps backing in a counter Map. backing is typically a
// store.BoltStore rooted at the client's counters.dat directory.
func New(backing store.Store) *Map {
	return &Map{
		cache: make(map[[32]byte]uint32),
		store: backing,
	}
}

func counterKey(kw string) [32]byte {
	return crypto.Hash([]byte(kw))
}

// Get returns the current counter for kw and whether it has ever been
// seen. A keyword never seen returns (0, false).
func (m *Map) Get(kw string) (uint32, bool) {
	atomic.AddUint64(&m.gets, 1)

	key := counterKey(kw)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache[key]; ok {
		return v, true
	}
	v, ok, err := m.loadLocked(key)
	if err != nil || !ok {
		return 0, false
	}
	m.cache[key] = v
	return v, true
}

// GetAndIncrement atomically returns the current counter for kw and
// installs counter+1. A keyword never seen before returns 0 and
// installs 1. Linearizable: every call holds m.mu for its full
// read-modify-write.
func (m *Map) GetAndIncrement(kw string) (uint32, error) {
	key := counterKey(kw)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cache[key]
	if !ok {
		loaded, found, err := m.loadLocked(key)
		if err != nil {
			return 0, fmt.Errorf("counter: load %x: %w", key, err)
		}
		if found {
			cur = loaded
		}
	}

	next := cur + 1
	if err := m.storeLocked(key, next); err != nil {
		return 0, fmt.Errorf("counter: persist %x: %w", key, err)
	}
	m.cache[key] = next
	atomic.AddUint64(&m.increments, 1)
	return cur, nil
}

func (m *Map) loadLocked(key [32]byte) (uint32, bool, error) {
	raw, err := m.store.Get(key[:])
	if err != nil {
		if err == store.ErrKeyNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("counter: corrupt entry, want 4 bytes got %d", len(raw))
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

func (m *Map) storeLocked(key [32]byte, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return m.store.Put(key[:], buf)
}

// ApproximateSize returns the number of distinct keywords this process
// has cached. It is lossy under concurrent writes (spec's open
// question leaves this best-effort) and must never be used for
// correctness — only for monitoring.
func (m *Map) ApproximateSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Flush forces durability of the backing store.
func (m *Map) Flush() error {
	return m.store.Flush()
}

// Stats returns a snapshot of operational counters.
func (m *Map) Stats() Stats {
	return Stats{
		Gets:       atomic.LoadUint64(&m.gets),
		Increments: atomic.LoadUint64(&m.increments),
	}
}
