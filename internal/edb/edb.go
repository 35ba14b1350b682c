package edb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/sophosgo/internal/store"
	"github.com/dreamware/sophosgo/internal/wire"
)

// EDB is the server's encrypted database: update token -> masked
// document index. Writes are serialized on a single mutex (the data
// model's single-writer discipline); reads need no extra locking
// beyond what the backing store.Store itself guarantees.
type EDB struct {
	mu      sync.Mutex
	backing store.Store

	misses uint64
	hits   uint64
}

// New wraps backing as an EDB. backing is typically a store.BoltStore
// rooted at the server's pairs.dat directory.
func New(backing store.Store) *EDB {
	return &EDB{backing: backing}
}

// Put inserts a single (update token, masked index) pair, as delivered
// by a single POST /update call.
//
// Behavior:
//   - Stores masked under ut, overwriting any prior entry at that token
//   - No semantic validation is possible or attempted: both ut and masked
//     are opaque to the server, which never sees a plaintext keyword,
//     document id, or chain position
//
// Thread safety:
//   - Serialized on the EDB's single write lock, so a Put interleaved
//     with a BulkInsert never observes a half-written batch
//
// Parameters:
//   - ut: the 16-byte update token identifying this chain step
//   - masked: the document id already masked by the client's per-step PRF
//     output
//
// Returns:
//   - nil on success, or an error from the backing store
func (e *EDB) Put(ut [16]byte, masked uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, masked)
	return e.backing.Put(ut[:], buf)
}

// Get looks up an update token and reports whether it was found,
// tracking the lookup as a hit or a miss for IntegrityMonitor.
//
// Behavior:
//   - Returns (masked index, true) on a hit
//   - Returns (0, false) on a miss, rather than an error — during a
//     search walk, a miss is an integrity anomaly for the caller to log,
//     not a fatal condition that should abort the walk
//   - Every call increments exactly one of the EDB's atomic hit/miss
//     counters
//
// Thread safety:
//   - Safe for concurrent calls; the search-walk strategies in search.go
//     call this from multiple goroutines at once
//
// Performance:
//   - O(1) expected, bounded by the backing store's Get
//
// Parameters:
//   - ut: the update token to look up, as raw bytes
//
// Returns:
//   - (maskedIndex, true) on a hit; (0, false) on a miss
func (e *EDB) Get(ut []byte) (uint64, bool) {
	raw, err := e.backing.Get(ut)
	if err != nil {
		atomic.AddUint64(&e.misses, 1)
		return 0, false
	}
	atomic.AddUint64(&e.hits, 1)
	return binary.BigEndian.Uint64(raw), true
}

// BulkInsert drains reqs, inserting each (update token, masked index)
// pair under the EDB's single-writer lock, and flushes the backing store
// once at the end. It is the server side of POST /bulk_insert.
//
// Behavior:
//   - If the backing store implements store.BatchWriter, entries are
//     buffered in memory and committed as a single transaction instead
//     of one Put call per entry — this is the common case for BoltStore
//   - Otherwise, falls back to one Put per entry
//   - Returns as soon as reqs is closed and the final flush completes, or
//     as soon as ctx is canceled, whichever happens first
//
// Thread safety:
//   - Takes the EDB's write lock for the entire drain, so a concurrent
//     Put waits until the drain ends; Get takes no lock, and sees none or
//     all of this batch only when the backing store commits it through
//     PutBatch (per-entry Put makes entries visible one at a time)
//
// Parameters:
//   - ctx: canceling it aborts the drain and returns ctx.Err()
//   - reqs: the stream of update requests to insert; the caller must
//     close it to signal the end of the batch
//
// Returns:
//   - nil once every item is committed and the store is flushed
//   - ctx.Err() if ctx is canceled before reqs is drained
//   - an error from the backing store's PutBatch/Put/Flush
func (e *EDB) BulkInsert(ctx context.Context, reqs <-chan wire.UpdateRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batcher, canBatch := e.backing.(store.BatchWriter)
	var pairs map[string][]byte
	if canBatch {
		pairs = make(map[string][]byte)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-reqs:
			if !ok {
				if canBatch && len(pairs) > 0 {
					if err := batcher.PutBatch(pairs); err != nil {
						return fmt.Errorf("edb: bulk insert: %w", err)
					}
				}
				return e.backing.Flush()
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, req.Index)
			if canBatch {
				pairs[string(req.Token[:])] = buf
			} else if err := e.backing.Put(req.Token[:], buf); err != nil {
				return fmt.Errorf("edb: bulk insert: %w", err)
			}
		}
	}
}

// MissCount returns the cumulative number of EDB misses observed since
// the EDB was created, for IntegrityMonitor's threshold check.
func (e *EDB) MissCount() uint64 {
	return atomic.LoadUint64(&e.misses)
}

// HitCount returns the cumulative number of successful EDB lookups since
// the EDB was created.
func (e *EDB) HitCount() uint64 {
	return atomic.LoadUint64(&e.hits)
}

// Flush forces durability of the backing store.
func (e *EDB) Flush() error {
	return e.backing.Flush()
}
