// BodyArena provides slab-backed allocation for message bodies held in a
// consumer's buffer, so long-lived buffered messages do not fragment the
// Go heap. Concurrent access to the slab library needs to be protected.

package transport

import (
	"errors"
	"sync"

	slab "github.com/couchbase/go-slab"
)

const arenaGrowthFactor float64 = 2.0

// ErrorArenaExhausted when the arena has reached its allocation limit.
var ErrorArenaExhausted = errors.New("transport.arenaExhausted")

// BodyArena wraps a go-slab arena behind a mutex with memory accounting.
type BodyArena struct {
	lock  sync.Mutex
	arena *slab.Arena

	maxMemAlloc uint64 // 0 means unlimited
	currAlloc   uint64
}

// NewBodyArena with the given chunk geometry and allocation limit.
func NewBodyArena(startChunkSize, slabSize int, maxMemAlloc uint64) *BodyArena {
	return &BodyArena{
		arena: slab.NewArena(
			startChunkSize, slabSize, arenaGrowthFactor,
			nil), // default make([]byte) for slab memory
		maxMemAlloc: maxMemAlloc,
	}
}

// Copy b into arena-owned memory. Returns ErrorArenaExhausted when the
// allocation limit would be exceeded; caller falls back to heap copies.
func (ba *BodyArena) Copy(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}

	ba.lock.Lock()
	defer ba.lock.Unlock()

	if ba.maxMemAlloc > 0 && ba.currAlloc+uint64(len(b)) > ba.maxMemAlloc {
		return nil, ErrorArenaExhausted
	}
	buf := ba.arena.Alloc(len(b))
	if buf == nil {
		return nil, ErrorArenaExhausted
	}
	copy(buf, b)
	ba.currAlloc += uint64(len(b))
	return buf, nil
}

// Release an arena-owned buffer back to the free pool. Buffers not
// allocated from this arena are ignored.
func (ba *BodyArena) Release(buf []byte) {
	if len(buf) == 0 {
		return
	}

	ba.lock.Lock()
	defer ba.lock.Unlock()

	if !ba.arena.Owns(buf) {
		return
	}
	ba.arena.DecRef(buf)
	ba.currAlloc -= uint64(len(buf))
}

// Owns reports whether buf was allocated from this arena.
func (ba *BodyArena) Owns(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	ba.lock.Lock()
	defer ba.lock.Unlock()
	return ba.arena.Owns(buf)
}

// Allocated returns the bytes currently handed out.
func (ba *BodyArena) Allocated() uint64 {
	ba.lock.Lock()
	defer ba.lock.Unlock()
	return ba.currAlloc
}
