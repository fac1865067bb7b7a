//go:build go1.22

package arena

import (
	"sync"

	"github.com/dolthub/maphash"
	"github.com/galloc/galloc/internal/debug"
)

// liveRegistry tracks every chunk address currently handed out to a caller,
// but only when built with the debug tag, since a double-free and
// invalid-pointer-on-free check is too costly to pay for in a
// production build. Addresses are sharded across a fixed number of
// independently-locked buckets, keyed by [maphash.Hasher], so that
// concurrent allocators across many arenas do not serialize on one mutex —
// the same hash-then-lock-your-shard idea a sharded hash map uses for its
// buckets, adapted here to a flat address set instead of a hash map.
type liveRegistry struct {
	hash   maphash.Hasher[uintptr]
	shards [registryShards]registryShard
}

const registryShards = 64

type registryShard struct {
	mu sync.Mutex
	m  map[uintptr]int // chunk address -> size, for sanity-checking Release
}

func newLiveRegistry() *liveRegistry {
	r := &liveRegistry{hash: maphash.NewHasher[uintptr]()}
	for i := range r.shards {
		r.shards[i].m = make(map[uintptr]int)
	}
	return r
}

func (r *liveRegistry) shardFor(addr uintptr) *registryShard {
	return &r.shards[r.hash.Hash(addr)%registryShards]
}

func (r *liveRegistry) add(c chunkPtr, size int) {
	s := r.shardFor(uintptr(c))
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.m[uintptr(c)]; dup {
		panicCorruption("address registered as live twice", c)
	}
	s.m[uintptr(c)] = size
}

// remove validates that c was indeed a live, previously-registered
// allocation, and reports its recorded size.
func (r *liveRegistry) remove(c chunkPtr) (size int, ok bool) {
	s := r.shardFor(uintptr(c))
	s.mu.Lock()
	defer s.mu.Unlock()

	size, ok = s.m[uintptr(c)]
	if ok {
		delete(s.m, uintptr(c))
	}
	return size, ok
}

func (r *liveRegistry) count() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		n += len(r.shards[i].m)
		r.shards[i].mu.Unlock()
	}
	return n
}

// Stats is a point-in-time snapshot of a Heap's bookkeeping, a
// mallinfo-equivalent summary.
type Stats struct {
	Arenas        int
	SystemBytes   int
	MaxSystemBytes int
	MappedRegions int
	TopBytes      int
}

// Stats returns a snapshot of process-wide allocator bookkeeping, summed
// across every arena.
func (h *Heap) Stats() Stats {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	var st Stats
	for a := h.ringHead; a != nil; a = a.ringNext {
		a.mu.Lock()
		st.Arenas++
		st.SystemBytes += a.systemMem
		st.MaxSystemBytes += a.maxSystemMem
		st.TopBytes += a.topSize
		a.mu.Unlock()
	}
	st.MappedRegions = int(h.mmapRegions.Load())

	return st
}

// checkArenaInvariants walks every small and large bin of a (not the fast
// tier), verifying bitmap accuracy for non-empty bins, that each chunk sits
// in the bin its size maps to, small-bin back links, and size-descending
// order within large bins. Nothing in this package calls it.
func (a *arenaState) checkArenaInvariants() {
	for idx := 0; idx < nSmallBins; idx++ {
		sentinel := a.bins.small[idx].ptr()
		empty := binEmpty(sentinel)
		if empty != !a.bins.summary.test(globalSmallBit(idx)) && empty {
			// A set bit on an empty bin is allowed (false positives are
			// permitted by design); the reverse is not.
			continue
		}
		if !empty && !a.bins.summary.test(globalSmallBit(idx)) {
			panicCorruption("small bin non-empty but bitmap clear", sentinel)
		}
		for c := fd(sentinel); c != sentinel; c = fd(c) {
			debug.Assert(smallBinIndex(chunkSize(c)) == idx, "chunk in wrong small bin")
			debug.Assert(bk(fd(c)) == c, "small bin list broken")
		}
	}

	for idx := 0; idx < nLargeBins; idx++ {
		sentinel := a.bins.large[idx].ptr()
		if !binEmpty(sentinel) && !a.bins.summary.test(globalLargeBit(idx)) {
			panicCorruption("large bin non-empty but bitmap clear", sentinel)
		}
		prevSize := -1
		for c := fd(sentinel); c != sentinel; c = fd(c) {
			debug.Assert(largeBinIndex(chunkSize(c)) == idx, "chunk in wrong large bin")
			if prevSize >= 0 {
				debug.Assert(chunkSize(c) <= prevSize, "large bin not size-descending")
			}
			prevSize = chunkSize(c)
		}
	}
}
