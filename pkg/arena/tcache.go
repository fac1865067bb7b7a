//go:build go1.22

package arena

import (
	"unsafe"

	"github.com/galloc/galloc/internal/debug"
)

// tcache is the per-goroutine thread cache: a fixed number of singly-linked
// LIFO stacks, one per small size class, consulted before any arena lock is
// ever taken. Unlike the arena's fast-tier stacks, a tcache is only ever
// touched by the goroutine that owns it, so its links need no atomics.
type tcache struct {
	owner *arenaState // arena this cache last allocated its chunks from

	entries [defaultTcacheBins]chunkPtr
	counts  [defaultTcacheBins]int

	totalBytes int
}

func newTcache(owner *arenaState) *tcache {
	return &tcache{owner: owner}
}

// tcacheKey/setTcacheKey store a cache-owner sentinel in a cached chunk's bk
// word, which otherwise sits unused while the chunk is linked into a tcache
// bin (the bin is singly-linked via fd only). keySentinel gives every node
// pushed by this cache the same value, so a later put can walk the whole
// bin looking for a match instead of only checking the head, catching a
// double free of a chunk sitting deeper in the stack.
func tcacheKey(c chunkPtr) uintptr         { return uintptr(bk(c)) }
func setTcacheKey(c chunkPtr, key uintptr) { setBk(c, chunkPtr(key)) }

func (t *tcache) keySentinel() uintptr { return uintptr(unsafe.Pointer(t)) }

// tcacheIndex maps a chunk size to its tcache bin, or -1 if the size is too
// large for the cache to hold.
func tcacheIndex(p *Params, size int) int {
	if size > p.tcacheMaxBytes {
		return -1
	}
	idx := (size - minChunkSize) / Align
	if idx < 0 || idx >= p.tcacheBins {
		return -1
	}
	return idx
}

// get pops a chunk from bin idx, or returns the zero chunkPtr if empty.
func (t *tcache) get(idx int) chunkPtr {
	c := t.entries[idx]
	if c == 0 {
		return 0
	}
	t.entries[idx] = fd(c)
	t.counts[idx]--
	t.totalBytes -= chunkSize(c)
	return c
}

// put pushes c (already sized to belong in bin idx) onto the cache, and
// reports whether it accepted the chunk: a bin refuses once it holds
// tcache_count entries, and the caller must fall
// back to the arena's fast tier or bin system instead. Every node already in
// the bin is walked looking for c, so a double free is caught no matter how
// deep in the stack the original push landed, not just at the head.
func (t *tcache) put(p *Params, idx int, c chunkPtr) bool {
	if t.counts[idx] >= p.tcacheBinCap {
		return false
	}

	key := t.keySentinel()

	for e := t.entries[idx]; e != 0; e = fd(e) {
		if e == c {
			panicCorruption("double free or corruption (tcache double push)", c)
		}
		debug.Assert(tcacheKey(e) == key, "tcache node key mismatch")
	}

	setTcacheKey(c, key)
	setFd(c, t.entries[idx])
	t.entries[idx] = c
	t.counts[idx]++
	t.totalBytes += chunkSize(c)
	return true
}

// ReleaseThreadCache drains the calling goroutine's thread cache back into
// the arenas that own its chunks and forgets the binding. Go
// gives no hook that runs automatically when a goroutine exits, so a
// long-lived worker-pool goroutine that is about to stop calling into this
// Heap should invoke this itself; short-lived goroutines can skip it; any
// cached chunks left behind are simply unreachable until the process ends,
// not leaked across arenas or corrupted.
func (h *Heap) ReleaseThreadCache() {
	id := goid()

	t, ok := h.tcaches.Load(id)
	if !ok {
		return
	}

	t.drainInto(h)
	h.tcaches.Delete(id)
}

// drainInto empties every bin, handing each chunk back to the arena that
// owns it (found with arenaOf): onto that arena's fast tier when the size
// fits, otherwise onto its unsorted queue. Called from ReleaseThreadCache.
// It takes each owning arena's mutex itself; the caller must not already
// hold any of them.
func (t *tcache) drainInto(h *Heap) {
	p := h.params.load()

	for idx := range t.entries {
		for {
			c := t.entries[idx]
			if c == 0 {
				break
			}
			t.entries[idx] = fd(c)
			t.counts[idx]--

			size := chunkSize(c)
			t.totalBytes -= size

			a := h.arenaOf(c)
			a.mu.Lock()
			if size <= p.maxFast {
				fastPush(&a.bins, fastBinIndex(size), c)
			} else {
				pushFront(a.bins.unsorted.ptr(), c)
				a.bins.summary.mark(0)
			}
			a.mu.Unlock()
		}
	}

	debug.Log(nil, "tcache-drain", "arena=%p", t.owner)
}
