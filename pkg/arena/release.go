//go:build go1.22

package arena

import "github.com/galloc/galloc/internal/debug"

// release validates, then routes a freed chunk back
// into the thread cache, the fast tier, or straight into the coalescing
// path, depending on its size and the state of the caches in front of it.
func (h *Heap) release(c chunkPtr) {
	if uintptr(c)&uintptr(Align-1) != 0 {
		panicCorruption("free(): invalid pointer", c)
	}

	size := chunkSize(c)
	if size < minChunkSize || size&(Align-1) != 0 || uintptr(c) > -uintptr(size) {
		panicCorruption("free(): invalid size", c)
	}

	if isMapped(c) {
		h.releaseMapped(c, size)
		return
	}

	if !prevInUse(nextChunk(c)) {
		panicCorruption("double free or corruption (already free)", c)
	}

	id := goid()
	p := h.params.load()

	t, _ := h.tcaches.LoadOrStore(id, func() *tcache {
		return newTcache(h.arenaFor())
	})

	// Step 1: the thread cache, if the size fits and the bin has room.
	if idx := tcacheIndex(p, size); idx >= 0 && t.put(p, idx, c) {
		debug.Log(nil, "release", "tcache size=%d", size)
		return
	}

	a := h.arenaOf(c)

	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 2: the arena's lock-free fast tier.
	if size <= p.maxFast {
		fastPush(&a.bins, fastBinIndex(size), c)
		debug.Log(nil, "release", "fastbin size=%d", size)
		return
	}

	// Step 3/5/6: coalesce with physical neighbours and queue, or fold
	// straight into top if a neighbour reaches it.
	a.coalesceAndQueue(c)
	debug.Log(nil, "release", "coalesced size=%d", size)

	if size >= fastbinConsolidationThreshold {
		a.consolidateFastChunks(p)
	}

	a.maybeTrim(p)
}

// releaseMapped unmaps a chunk that was served directly from the OS,
// adapting the mmap threshold upward afterward so a run of similarly large
// requests stops paying the per-call mmap/munmap cost.
func (h *Heap) releaseMapped(c chunkPtr, size int) {
	base := uintptr(c)
	if !h.provider.Unmap(base, size) {
		panicCorruption("failed to unmap mapped chunk", c)
	}
	h.mmapRegions.Add(-1)
	h.params.adaptMmapThreshold(size)
	debug.Log(nil, "release", "munmap size=%d", size)
}

// maybeTrim releases trailing OS pages from an over-large top chunk back to
// the provider once it exceeds trim_threshold.
func (a *arenaState) maybeTrim(p *Params) {
	if a.topSize < p.trimThreshold {
		return
	}
	a.trimTop(p.topPad)
}

// trimTop advises the provider that all but pad bytes of the top chunk's
// pages can be released, and shrinks the chunk's recorded size to match —
// this package's OSProvider contract has no way to actually shrink a
// mapping, so trimming here is limited to the Advise hint plus bookkeeping;
// a provider backed by real munmap/madvise can act on it. See DESIGN.md.
func (a *arenaState) trimTop(pad int) int {
	if a.top == 0 {
		return 0
	}

	keep := roundUp(pad+minChunkSize, pageSize)
	if a.topSize <= keep {
		return 0
	}

	released := (a.topSize - keep) &^ (pageSize - 1)
	if released <= 0 {
		return 0
	}

	base := uintptr(a.top) + uintptr(a.topSize-released)
	a.heap.provider.Advise(base, released)

	a.topSize -= released
	setChunkSize(a.top, a.topSize)
	a.systemMem -= released

	debug.Log(nil, "trim", "released=%d new_top=%d", released, a.topSize)
	return released
}
