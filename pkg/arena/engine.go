//go:build go1.22

package arena

import (
	"github.com/galloc/galloc/internal/debug"
)

// allocate runs the ten-step lookup ladder for a single
// already-padded chunk size, returning a free chunk in use-ready state (P
// set on its successor, unlinked from every index) or the zero chunkPtr if
// every tier was exhausted and OS growth also failed.
func (h *Heap) allocate(size int) chunkPtr {
	id := goid()

	t, _ := h.tcaches.LoadOrStore(id, func() *tcache {
		return newTcache(h.arenaFor())
	})

	p := h.params.load()

	// Step 1: thread cache, lock-free, no arena contention at all.
	if idx := tcacheIndex(p, size); idx >= 0 {
		if c := t.get(idx); c != 0 {
			debug.Log(nil, "alloc", "tcache hit size=%d", size)
			return c
		}
	}

	a := h.arenaFor()
	t.owner = a

	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 2: this arena's own fast tier.
	if size <= p.maxFast {
		if idx := fastBinIndex(size); idx < nFastBins {
			if c := fastPop(&a.bins, idx); c != 0 {
				debug.Log(nil, "alloc", "fastbin hit size=%d", size)
				return c
			}
		}
	}

	// Step 3: an exact-size small bin, fed either directly or via a
	// just-drained batch of fast chunks.
	if size < minLargeSize {
		idx := smallBinIndex(size)
		sentinel := a.bins.small[idx].ptr()
		if !binEmpty(sentinel) {
			c := bk(sentinel)
			unlink(c, false)
			a.maybeClearSmallBit(idx)
			setPrevInUse(nextChunk(c))
			debug.Log(nil, "alloc", "smallbin hit size=%d", size)
			return c
		}
	}

	// Step 4: consolidate every other fast-tier class into the unsorted
	// queue before scanning it, so step 5 sees the freshest picture.
	a.consolidateFastChunks(p)

	// Step 5: walk the unsorted queue, handing over an exact (or
	// near-exact) fit whole and binning everything else, bounded by
	// unsortedLimit iterations.
	if c := a.scanUnsorted(p, size); c != 0 {
		return c
	}

	// Step 6: large-bin / small-bin scan from the next non-empty class
	// upward, splitting the smallest adequate chunk found.
	if c := a.scanBinsUpward(p, size); c != 0 {
		return c
	}

	// Step 7: the last remainder left over from a previous split, if it is
	// now large enough.
	if a.lastRemainder != 0 && chunkSize(a.lastRemainder) >= size {
		return a.splitFromTop(a.lastRemainder, size, true)
	}

	// Step 8: the top chunk itself.
	if a.topSize >= size {
		return a.splitFromTop(a.top, size, false)
	}

	// Step 9: ask the OS provider to grow, then retry against the
	// now-larger top chunk.
	if a.grow(size) {
		if a.topSize >= size {
			return a.splitFromTop(a.top, size, false)
		}
	}

	// Step 10: exhausted.
	debug.Log(nil, "alloc", "oom size=%d", size)
	return 0
}

// maybeClearSmallBit clears the summary bit for a small bin that unlink just
// emptied. Leaving a stale set bit is always safe (the bitmap only promises
// no false negatives), but clearing it keeps future scans cheap.
func (a *arenaState) maybeClearSmallBit(idx int) {
	if binEmpty(a.bins.small[idx].ptr()) {
		a.bins.summary.clear(globalSmallBit(idx))
	}
}

func (a *arenaState) maybeClearLargeBit(idx int) {
	if binEmpty(a.bins.large[idx].ptr()) {
		a.bins.summary.clear(globalLargeBit(idx))
	}
}

// consolidateFastChunks drains every fast-tier stack and folds each chunk
// into a single coalesced run with its physical neighbours (if they are
// also free), pushing the result onto the unsorted queue. Shared by the
// allocation ladder's consolidation step and by release, once a freed chunk
// reaches fastbinConsolidationThreshold.
func (a *arenaState) consolidateFastChunks(p *Params) {
	if !a.bins.haveFastChunks.Load() {
		return
	}
	a.bins.haveFastChunks.Store(false)

	for idx := 0; idx < nFastBins; idx++ {
		c := fastDrain(&a.bins, idx)
		for c != 0 {
			next := fd(c)
			a.coalesceAndQueue(c)
			c = next
		}
	}
}

// coalesceAndQueue merges c with any free physical neighbours, then pushes
// the resulting chunk onto the unsorted queue (or directly into top, if the
// merge reaches it).
func (a *arenaState) coalesceAndQueue(c chunkPtr) {
	size := chunkSize(c)

	if !prevInUse(c) {
		prev := prevChunk(c)
		unlink(prev, chunkSize(prev) >= minLargeSize)
		size += chunkSize(prev)
		c = prev
	}

	n := c.ByteAdd(size)
	if n == a.top {
		a.topSize += size
		a.top = c
		setChunkSize(a.top, a.topSize)
		return
	}

	if !isInUse(n) {
		unlink(n, chunkSize(n) >= minLargeSize)
		size += chunkSize(n)
	}

	setChunkSize(c, size)
	setFooter(c, size)
	clearPrevInUseOnNext(c)

	pushFront(a.bins.unsorted.ptr(), c)
	a.bins.summary.mark(0)
}

// isInUse reports whether chunk c is currently allocated, by checking the
// P bit of its successor.
func isInUse(c chunkPtr) bool { return prevInUse(nextChunk(c)) }

func clearPrevInUseOnNext(c chunkPtr) { clearPrevInUse(nextChunk(c)) }

// scanUnsorted walks the unsorted queue
// tail-to-head, moving each chunk into its proper small/large bin unless it
// is an exact size match, or, for a small request, larger by less than
// minChunkSize; either is returned whole. It never splits a chunk and does
// not consult or set lastRemainder.
func (a *arenaState) scanUnsorted(p *Params, size int) chunkPtr {
	sentinel := a.bins.unsorted.ptr()

	for i := 0; i < p.unsortedLimit; i++ {
		c := bk(sentinel)
		if c == sentinel {
			return 0
		}
		detachPlain(c)

		csize := chunkSize(c)

		if csize == size {
			setPrevInUse(nextChunk(c))
			return c
		}

		if size < minLargeSize && csize > size && csize < minLargeSize+Align && csize-size < minChunkSize {
			// Close enough in size that splitting would leave a remainder
			// too small to be a legal chunk: hand the whole thing over,
			// same as glibc's "exact or within MINSIZE" unsorted shortcut.
			setPrevInUse(nextChunk(c))
			return c
		}

		if csize < minLargeSize {
			idx := smallBinIndex(csize)
			pushFront(a.bins.small[idx].ptr(), c)
			a.bins.summary.mark(globalSmallBit(idx))
		} else {
			idx := largeBinIndex(csize)
			largeBinInsert(a.bins.large[idx].ptr(), c)
			a.bins.summary.mark(globalLargeBit(idx))
		}
	}

	return 0
}

// scanBinsUpward finds the smallest bin at or
// above size's class that the bitmap says might be non-empty, and split its
// best-fitting chunk.
func (a *arenaState) scanBinsUpward(p *Params, size int) chunkPtr {
	if size < minLargeSize {
		start := smallBinIndex(size)
		for idx := a.bins.summary.scanFrom(globalSmallBit(start)); idx >= 0 && idx < nSmallBins; idx = a.bins.summary.scanFrom(idx + 1) {
			sentinel := a.bins.small[idx].ptr()
			if binEmpty(sentinel) {
				// Stale bit: clear it and keep scanning.
				a.bins.summary.clear(globalSmallBit(idx))
				continue
			}
			c := bk(sentinel)
			unlink(c, false)
			a.maybeClearSmallBit(idx)
			return a.splitFromBin(c, size)
		}
	}

	startIdx := largeBinIndex(max(size, minLargeSize))
	bit := a.bins.summary.scanFrom(globalLargeBit(startIdx))
	if bit < nSmallBins {
		return 0
	}

	for ; bit >= 0 && bit < nSmallBins+nLargeBins; bit = a.bins.summary.scanFrom(bit + 1) {
		idx := bit - nSmallBins
		sentinel := a.bins.large[idx].ptr()

		// Within a large bin, chunks are stored size-descending; walk from
		// the tail (smallest) forward looking for the first adequate one.
		for c := bk(sentinel); c != sentinel; c = bk(c) {
			if chunkSize(c) >= size {
				unlink(c, true)
				a.maybeClearLargeBit(idx)
				return a.splitFromBin(c, size)
			}
		}
	}

	return 0
}

// splitFromBin splits a chunk pulled from a small/large bin (or the
// unsorted queue) down to size, stashing any remainder as the new
// lastRemainder.
func (a *arenaState) splitFromBin(c chunkPtr, size int) chunkPtr {
	csize := chunkSize(c)
	remainder := csize - size

	if remainder < minChunkSize {
		setPrevInUse(nextChunk(c))
		return c
	}

	setChunkSize(c, size)
	setPrevInUse(nextChunk(c))

	rem := c.ByteAdd(size)
	setChunkSize(rem, remainder)
	setPrevInUse(rem)
	a.stampArenaFlag(rem)
	setFooter(rem, remainder)

	a.lastRemainder = rem
	pushFront(a.bins.unsorted.ptr(), rem)
	a.bins.summary.mark(0)

	return c
}

// splitFromTop carves size bytes off the front of src (the top chunk, or
// the last remainder when fromRemainder is true), installing whatever is
// left as the new top / remainder.
func (a *arenaState) splitFromTop(src chunkPtr, size int, fromRemainder bool) chunkPtr {
	total := chunkSize(src)
	remainder := total - size

	if fromRemainder {
		a.lastRemainder = 0
	}

	if remainder < minChunkSize {
		// Too little is left over to stand as its own chunk: the sliver is
		// absorbed into the returned chunk instead of being dropped, so no
		// untracked bytes are ever left sitting between two live chunks.
		setChunkSize(src, total)
		setPrevInUse(nextChunk(src))
		if !fromRemainder {
			a.top = 0
			a.topSize = 0
		}
		return src
	}

	setChunkSize(src, size)
	setPrevInUse(nextChunk(src))

	rem := src.ByteAdd(size)
	setChunkSize(rem, remainder)
	setPrevInUse(rem)
	a.stampArenaFlag(rem)

	if fromRemainder {
		a.lastRemainder = rem
		setFooter(rem, remainder)
		pushFront(a.bins.unsorted.ptr(), rem)
		a.bins.summary.mark(0)
	} else {
		a.top = rem
		a.topSize = remainder
	}

	return src
}

// grow asks the OS provider for more address space sufficient to satisfy a
// request of size bytes, folding it into the top chunk.
func (a *arenaState) grow(size int) bool {
	p := a.heap.params.load()
	need := size - a.topSize

	// Requested growth is rounded up to a full page before being handed to
	// the provider: the provider is free to round internally too, but if
	// our own bookkeeping asked for exactly what it will grant, no
	// untracked "slack" bytes are ever left sitting past the recorded top
	// size for a later coalesce to wander into.
	req := roundUp(need+p.topPad, pageSize)

	if a.primary {
		if base, ok := a.heap.provider.Grow(req); ok {
			if a.top == 0 {
				a.installTop(chunkPtr(base), req)
			} else {
				a.extendTop(req)
			}
			return true
		}
		// Break failed: fall through to the mmap-style path every other
		// arena already uses. The mapped region is not contiguous with the
		// old top and replaces it, so it must cover the whole request.
		req = roundUp(size+p.topPad, pageSize)
		base, ok := a.heap.provider.Map(req)
		if !ok {
			return false
		}
		a.recordGrowth(req)
		a.spliceNewRegion(chunkPtr(base), req)
		return true
	}

	return a.growAuxiliary(need)
}

// spliceNewRegion installs a freshly mapped, physically disjoint region as
// the new top, first retiring whatever fragment of the old top remains by
// handing it to the unsorted queue as an ordinary free chunk (since it can
// no longer be extended contiguously).
func (a *arenaState) spliceNewRegion(base chunkPtr, n int) {
	if a.top != 0 && a.topSize >= minChunkSize {
		setFooter(a.top, a.topSize)
		pushFront(a.bins.unsorted.ptr(), a.top)
		a.bins.summary.mark(0)
	}
	a.installTop(base, n)
}
