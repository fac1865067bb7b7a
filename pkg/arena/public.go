//go:build go1.22

package arena

import (
	"unsafe"

	"github.com/galloc/galloc/internal/debug"
)

// Allocate returns a pointer to at least n usable bytes, or nil if the
// request cannot be satisfied. A zero n is
// normalized to the smallest legal chunk, matching malloc(0)'s conventional
// "a valid, freeable pointer" behavior; a negative n is rejected with an
// InvalidArgError.
func (h *Heap) Allocate(n int) unsafe.Pointer {
	size, ok := padRequest(n)
	if !ok {
		h.recordError(&InvalidArgError{Reason: "requested size overflows chunk arithmetic"})
		return nil
	}

	if size >= h.params.load().mmapThreshold {
		if p := h.allocateMapped(size); p != nil {
			return p
		}
		// Falls through to the arena path: a single oversized request
		// should not give up just because the OS has no fresh mapping to
		// hand out right now.
	}

	c := h.allocate(size)
	if c == 0 {
		h.recordError(&OOMError{Requested: n})
		return nil
	}

	if debug.Enabled {
		h.live.add(c, chunkSize(c))
	}

	return chunk2mem(c)
}

// allocateMapped serves a request directly from the OS provider, bypassing
// every arena, since large requests go straight to a direct OS mapping
// once they cross the mmap_threshold tunable.
func (h *Heap) allocateMapped(size int) unsafe.Pointer {
	p := h.params.load()
	if int(h.mmapRegions.Load()) >= p.mmapMax {
		return nil
	}

	total := size + ptrOffset
	base, ok := h.provider.Map(total)
	if !ok {
		return nil
	}

	c := chunkPtr(base)
	setChunkSize(c, total)
	setPrevInUse(c)
	setMapped(c)

	h.mmapRegions.Add(1)
	debug.Log(nil, "alloc", "mmap size=%d", total)

	if debug.Enabled {
		h.live.add(c, total)
	}

	return chunk2mem(c)
}

// AllocateAligned returns a pointer to at least n usable bytes, aligned to
// align (which must be a power of two), or nil if the request cannot be
// satisfied. The implementation over-allocates and hands back an
// interior-aligned pointer, recording enough bookkeeping in the leading pad
// for Release/Reallocate/UsableSize to still work.
func (h *Heap) AllocateAligned(align, n int) unsafe.Pointer {
	if !isPow2(align) {
		h.recordError(&InvalidArgError{Reason: "alignment must be a power of two"})
		return nil
	}
	if align <= Align {
		return h.Allocate(n)
	}

	want, ok := padRequest(n)
	if !ok {
		h.recordError(&InvalidArgError{Reason: "requested size overflows chunk arithmetic"})
		return nil
	}

	// Worst case the payload start needs to move forward by align-Align
	// bytes to land on the boundary, plus room for one extra minimum chunk
	// so the skipped-over prefix is itself a valid free chunk.
	over := want + align - Align + minChunkSize
	if over < want {
		h.recordError(&InvalidArgError{Reason: "requested alignment overflows chunk arithmetic"})
		return nil // overflow
	}

	c := h.allocate(roundUpToLegal(over))
	if c == 0 {
		h.recordError(&OOMError{Requested: n})
		return nil
	}

	aligned := c.ByteAdd(ptrOffset).RoundUpTo(align).ByteAdd(-ptrOffset)
	if aligned != c && aligned.Sub(c) < minChunkSize {
		// Too small a gap to stand as a free chunk: use the next boundary.
		aligned = aligned.ByteAdd(align)
	}

	if aligned != c {
		h.carveAlignedPrefix(c, aligned)
	}

	if debug.Enabled {
		h.live.add(aligned, chunkSize(aligned))
	}

	return chunk2mem(aligned)
}

// roundUpToLegal pads an already-computed byte count up to the nearest
// legal chunk size, without re-deriving it from a user request.
func roundUpToLegal(n int) int {
	n = roundUp(n, Align)
	if n < minChunkSize {
		n = minChunkSize
	}
	return n
}

// carveAlignedPrefix splits the gap between c (the chunk actually returned
// by the engine) and aligned (the boundary-satisfying interior chunk the
// caller will receive) into its own free chunk and releases it back into
// the owning arena, exactly as the engine's own splitFromBin does for
// ordinary remainders.
func (h *Heap) carveAlignedPrefix(c, aligned chunkPtr) {
	total := chunkSize(c)
	prefix := aligned.Sub(c)

	setChunkSize(c, prefix)
	setPrevInUse(c) // c's own predecessor state is unaffected by this split

	remaining := total - prefix
	setChunkSize(aligned, remaining)
	setPrevInUse(aligned)
	setNonMainArenaIfNeeded(aligned, c)

	h.release(c)
}

func setNonMainArenaIfNeeded(dst, src chunkPtr) {
	if isNonMainArena(src) {
		setNonMainArena(dst)
	}
}

// AllocateZeroed returns a pointer to count*size zeroed bytes, matching
// calloc's overflow-checked multiplication.
func (h *Heap) AllocateZeroed(count, size int) unsafe.Pointer {
	if count < 0 || size < 0 {
		h.recordError(&InvalidArgError{Reason: "count and size must be non-negative"})
		return nil
	}
	if count != 0 && size > (maxRequestSizeInt())/count {
		h.recordError(&InvalidArgError{Reason: "count*size overflows"})
		return nil // overflow
	}

	n := count * size
	p := h.Allocate(n)
	if p == nil {
		return nil
	}

	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}

	return p
}

func maxRequestSizeInt() int { return int(maxRequestSize) }

// Release returns the chunk at p to the allocator. p must be a pointer
// previously returned by Allocate/AllocateAligned/AllocateZeroed/
// Reallocate and not already released; any other value is undefined
// behavior that this package tries, but is not guaranteed, to catch as a
// CorruptionError.
func (h *Heap) Release(p unsafe.Pointer) {
	if p == nil {
		return
	}

	c := mem2chunk(p)
	if debug.Enabled {
		if _, ok := h.live.remove(c); !ok {
			panicCorruption("release of untracked pointer", c)
		}
	}

	h.release(c)
}

// Reallocate resizes the allocation at p to hold at least n bytes,
// preserving min(old, new) content. A nil p behaves as Allocate(n); an n of zero behaves as
// Release(p) followed by returning nil.
func (h *Heap) Reallocate(p unsafe.Pointer, n int) unsafe.Pointer {
	if p == nil {
		return h.Allocate(n)
	}
	if n <= 0 {
		h.Release(p)
		return nil
	}

	c := mem2chunk(p)
	if isMapped(c) {
		return h.reallocateMapped(c, n)
	}

	want, ok := padRequest(n)
	if !ok {
		h.recordError(&InvalidArgError{Reason: "requested size overflows chunk arithmetic"})
		return nil
	}

	cur := chunkSize(c)
	if want <= cur {
		if cur-want >= minChunkSize {
			h.shrinkInPlace(c, want)
		}
		return p
	}

	if h.growInPlace(c, want) {
		return p
	}

	newPtr := h.Allocate(n)
	if newPtr == nil {
		return nil
	}

	copy(unsafe.Slice((*byte)(newPtr), usableSize(cur)), unsafe.Slice((*byte)(p), usableSize(cur)))
	h.Release(p)
	return newPtr
}

// shrinkInPlace splits off and frees the trailing remainder of a chunk
// being realloc'd smaller.
func (h *Heap) shrinkInPlace(c chunkPtr, want int) {
	cur := chunkSize(c)
	remainder := cur - want

	setChunkSize(c, want)

	rem := c.ByteAdd(want)
	setChunkSize(rem, remainder)
	setPrevInUse(rem)
	setNonMainArenaIfNeeded(rem, c)

	h.release(rem)

	setPrevInUse(nextChunk(c))
}

// growInPlace attempts to absorb the immediately following free chunk (or
// top) to satisfy a larger realloc without copying, falling back to a
// copy only once no neighbour can absorb the growth.
func (h *Heap) growInPlace(c chunkPtr, want int) bool {
	a := h.arenaOf(c)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := chunkSize(c)
	n := nextChunk(c)

	if n == a.top {
		avail := cur + a.topSize
		if avail < want {
			return false
		}
		setChunkSize(c, want)
		rem := c.ByteAdd(want)
		remSize := avail - want
		if remSize < minChunkSize {
			setChunkSize(c, avail)
			a.top = 0
			a.topSize = 0
		} else {
			setChunkSize(rem, remSize)
			setPrevInUse(rem)
			a.stampArenaFlag(rem)
			a.top = rem
			a.topSize = remSize
		}
		setPrevInUse(nextChunk(c))
		return true
	}

	if isInUse(n) {
		return false
	}

	nsize := chunkSize(n)
	avail := cur + nsize
	if avail < want {
		return false
	}

	large := nsize >= minLargeSize
	unlink(n, large)
	if large {
		a.maybeClearLargeBit(largeBinIndex(nsize))
	} else {
		a.maybeClearSmallBit(smallBinIndex(nsize))
	}

	if avail-want >= minChunkSize {
		setChunkSize(c, want)
		rem := c.ByteAdd(want)
		setChunkSize(rem, avail-want)
		setPrevInUse(rem)
		a.stampArenaFlag(rem)
		setFooter(rem, avail-want)
		pushFront(a.bins.unsorted.ptr(), rem)
		a.bins.summary.mark(0)
	} else {
		setChunkSize(c, avail)
	}
	setPrevInUse(nextChunk(c))

	return true
}

// reallocateMapped handles realloc of a directly-mmap'd chunk: there is no
// neighbour to absorb, so this always copies into a fresh allocation unless
// the request still fits the existing mapping's rounded size.
func (h *Heap) reallocateMapped(c chunkPtr, n int) unsafe.Pointer {
	cur := chunkSize(c)
	want := n + ptrOffset
	if want <= cur {
		return chunk2mem(c)
	}

	newPtr := h.Allocate(n)
	if newPtr == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(newPtr), usableSize(cur)), unsafe.Slice((*byte)(chunk2mem(c)), usableSize(cur)))
	h.release(c)
	return newPtr
}

// UsableSize reports the number of bytes actually available at p, which may
// exceed the size originally requested.
func (h *Heap) UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	return usableSize(chunkSize(mem2chunk(p)))
}

// SetTunable adjusts one runtime tunable, reporting whether the value was
// accepted.
func (h *Heap) SetTunable(id TunableID, v int64) bool {
	return h.params.setTunable(id, v)
}

// Trim releases trailing free pages from every arena's top chunk down to
// pad bytes, reporting whether any arena actually had pages to release.
func (h *Heap) Trim(pad int) bool {
	released := false

	h.ringMu.Lock()
	arenas := make([]*arenaState, 0, h.numArenas.Load())
	for a := h.ringHead; a != nil; a = a.ringNext {
		arenas = append(arenas, a)
	}
	h.ringMu.Unlock()

	for _, a := range arenas {
		a.mu.Lock()
		if a.trimTop(pad) > 0 {
			released = true
		}
		a.mu.Unlock()
	}

	return released
}
