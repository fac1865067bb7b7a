//go:build go1.22

package arena

import (
	"math/bits"
	"sync/atomic"

	"github.com/galloc/galloc/internal/debug"
	"github.com/galloc/galloc/pkg/xunsafe"
)

const (
	// minLargeSize is MIN_LARGE, the boundary chunk size at and above which
	// chunks live in large bins rather than small bins.
	// With minChunkSize=32 and a 16-byte stride over 62 small-bin classes,
	// this lands on the conventional 1024-byte boundary.
	minLargeSize = minChunkSize + nSmallBins*Align

	nSmallBins = 62
	nLargeBins = 63
	nFastBins  = 10

	// nBins is NBINS.
	nBins = 128

	bitmapWords = 4
	bitsPerWord = 32
)

// binHeader is a sentinel "chunk" used as the head of a bin's circular
// doubly-linked list. It is addressed exactly like a real chunk (its fd/bk
// and, for large bins, fd_nextsize/bk_nextsize live at the usual offsets)
// but its size word is always zero, marking it as "not a real chunk" per
// a sentinel header, never a chunk holding real payload.
type binHeader struct {
	raw [6]uintptr
}

func (h *binHeader) ptr() chunkPtr {
	return xunsafe.AddrOf(xunsafe.Cast[byte](&h.raw[0]))
}

func (h *binHeader) reset() {
	p := h.ptr()
	setFd(p, p)
	setBk(p, p)
	setFdNextsize(p, 0)
	setBkNextsize(p, 0)
}

func binEmpty(sentinel chunkPtr) bool { return fd(sentinel) == sentinel }

// bitmap summarizes which small/large bins might be non-empty, per
// a bit may be set when the bin is empty (a false positive
// costs one wasted scan), but a clear bit always means the bin is empty.
type bitmap [bitmapWords]uint32

func (m *bitmap) mark(idx int)  { m[idx/bitsPerWord] |= 1 << uint(idx%bitsPerWord) }
func (m *bitmap) clear(idx int) { m[idx/bitsPerWord] &^= 1 << uint(idx%bitsPerWord) }
func (m *bitmap) test(idx int) bool {
	return m[idx/bitsPerWord]&(1<<uint(idx%bitsPerWord)) != 0
}

// scanFrom returns the smallest set bit index >= from, or -1 if none is set
// at or above from. It skips whole empty words.
func (m *bitmap) scanFrom(from int) int {
	word := from / bitsPerWord
	bit := from % bitsPerWord

	if word >= bitmapWords {
		return -1
	}

	if w := m[word] &^ (1<<uint(bit) - 1); w != 0 {
		return word*bitsPerWord + bits.TrailingZeros32(w)
	}

	for word++; word < bitmapWords; word++ {
		if m[word] != 0 {
			return word*bitsPerWord + bits.TrailingZeros32(m[word])
		}
	}

	return -1
}

// binIndex is the per-arena free-chunk index:
// fast-tier stacks, the unsorted queue, small bins, large bins with their
// nextsize skip list, and the non-empty-bin bitmap.
type binIndex struct {
	fast           [nFastBins]atomic.Uintptr // lock-free LIFO stack heads (chunkPtr as uintptr for atomic access)
	haveFastChunks atomic.Bool

	unsorted binHeader
	small    [nSmallBins]binHeader
	large    [nLargeBins]binHeader

	summary bitmap
}

func (b *binIndex) init() {
	b.unsorted.reset()
	for i := range b.small {
		b.small[i].reset()
	}
	for i := range b.large {
		b.large[i].reset()
	}
}

// fastBinIndex maps a chunk size (<= params.maxFast) to a fast-tier class.
func fastBinIndex(size int) int { return (size - minChunkSize) / Align }

// smallBinIndex maps a chunk size (< minLargeSize) to its small-bin class.
func smallBinIndex(size int) int { return (size - minChunkSize) / Align }

func smallBinSize(idx int) int { return minChunkSize + idx*Align }

// largeBinIndex maps a chunk size (>= minLargeSize) to its large-bin class,
// using the same progressively-widening grouping glibc uses: fine-grained
// near the small/large boundary, coarser for huge requests.
func largeBinIndex(size int) int {
	s := size - minLargeSize
	switch {
	case s>>6 < 32:
		return s >> 6
	case s>>9 < 16:
		return 32 + s>>9
	case s>>12 < 8:
		return 48 + s>>12
	case s>>15 < 4:
		return 56 + s>>15
	case s>>18 < 2:
		return 60 + s>>18
	default:
		return nLargeBins - 1
	}
}

// globalSmallBit and globalLargeBit map a small- or large-bin class into the combined bitmap
// numbering used by binIndex.summary.
func globalSmallBit(idx int) int { return idx }
func globalLargeBit(idx int) int { return nSmallBins + idx }

// --- plain circular doubly-linked list helpers (unsorted / small bins) ---

// pushFront inserts c immediately after sentinel (the "head" position),
// used for the unsorted queue and small-bin FIFO discipline.
func pushFront(sentinel, c chunkPtr) {
	f := fd(sentinel)
	setFd(sentinel, c)
	setBk(c, sentinel)
	setFd(c, f)
	setBk(f, c)
}

// popBack detaches and returns the chunk at the tail of sentinel's list
// (the "oldest" entry), or the zero chunkPtr if the list is empty.
func popBack(sentinel chunkPtr) chunkPtr {
	c := bk(sentinel)
	if c == sentinel {
		return 0
	}
	detachPlain(c)
	return c
}

// detachPlain removes c from whatever plain doubly-linked list it is in,
// without any of unlink's corruption checks. Used for internal moves where
// the chunk's provenance is already known-good (e.g. draining the unsorted
// queue into a bin we just chose for it).
func detachPlain(c chunkPtr) {
	f, b := fd(c), bk(c)
	setBk(f, b)
	setFd(b, f)
}

// --- large bin insertion, keeping strictly decreasing size + nextsize skip list ---

func largeBinInsert(sentinel chunkPtr, c chunkPtr) {
	size := chunkSize(c)

	if binEmpty(sentinel) {
		setFd(sentinel, c)
		setBk(c, sentinel)
		setFd(c, sentinel)
		setBk(sentinel, c)
		setFdNextsize(sentinel, c)
		setBkNextsize(c, sentinel)
		setFdNextsize(c, sentinel)
		setBkNextsize(sentinel, c)
		return
	}

	rep := fdNextsize(sentinel)
	for rep != sentinel && chunkSize(rep) > size {
		rep = fdNextsize(rep)
	}

	if rep != sentinel && chunkSize(rep) == size {
		// Duplicate size: insert right after the representative in the main
		// list; no skip-list surgery needed.
		n := fd(rep)
		setFd(rep, c)
		setBk(c, rep)
		setBk(n, c)
		setFd(c, n)
		setFdNextsize(c, 0)
		setBkNextsize(c, 0)
		return
	}

	// c is a new distinct size: becomes a skip-list representative, inserted
	// into the main list immediately before rep (or at the tail if rep is
	// the sentinel, meaning c is smaller than everything present).
	p := bk(rep)
	setBk(rep, c)
	setFd(c, rep)
	setFd(p, c)
	setBk(c, p)

	prevRep := bkNextsize(rep)
	setFdNextsize(prevRep, c)
	setBkNextsize(c, prevRep)
	setFdNextsize(c, rep)
	setBkNextsize(rep, c)
}

// unlink detaches c from its small- or large-bin doubly linked list,
// performing the structural validation a safe unlink requires.
func unlink(c chunkPtr, large bool) {
	size := chunkSize(c)
	if footer(c) != size {
		panicCorruption("corrupted size vs prev_size", c)
	}

	f, b := fd(c), bk(c)
	if bk(f) != c || fd(b) != c {
		panicCorruption("corrupted double-linked list", c)
	}

	if large && fdNextsize(c) != 0 {
		if bkNextsize(fdNextsize(c)) != c || fdNextsize(bkNextsize(c)) != c {
			panicCorruption("corrupted double-linked list (not small)", c)
		}

		if f != b && chunkSize(f) == size {
			// f (the next main-list entry) shares c's size: promote it to
			// the skip-list representative slot c occupied. This is
			// structurally free.
			setFdNextsize(f, fdNextsize(c))
			setBkNextsize(fdNextsize(c), f)
			setBkNextsize(f, bkNextsize(c))
			setFdNextsize(bkNextsize(c), f)
		} else {
			setFdNextsize(bkNextsize(c), fdNextsize(c))
			setBkNextsize(fdNextsize(c), bkNextsize(c))
		}
	}

	setBk(f, b)
	setFd(b, f)
}

func panicCorruption(msg string, c chunkPtr) {
	debug.Log(nil, "corruption", "%s at %v", msg, c)
	panic(&CorruptionError{Reason: msg, Addr: c})
}
