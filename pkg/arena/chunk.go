//go:build go1.22

package arena

import (
	"unsafe"

	"github.com/galloc/galloc/internal/debug"
	"github.com/galloc/galloc/pkg/xunsafe"
)

// chunkPtr addresses the start of a chunk header (its prevSize word), not
// the user-visible payload. It is never traced by the GC; the byte regions
// it points into are kept alive by the arena that owns them (see
// osmem.go's pinning scheme).
type chunkPtr = xunsafe.Addr[byte]

const (
	wordSize = int(unsafe.Sizeof(uintptr(0))) // W

	// Align is the chunk alignment boundary A = 2*W.
	Align = 2 * wordSize

	// minChunkSize is the smallest legal chunk size: header (2W) plus room
	// for the free-chunk fd/bk link pair (2W).
	minChunkSize = 4 * wordSize

	// ptrOffset is the fixed offset between a chunk pointer and the user
	// pointer handed out to callers.
	ptrOffset = 2 * wordSize

	fdOffset         = 2 * wordSize
	bkOffset         = 3 * wordSize
	fdNextsizeOffset = 4 * wordSize
	bkNextsizeOffset = 5 * wordSize
)

// Flag bits packed into the low 3 bits of sizeAndFlags.
const (
	flagPrevInUse uintptr = 1 << 0 // P
	flagMapped    uintptr = 1 << 1 // M
	flagNonMain   uintptr = 1 << 2 // N
	flagMask              = flagPrevInUse | flagMapped | flagNonMain
)

// maxRequestSize rejects requests that could overflow chunk-size arithmetic.
const maxRequestSize = (^uint(0))>>1 - uint(Align)

func loadWord(c chunkPtr, offset int) uintptr {
	return xunsafe.ByteLoad[uintptr](c.AssertValid(), offset)
}

func storeWord(c chunkPtr, offset int, v uintptr) {
	xunsafe.ByteStore[uintptr](c.AssertValid(), offset, v)
}

func prevSizeField(c chunkPtr) int       { return int(loadWord(c, 0)) }
func setPrevSizeField(c chunkPtr, v int) { storeWord(c, 0, uintptr(v)) }

func sizeAndFlags(c chunkPtr) uintptr       { return loadWord(c, wordSize) }
func setSizeAndFlags(c chunkPtr, v uintptr) { storeWord(c, wordSize, v) }

// chunkSize returns the total chunk size in bytes, flags masked off.
func chunkSize(c chunkPtr) int { return int(sizeAndFlags(c) &^ flagMask) }

// setChunkSize overwrites the size field, preserving the flag bits.
func setChunkSize(c chunkPtr, size int) {
	debug.Assert(size&(Align-1) == 0, "chunk size %d is not %d-byte aligned", size, Align)
	setSizeAndFlags(c, uintptr(size)|(sizeAndFlags(c)&flagMask))
}

func prevInUse(c chunkPtr) bool    { return sizeAndFlags(c)&flagPrevInUse != 0 }
func setPrevInUse(c chunkPtr)      { setSizeAndFlags(c, sizeAndFlags(c)|flagPrevInUse) }
func clearPrevInUse(c chunkPtr)    { setSizeAndFlags(c, sizeAndFlags(c)&^flagPrevInUse) }
func isMapped(c chunkPtr) bool     { return sizeAndFlags(c)&flagMapped != 0 }
func setMapped(c chunkPtr)         { setSizeAndFlags(c, sizeAndFlags(c)|flagMapped) }
func isNonMainArena(c chunkPtr) bool { return sizeAndFlags(c)&flagNonMain != 0 }
func setNonMainArena(c chunkPtr)   { setSizeAndFlags(c, sizeAndFlags(c)|flagNonMain) }
func clearNonMainArena(c chunkPtr) { setSizeAndFlags(c, sizeAndFlags(c)&^flagNonMain) }

// nextChunk returns the chunk physically following c.
func nextChunk(c chunkPtr) chunkPtr { return c.ByteAdd(chunkSize(c)) }

// prevChunk returns the chunk physically preceding c.
//
// Only valid when !prevInUse(c); the caller must have already checked this,
// since prevSizeField(c) is meaningless (and may hold stale payload data)
// otherwise.
func prevChunk(c chunkPtr) chunkPtr { return c.ByteAdd(-prevSizeField(c)) }

// footer returns the byte offset, relative to c, at which c's footer (the
// prevSize of the chunk following it) lives. Chunks write their own size
// into their successor's prevSize field when free.
func footer(c chunkPtr) int { return prevSizeField(nextChunk(c)) }

func setFooter(c chunkPtr, size int) { setPrevSizeField(nextChunk(c), size) }

func fd(c chunkPtr) chunkPtr        { return chunkPtr(loadWord(c, fdOffset)) }
func setFd(c chunkPtr, v chunkPtr)  { storeWord(c, fdOffset, uintptr(v)) }
func bk(c chunkPtr) chunkPtr        { return chunkPtr(loadWord(c, bkOffset)) }
func setBk(c chunkPtr, v chunkPtr)  { storeWord(c, bkOffset, uintptr(v)) }

func fdNextsize(c chunkPtr) chunkPtr       { return chunkPtr(loadWord(c, fdNextsizeOffset)) }
func setFdNextsize(c chunkPtr, v chunkPtr) { storeWord(c, fdNextsizeOffset, uintptr(v)) }
func bkNextsize(c chunkPtr) chunkPtr       { return chunkPtr(loadWord(c, bkNextsizeOffset)) }
func setBkNextsize(c chunkPtr, v chunkPtr) { storeWord(c, bkNextsizeOffset, uintptr(v)) }

// mem2chunk converts a user-visible payload pointer back to its owning
// chunk pointer.
func mem2chunk(p unsafe.Pointer) chunkPtr {
	return xunsafe.Addr[byte](p).ByteAdd(-ptrOffset)
}

// chunk2mem converts a chunk pointer to the user-visible payload pointer.
func chunk2mem(c chunkPtr) unsafe.Pointer {
	return unsafe.Pointer(c.ByteAdd(ptrOffset).AssertValid())
}

// usableSize returns the number of payload bytes available in an in-use
// chunk of the given total size: the chunk's own size minus the one word of
// header overhead that cannot be reused as payload (the size_and_flags
// word). The symmetric word, the next chunk's prevSize field, is folded
// into this chunk's payload while P is set.
func usableSize(size int) int { return size - wordSize }

// padRequest normalizes a caller-supplied byte count into a legal, aligned
// chunk size: pad(req) = max(MIN, align_up(req+W, A)).
func padRequest(req int) (int, bool) {
	if req < 0 || uint(req) > maxRequestSize {
		return 0, false
	}

	n := roundUp(req+wordSize, Align)
	if n < minChunkSize {
		n = minChunkSize
	}

	return n, true
}

func roundUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }
