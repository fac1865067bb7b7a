//go:build go1.22

package arena

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/galloc/galloc/internal/debug"
	"github.com/galloc/galloc/internal/xsync"
	"github.com/galloc/galloc/pkg/xunsafe"
	"github.com/timandy/routine"
)

// defaultArenaMax derives the process-wide arena cap from the number of
// available cores.
// This build targets 64-bit Go (no 32-bit arch gets a distinct build file:
// uintptr is 8 bytes on every platform Go 1.22+ realistically ships on
// here), so the 8x multiplier is used unconditionally.
func defaultArenaMax() int {
	n := runtime.GOMAXPROCS(0) * 8
	if n < 1 {
		n = 1
	}
	return n
}

// subHeapHeaderSize is the number of bytes reserved at the base of every
// HEAP_MAX-aligned sub-heap mapping for its heap_info-equivalent header,
// written there by growAuxiliary before any chunk begins. The one-word
// header is padded to Align so the chunks after it stay Align-aligned.
const subHeapHeaderSize = Align

// subHeap is one HEAP_MAX-aligned mapping owned by exactly one auxiliary
// arena. An auxiliary arena may chain several of these if
// a single region is exhausted. A pointer to this struct is also stamped
// into the first word of its own mapped region, so a bare chunk address
// can be masked down to base and read back, the same way glibc's
// heap_for_ptr recovers a heap_info from a chunk pointer.
type subHeap struct {
	base      uintptr
	size      int // reserved size
	committed int // bytes actually usable (<= size)
	prev      *subHeap
	arena     *arenaState
}

// heapForPtr masks c down to its HEAP_MAX-aligned sub-heap base and
// recovers the subHeap header stored there. Only valid for chunks with the
// N flag set; main-arena chunks are never part of a sub-heap.
func heapForPtr(c chunkPtr) *subHeap {
	base := uintptr(c) &^ uintptr(heapMax-1)
	raw := loadWord(chunkPtr(base), 0)
	return (*subHeap)(unsafe.Pointer(raw)) //nolint:govet
}

// arenaState is a per-arena record: a mutex,
// the bin index, the top chunk, the last-remainder slot, ring links, an
// attached-goroutine counter, and running OS-memory totals.
type arenaState struct {
	mu sync.Mutex

	bins          binIndex
	top           chunkPtr
	topSize       int
	lastRemainder chunkPtr

	heap *Heap

	primary bool
	heaps   *subHeap // most recent sub-heap (auxiliary arenas only)

	ringNext *arenaState // singly-linked ring of all arenas
	attached atomic.Int32

	systemMem    int
	maxSystemMem int
}

func newArenaState(h *Heap, primary bool) *arenaState {
	a := &arenaState{heap: h, primary: primary}
	a.bins.init()
	return a
}

func (a *arenaState) recordGrowth(n int) {
	a.systemMem += n
	if a.systemMem > a.maxSystemMem {
		a.maxSystemMem = a.systemMem
	}
}

// stampArenaFlag sets or clears c's N bit to reflect whether a is the
// primary arena. Called explicitly at every point a fresh chunk header is
// minted, rather than trusting whatever flag bits happen to already sit in
// that memory, mirroring glibc's set_head always writing NON_MAIN_ARENA
// in full instead of preserving stale bits.
func (a *arenaState) stampArenaFlag(c chunkPtr) {
	if a.primary {
		clearNonMainArena(c)
	} else {
		setNonMainArena(c)
	}
}

// arenaOf derives the owning arena of a non-mapped chunk: the primary
// arena directly when the N bit is clear, or by masking down to the
// HEAP_MAX-aligned sub-heap header for an auxiliary-arena chunk. Release
// and in-place realloc must route through this rather than the arena the
// calling goroutine happens to be bound to, since a chunk can be freed by a
// different goroutine, or a different arena, than the one that allocated it.
func (h *Heap) arenaOf(c chunkPtr) *arenaState {
	if !isNonMainArena(c) {
		return h.primary
	}
	return heapForPtr(c).arena
}

// --- goroutine <-> arena binding ---

// goid identifies the calling goroutine, standing in for an OS thread id.
// routine.Goid() is already an ambient
// dependency of internal/debug, used there for identical purposes.
func goid() int64 { return routine.Goid() }

// arenaFor returns the arena bound to the calling goroutine, creating or
// joining one under the free-arena-list-equivalent ring lock if necessary.
func (h *Heap) arenaFor() *arenaState {
	id := goid()

	if a, ok := h.byGoroutine.Load(id); ok {
		return a
	}

	return h.bindArena(id)
}

func (h *Heap) bindArena(id int64) *arenaState {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	// Re-check under the lock: another goroutine may have already created
	// the binding we're about to duplicate.
	if a, ok := h.byGoroutine.Load(id); ok {
		return a
	}

	// Prefer an existing arena with no attached goroutines.
	for a := h.ringHead; a != nil; a = a.ringNext {
		if a.attached.Load() == 0 {
			a.attached.Add(1)
			h.byGoroutine.Store(id, a)
			return a
		}
	}

	if int(h.numArenas.Load()) < h.params.load().arenaMax {
		a := newArenaState(h, false)
		a.attached.Add(1)
		a.ringNext = h.ringHead
		h.ringHead = a
		h.numArenas.Add(1)
		h.byGoroutine.Store(id, a)
		debug.Log(nil, "arena-create", "goid=%d total=%d", id, h.numArenas.Load())
		return a
	}

	// At the cap: cycle through the ring and share the least-attached one.
	best := h.ringHead
	for a := h.ringHead; a != nil; a = a.ringNext {
		if a.attached.Load() < best.attached.Load() {
			best = a
		}
	}
	best.attached.Add(1)
	h.byGoroutine.Store(id, best)
	return best
}

// releaseArena drops the calling goroutine's binding, allowing the arena to be
// reassigned once no goroutine remains attached to it.
func (h *Heap) releaseArena(a *arenaState, id int64) {
	h.byGoroutine.Delete(id)
	a.attached.Add(-1)
}

// --- auxiliary sub-heaps ---

// growAuxiliary chains a fresh sub-heap onto an auxiliary arena and folds
// the whole thing into a new top chunk. Each sub-heap is
// mapped once and fully committed; once its top is exhausted a new sub-heap
// is chained rather than the old one being topped up, so there is never a
// gap of untracked memory between what top reports and what was mapped.
// The mapping is HEAP_MAX-aligned, with a subHeap header occupying its
// first word, so a chunk living anywhere inside it can later be masked
// back to this same header by heapForPtr.
func (a *arenaState) growAuxiliary(minIncrement int) bool {
	need := minIncrement + a.heap.params.load().topPad + minChunkSize + subHeapHeaderSize

	size := roundUp(max(need, heapMax/4), pageSize)
	if size > heapMax {
		size = heapMax
	}

	base, ok := a.heap.provider.MapAligned(size, heapMax)
	if !ok {
		return false
	}

	// The entire mapped region is committed immediately: leaving any part
	// of it un-tracked by top would place untracked (zeroed) bytes right
	// where a later coalesce might look for a real neighbour chunk.
	sh := &subHeap{base: base, size: size, committed: size, prev: a.heaps, arena: a}
	storeWord(chunkPtr(base), 0, uintptr(unsafe.Pointer(sh))) //nolint:govet
	a.heaps = sh
	a.recordGrowth(size)

	top := xunsafe.Addr[byte](base).ByteAdd(subHeapHeaderSize)
	a.installTop(top, size-subHeapHeaderSize)
	return true
}

// extendTop grows the existing top chunk in place by n bytes.
func (a *arenaState) extendTop(n int) {
	if a.top == 0 {
		return
	}
	setChunkSize(a.top, a.topSize+n)
	a.topSize += n
	a.recordGrowth(n)
}

// installTop replaces the current top chunk with a fresh one starting at
// base, of size n. Any remaining space in a previous top (there should be
// none left, by construction) is the caller's responsibility to have
// flushed first.
func (a *arenaState) installTop(base xunsafe.Addr[byte], n int) {
	a.top = chunkPtr(base)
	setChunkSize(a.top, n)
	setPrevInUse(a.top)
	a.stampArenaFlag(a.top)
	a.topSize = n
}

// --- the ring of all arenas, and the shared Heap state that owns it ---

// Heap is the process-wide allocator front end, bundling the arena ring,
// the parameter record, and the goroutine-affinity tables explicitly,
// rather than as package globals.
type Heap struct {
	params   paramsBox
	provider OSProvider

	primary  *arenaState
	ringHead *arenaState
	ringMu   sync.Mutex
	numArenas atomic.Int32

	byGoroutine xsync.Map[int64, *arenaState]
	tcaches     xsync.Map[int64, *tcache]

	lastErr atomic.Pointer[AllocError]

	mmapRegions atomic.Int32

	live *liveRegistry // debug-mode double-free/invalid-pointer tracking
}

// NewHeap constructs a Heap backed by the default Go-heap-pinned OSProvider.
func NewHeap() *Heap {
	return NewHeapWithProvider(newGoHeapProvider())
}

// NewHeapWithProvider constructs a Heap backed by a caller-supplied
// OSProvider, e.g. one backed by real mmap/sbrk syscalls.
func NewHeapWithProvider(p OSProvider) *Heap {
	h := &Heap{provider: p}
	h.params.init()
	if debug.Enabled {
		h.live = newLiveRegistry()
	}

	// Left unattached: the first goroutine to call arenaFor finds it with
	// attached==0 via the normal bindArena search and binds to it, giving
	// the primary arena the same first-caller affinity glibc's main thread
	// has with main_arena, instead of every goroutine piling into fresh
	// auxiliary arenas until the cap is hit.
	h.primary = newArenaState(h, true)
	h.ringHead = h.primary
	h.numArenas.Store(1)

	return h
}
