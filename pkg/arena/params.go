//go:build go1.22

package arena

import "sync/atomic"

// TunableID identifies a single tunable slot accepted by Heap.SetTunable.
type TunableID int

const (
	// TunableMaxFast sets the largest user payload size served by the fast
	// tier, in bytes. Must be <= maxFastCeiling.
	TunableMaxFast TunableID = iota
	// TunableTrimThreshold sets the minimum number of trailing free bytes at
	// the top chunk that makes a release trim the top chunk automatically.
	// Heap.Trim ignores it.
	TunableTrimThreshold
	// TunableTopPad sets the number of extra bytes requested from the OS
	// provider beyond what is strictly needed, to amortize future growth.
	TunableTopPad
	// TunableMmapThreshold sets the chunk size at or above which allocations
	// are served by a direct OS mapping rather than from an arena.
	TunableMmapThreshold
	// TunableMmapMax sets the maximum number of concurrently mapped regions.
	TunableMmapMax
	// TunableArenaMax sets the maximum total number of arenas, the primary
	// arena included.
	TunableArenaMax
	// TunableTcacheMaxBytes sets the largest chunk size the thread cache
	// will hold; setting it to 0 disables the thread cache entirely.
	TunableTcacheMaxBytes
)

const (
	// maxFastCeiling is the largest permitted value of MaxFast, expressed as
	// a user payload byte count.
	maxFastCeiling = 80

	// defaultMaxFast is glibc's DEFAULT_MXFAST-equivalent default.
	defaultMaxFast = 64

	// heapMax bounds an auxiliary arena's reserved sub-heap region. Kept
	// modest relative to glibc's 1 MiB/64 MiB defaults so tests do not
	// have to reserve real address space.
	heapMax = 4 << 20 // 4 MiB

	defaultTrimThreshold  = 128 * 1024
	defaultTopPad         = 0
	defaultMmapThreshold  = 128 * 1024
	defaultMmapMax        = 65536
	defaultTcacheBins     = 64
	defaultTcacheBinCap   = 7
	defaultTcacheMaxBytes = 1024
	defaultUnsortedLimit  = 10_000 // MAX_ITERS: bound on the unsorted-queue scan

	// fastbinConsolidationThreshold triggers bulk fast-tier consolidation
	// from the release path once a single freed chunk is this large.
	fastbinConsolidationThreshold = 65536
)

// Params is the process-wide, read-mostly configuration record consulted on
// every policy decision. It is held behind an atomic
// pointer so readers never observe a partially written record; updates
// install an entirely new copy.
type Params struct {
	maxFast        int // chunk-size threshold for the fast tier
	trimThreshold  int
	topPad         int
	mmapThreshold  int
	mmapThresholdDynamic bool // false once the caller manually set mmapThreshold
	mmapMax        int
	arenaMax       int

	tcacheBins     int
	tcacheBinCap   int
	tcacheMaxBytes int
	unsortedLimit  int

	mmapRegions int // not maintained; the live count is Heap.mmapRegions
	mmapBytes   int
}

func defaultParams() *Params {
	return &Params{
		maxFast:              fastChunkSize(defaultMaxFast),
		trimThreshold:        defaultTrimThreshold,
		topPad:               defaultTopPad,
		mmapThreshold:        defaultMmapThreshold,
		mmapThresholdDynamic: true,
		mmapMax:              defaultMmapMax,
		arenaMax:             defaultArenaMax(),
		tcacheBins:           defaultTcacheBins,
		tcacheBinCap:         defaultTcacheBinCap,
		tcacheMaxBytes:       defaultTcacheMaxBytes,
		unsortedLimit:        defaultUnsortedLimit,
	}
}

// fastChunkSize converts a user payload byte count into the chunk size that
// would serve it, for threshold comparisons.
func fastChunkSize(userBytes int) int {
	n, ok := padRequest(userBytes)
	if !ok {
		return minChunkSize
	}
	return n
}

// paramsBox lets Params be swapped atomically without callers needing to
// hold a lock to read it.
type paramsBox struct {
	p atomic.Pointer[Params]
}

func (b *paramsBox) load() *Params { return b.p.Load() }

func (b *paramsBox) init() {
	b.p.Store(defaultParams())
}

// applyTunable validates id/v against p (already a private copy) and mutates
// it in place, reporting whether the value was in range.
func applyTunable(p *Params, id TunableID, v int64) bool {
	switch id {
	case TunableMaxFast:
		if v < 0 || v > maxFastCeiling {
			return false
		}
		p.maxFast = fastChunkSize(int(v))

	case TunableTrimThreshold:
		if v < 0 {
			return false
		}
		p.trimThreshold = int(v)

	case TunableTopPad:
		if v < 0 {
			return false
		}
		p.topPad = int(v)

	case TunableMmapThreshold:
		if v < 0 || v > heapMax/2 {
			return false
		}
		p.mmapThreshold = int(v)
		p.mmapThresholdDynamic = false // manual mutation disables dynamic adjustment

	case TunableMmapMax:
		if v < 0 || v > 1<<16 {
			return false
		}
		p.mmapMax = int(v)

	case TunableArenaMax:
		if v < 1 {
			return false
		}
		p.arenaMax = int(v)

	case TunableTcacheMaxBytes:
		if v < 0 {
			return false
		}
		p.tcacheMaxBytes = int(v)

	default:
		return false
	}

	return true
}

// setTunable validates and installs a single tunable, returning false (no
// change made) if the value is out of range. Installed via a CAS retry loop
// rather than a bare load-clone-store, so a concurrent tunable change never
// silently loses one of the two writes.
func (b *paramsBox) setTunable(id TunableID, v int64) bool {
	for {
		cur := b.load()
		next := *cur

		if !applyTunable(&next, id, v) {
			return false
		}

		if b.p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// adaptMmapThreshold grows the mapping and trim thresholds after a large
// mapped chunk is released, when dynamic adjustment has not been disabled
// by a manual SetTunable call. Also CAS-looped, since this runs on the
// release path of every large mapped chunk and can race with a concurrent
// manual SetTunable or another adaptMmapThreshold call.
func (b *paramsBox) adaptMmapThreshold(releasedSize int) {
	for {
		cur := b.load()
		if !cur.mmapThresholdDynamic || releasedSize <= cur.mmapThreshold || releasedSize > heapMax/2 {
			return
		}

		next := *cur
		next.mmapThreshold = releasedSize
		next.trimThreshold = min(2*releasedSize, heapMax/2)

		if b.p.CompareAndSwap(cur, &next) {
			return
		}
	}
}
