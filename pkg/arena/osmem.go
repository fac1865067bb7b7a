//go:build go1.22

package arena

import (
	"reflect"
	"sync"

	"github.com/galloc/galloc/internal/debug"
	"github.com/galloc/galloc/pkg/xunsafe"
)

// pageSize stands in for the OS page size. Go gives no portable way to query it without
// cgo or a syscall import, so a conventional 4 KiB is used; callers that
// need the true value can supply their own OSProvider.
const pageSize = 4096

// OSProvider is the OS-memory contract this package relies on: a break-style
// monotonic grower, an anonymous page mapper, an unmapper, and a best-effort
// "don't need these pages" advisory.
//
// Grow models sbrk(delta): on success it returns the address that used to
// be the break, with delta now available past it. ok is false if the
// provider could not extend in place (the caller must fall back to Map).
//
// Map returns a fresh, page-aligned region of the requested size.
//
// MapAligned is like Map, but the returned base is also aligned to align
// (a power of two, at least the page size). Used for HEAP_MAX-aligned
// auxiliary sub-heaps, whose base address must be mask-addressable back to
// a fixed-size header.
//
// Unmap releases a region previously returned by Map or MapAligned.
//
// Advise is allowed to be a no-op; it exists so a production OSProvider can
// pass MADV_DONTNEED-equivalent hints through.
type OSProvider interface {
	Grow(delta int) (base uintptr, ok bool)
	Map(size int) (base uintptr, ok bool)
	MapAligned(size, align int) (base uintptr, ok bool)
	Unmap(base uintptr, size int) bool
	Advise(base uintptr, size int)
}

// goHeapProvider is the default OSProvider. It has no real break pointer or
// mmap available to it, so it stands in for both using pinned, GC-traceable
// byte regions obtained from the Go runtime's own allocator, so the GC will
// neither move nor scan the payload of the memory it hands out.
//
// Grow succeeds contiguously exactly once (simulating the initial break
// extension of an empty heap); every subsequent call reports ok=false, so
// callers fall onto the ordinary Map fallback used for break failure. This is a deliberate, documented simplification: Go has no
// way to extend a previously returned allocation in place, so "break
// failure" is simply the steady state here instead of a rare event. See
// DESIGN.md.
type goHeapProvider struct {
	mu      sync.Mutex
	grown   bool
	regions int
	bytes   int
}

func newGoHeapProvider() *goHeapProvider { return &goHeapProvider{} }

func (p *goHeapProvider) Grow(delta int) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.grown {
		return 0, false
	}
	p.grown = true

	return p.mapLocked(delta, pageSize)
}

func (p *goHeapProvider) Map(size int) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mapLocked(size, pageSize)
}

func (p *goHeapProvider) MapAligned(size, align int) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mapLocked(size, align)
}

func (p *goHeapProvider) mapLocked(size, align int) (uintptr, bool) {
	if size <= 0 {
		return 0, false
	}

	size = roundUp(size, pageSize)

	base := pinnedAlloc(size, align)
	if base == 0 {
		return 0, false
	}

	p.regions++
	p.bytes += size

	debug.Log(nil, "os-map", "base=%#x size=%d regions=%d", base, size, p.regions)

	return base, true
}

func (p *goHeapProvider) Unmap(base uintptr, size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.regions--
	p.bytes -= size

	debug.Log(nil, "os-unmap", "base=%#x size=%d regions=%d", base, size, p.regions)

	// Drop our retaining reference; the Go GC reclaims the pinned block
	// once nothing else references it.
	keepAliveRegistry.forget(base)

	return true
}

func (p *goHeapProvider) Advise(base uintptr, size int) {
	debug.Log(nil, "os-advise", "base=%#x size=%d", base, size)
}

// pinnedAlloc obtains size bytes of GC-managed memory, aligned to align,
// that will never be moved or individually collected: it is shaped as a
// single oversized byte array so the Go allocator treats it as one opaque,
// unscanned block. The extra header bytes are wasted once to buy the
// alignment guarantee; for the sizes this package deals in that waste is
// bounded by one align-sized unit.
func pinnedAlloc(size, align int) uintptr {
	shape := reflect.StructOf([]reflect.StructField{
		{Name: "Data", Type: reflect.ArrayOf(size+align, reflect.TypeFor[byte]())},
	})

	v := reflect.New(shape)
	base := uintptr(v.UnsafePointer())

	aligned := xunsafe.Addr[byte](base).RoundUpTo(align)

	// Keep v alive for as long as the returned address is in use: the
	// caller stores the address in arena-owned bookkeeping, which is itself
	// reachable from the Heap, and keepAliveRegistry below retains the raw
	// reflect.Value so the GC never reclaims it out from under that address.
	keepAliveRegistry.store(uintptr(aligned), v.Interface())

	return uintptr(aligned)
}

// keepAliveMap retains the Go-level owner of every pinned region handed out
// by pinnedAlloc, so the GC never reclaims the backing array out from under
// a live arena. Entries are removed when a region is unmapped.
type keepAliveMap struct {
	mu sync.Mutex
	m  map[uintptr]any
}

func (r *keepAliveMap) store(base uintptr, v any) {
	r.mu.Lock()
	r.m[base] = v
	r.mu.Unlock()
}

func (r *keepAliveMap) forget(base uintptr) {
	r.mu.Lock()
	delete(r.m, base)
	r.mu.Unlock()
}

var keepAliveRegistry = &keepAliveMap{m: make(map[uintptr]any)}
