//go:build go1.22

// Package arena implements a concurrent, multi-arena dynamic memory
// allocator in the style of glibc's ptmalloc: chunks carry boundary tags so
// neighbours can be located and coalesced without a separate header table,
// free chunks are indexed across a thread cache, a lock-free fast tier, an
// unsorted queue, and size-class bins, and each goroutine is bound to one of
// a bounded number of arenas so that concurrent callers rarely contend on
// the same lock.
//
// # Key Concepts
//
// Chunk: the unit of bookkeeping. Every live or free region of memory is a
// chunk with a size-and-flags word and, while free, fd/bk links threading it
// into whichever tier currently holds it.
//
// Arena: one independent heap, with its own lock, its own bin index, and its
// own top chunk. The first arena grows by extending a single contiguous
// region; auxiliary arenas grow by chaining fresh OS-provided regions.
//
// Thread cache: a per-goroutine, lock-free front end that serves and
// accepts small allocations without ever touching an arena's mutex.
//
// Heap is the package's single exported entry point; construct one with
// [NewHeap] and allocate through its methods.
package arena
