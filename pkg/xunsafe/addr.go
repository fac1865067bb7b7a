//go:build go1.20

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/galloc/galloc/pkg/xunsafe/layout"
)

// Addr is a typed address: a uintptr that remembers the type of the value it
// points at, so that arithmetic on it can be scaled by that type's size
// without the caller having to re-derive it.
//
// Unlike a *T, an Addr[T] is not traced by the garbage collector. Code that
// stores an Addr[T] across a safe point must keep the underlying memory
// alive some other way (e.g. by also holding a *T, or a slice covering it).
type Addr[T any] uintptr

// AddrOf returns the address of p as an Addr[T].
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](unsafe.Pointer(p)) //nolint:govet
}

// EndOf returns the address one past the last element of s.
func EndOf[T any](s []T) Addr[T] {
	if len(s) == 0 {
		return Addr[T](unsafe.Pointer(unsafe.SliceData(s)))
	}
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid reinterprets this address as a *T.
//
// This performs no validation beyond what Go's unsafe.Pointer rules already
// require of the caller; the name documents the obligation, it does not
// discharge it.
func (a Addr[T]) AssertValid() *T {
	return (*T)(unsafe.Pointer(uintptr(a))) //nolint:govet
}

// Add adds n elements' worth of offset to a, scaled by sizeof(T).
func (a Addr[T]) Add(n int) Addr[T] {
	return a.ByteAdd(n * layout.Size[T]())
}

// ByteAdd adds n bytes of offset to a, unscaled.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return Addr[T](uintptr(int(a) + n))
}

// Sub computes the number of T-sized elements between a and b (a - b).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(uintptr(a)-uintptr(b)) / layout.Size[T]()
}

// Padding returns the number of bytes that must be added to a to reach the
// next multiple of align.
func (a Addr[T]) Padding(align int) int {
	return layout.Padding(int(a), align)
}

// RoundUpTo rounds a up to the next multiple of align.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(int(a), align))
}

// SignBit reports whether the high bit of a is set.
func (a Addr[T]) SignBit() bool {
	return int(a) < 0
}

// SignBitMask returns an all-ones Addr if the sign bit is set, or an all-zero
// Addr otherwise. Useful for branchless masking, in the style of the chunk
// flag bit tricks used throughout pkg/arena.
func (a Addr[T]) SignBitMask() Addr[T] {
	return Addr[T](int(a) >> (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// ClearSignBit returns a with its high bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// Format implements fmt.Formatter, printing the address in hexadecimal.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		_, _ = fmt.Fprintf(s, "%x", uintptr(a))
	default:
		_, _ = fmt.Fprintf(s, "0x%x", uintptr(a))
	}
}
