//go:build go1.22

package arena

import (
	"fmt"

	"github.com/galloc/galloc/pkg/xerrors"
)

// AllocError is the common interface satisfied by every error kind this
// package produces, so that [github.com/galloc/galloc/pkg/xerrors.AsA] can
// recover one from a recover()'d panic without string matching.
type AllocError interface {
	error
	isAllocError()
}

// OOMError reports that an allocation could not be satisfied, even after OS
// growth was attempted. It is never panicked; allocation paths return a nil
// pointer and record this so a caller can retry with a smaller request.
type OOMError struct {
	Requested int
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("galloc: out of memory allocating %d bytes", e.Requested)
}
func (*OOMError) isAllocError() {}

// InvalidArgError reports a caller-supplied argument that could never
// succeed: a bad alignment or an overflowing size.
type InvalidArgError struct {
	Reason string
}

func (e *InvalidArgError) Error() string { return "galloc: invalid argument: " + e.Reason }
func (*InvalidArgError) isAllocError()   {}

// CorruptionError reports a failed structural invariant: a broken boundary
// tag, a broken free-list link, a double free, or a misaligned/out-of-range
// pointer on release. This is always fatal: it is panicked,
// never returned, and there is no recovery path a well-behaved caller
// should rely on.
type CorruptionError struct {
	Reason string
	Addr   chunkPtr
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("galloc: corruption detected: %s (at %v)", e.Reason, e.Addr)
}
func (*CorruptionError) isAllocError() {}

func (h *Heap) recordError(err AllocError) {
	h.lastErr.Store(&err)
}

// LastError returns the most recent error condition observed by any
// allocation or reallocation on this Heap (out of memory or an invalid
// argument), or nil if none has occurred.
func (h *Heap) LastError() error {
	p := h.lastErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

// LastOOM is a typed convenience wrapper over LastError, for callers that
// want the concrete OOMError fields without an errors.As call site of their
// own.
func (h *Heap) LastOOM() (*OOMError, bool) {
	return xerrors.AsA[*OOMError](h.LastError())
}

// LastInvalidArg is a typed convenience wrapper over LastError, for callers
// that want the concrete InvalidArgError fields without an errors.As call
// site of their own.
func (h *Heap) LastInvalidArg() (*InvalidArgError, bool) {
	return xerrors.AsA[*InvalidArgError](h.LastError())
}
