// Package codearena implements the page-sized writable+executable arena
// that captured basic blocks are encoded into. One Arena backs one
// Rewriter; it is reset, never freed, between rewriting requests.
package codearena

import (
	"os"

	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// FunctionAlign is the alignment each generated function's entry point
// must satisfy within the arena (spec.md §6: "64-byte aligned start for
// each generated function").
const FunctionAlign = 64

// Arena is a page-aligned, bump-allocated buffer whose pages are mapped
// writable and executable. reserve/commit follow spec.md §4.1.
type Arena struct {
	mem  []byte
	used int
}

// New allocates an arena of at least size bytes, rounded up to a whole
// number of pages, and maps it writable+executable.
func New(size int) (*Arena, error) {
	if size <= 0 {
		size = os.Getpagesize()
	}
	pageSize := os.Getpagesize()
	rounded := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := mmapExecutable(rounded)
	if err != nil {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindInvalidRequest, "allocate code arena: %v", err)
	}
	return &Arena{mem: mem}, nil
}

// Len reports the total capacity of the arena in bytes.
func (a *Arena) Len() int { return len(a.mem) }

// Used reports how many bytes have been committed so far.
func (a *Arena) Used() int { return a.used }

// Base returns the arena's backing address as a uintptr, suitable for
// computing absolute addresses of committed bytes.
func (a *Arena) Base() uintptr { return addrOf(a.mem) }

// Reserve returns a slice of the next n bytes without advancing the used
// counter. n=0 yields a zero-length slice pointing at the current tip —
// useful for recording an address before any bytes are written.
func (a *Arena) Reserve(n int) ([]byte, error) {
	if a.used+n > len(a.mem) {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindBufferOverflow, "code arena: need %d bytes, have %d", n, len(a.mem)-a.used)
	}
	return a.mem[a.used : a.used+n : a.used+n], nil
}

// Commit advances the used counter by n bytes, which must already have
// been reserved and written.
func (a *Arena) Commit(n int) error {
	if a.used+n > len(a.mem) {
		return x86rw.New(x86rw.ModuleGenerator, x86rw.KindBufferOverflow, "code arena: commit overflow")
	}
	a.used += n
	return nil
}

// Write reserves len(b) bytes, copies b into them, and commits.
// Returns the address the bytes were written at.
func (a *Arena) Write(b []byte) (uint64, error) {
	addr := a.Tip()
	dst, err := a.Reserve(len(b))
	if err != nil {
		return 0, err
	}
	copy(dst, b)
	if err := a.Commit(len(b)); err != nil {
		return 0, err
	}
	return addr, nil
}

// AlignTo bumps `used` forward (without writing anything) until it is a
// multiple of align, returning the number of padding bytes inserted.
func (a *Arena) AlignTo(align int) (int, error) {
	rem := a.used % align
	if rem == 0 {
		return 0, nil
	}
	pad := align - rem
	if _, err := a.Reserve(pad); err != nil {
		return 0, err
	}
	if err := a.Commit(pad); err != nil {
		return 0, err
	}
	return pad, nil
}

// Tip returns the absolute address of the current allocation pointer.
func (a *Arena) Tip() uint64 {
	return uint64(a.Base()) + uint64(a.used)
}

// Reset rewinds the arena to empty without unmapping memory, matching
// the "reset — not freed — on each new rewriting request" lifecycle of
// spec.md §3.
func (a *Arena) Reset() {
	a.used = 0
}

// Free unmaps the arena's backing memory. Only called when the owning
// Rewriter itself is disposed.
func (a *Arena) Free() error {
	if a.mem == nil {
		return nil
	}
	err := munmapExecutable(a.mem)
	a.mem = nil
	a.used = 0
	return err
}
