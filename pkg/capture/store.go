// Package capture holds the CBB (Captured Basic Block) store and the
// worklist that drives exploration of a function's reachable captured
// blocks, keyed by (source address, abstract-state id) per spec.md
// §3. Grounded on the teacher's pkg/result (Table: dedup/accumulate
// results behind a mutex) and pkg/search/worker.go's
// work-distribution shape, generalized from a flat results table to a
// keyed block store plus a LIFO exploration stack.
package capture

import (
	"sync"

	"github.com/oisee/x86rewrite/pkg/x86inst"
)

// Key identifies a CBB: the source DBB address it was captured from,
// plus the abstract-state id (esID) it was captured under. Two
// captures of the same source address under different input states
// are different CBBs, per spec.md §3.
type Key struct {
	Addr uint64
	EsID int
}

// CBB is a captured basic block: residual instructions plus the
// terminator type fixed when the capturing engine decided it could
// not resolve a branch statically.
type CBB struct {
	Key

	Instrs []x86inst.Instr
	Term   x86inst.InstrType

	// TakenKey/FallKey name this CBB's successors. Only a forking Jcc
	// sets them (taken + fallthrough); JMP, CALL and RET continue or
	// close the same CBB and leave both unset.
	TakenKey Key
	HasTaken bool
	FallKey  Key
	HasFall  bool

	// CodeAddr is set once pkg/layout has placed this CBB in the code
	// arena; 0 until then.
	CodeAddr uint64
}

// CaptureStackLen bounds the worklist depth, per SPEC_FULL.md §7 —
// mirrors the teacher's fixed-capacity buffers rather than letting an
// unbounded function graph grow the stack without limit.
const CaptureStackLen = 256

// Store holds every CBB captured so far for one rewrite, plus the
// LIFO worklist of keys still to explore. Not safe for concurrent
// capture from multiple goroutines — spec.md §5 scopes one rewrite to
// a single thread — but the mutex guards read access from an
// inspector running concurrently with an in-progress rewrite.
type Store struct {
	mu   sync.Mutex
	cbbs map[Key]*CBB
	work []Key
}

// NewStore builds an empty capture store.
func NewStore() *Store {
	return &Store{cbbs: make(map[Key]*CBB)}
}

// Get returns the CBB at key, or nil if it hasn't been captured yet.
func (s *Store) Get(k Key) *CBB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cbbs[k]
}

// GetOrCreate returns the existing CBB at k, or creates and registers
// an empty one. The second return value reports whether it was
// freshly created (the caller must then capture it).
func (s *Store) GetOrCreate(k Key) (*CBB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cbb, ok := s.cbbs[k]; ok {
		return cbb, false
	}
	cbb := &CBB{Key: k}
	s.cbbs[k] = cbb
	return cbb, true
}

// Push adds a key to the worklist (predicted-branch-first ordering:
// callers push the non-predicted side first, predicted side last, so
// it pops first — spec.md §3's "predicted side last so it pops
// first"). Push panics if the stack would exceed CaptureStackLen,
// matching the teacher's fixed-capacity-buffer overflow behavior
// (surfaced by the rewriter as a BufferOverflow error, not a crash —
// see the recover in pkg/rewriter's runCapture).
func (s *Store) Push(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.work) >= CaptureStackLen {
		panic("capture: worklist exceeds CaptureStackLen")
	}
	s.work = append(s.work, k)
}

// Pop removes and returns the most recently pushed key, or false if
// the worklist is empty.
func (s *Store) Pop() (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.work) == 0 {
		return Key{}, false
	}
	k := s.work[len(s.work)-1]
	s.work = s.work[:len(s.work)-1]
	return k, true
}

// Len returns the number of CBBs captured so far.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cbbs)
}

// All returns every captured CBB, for pkg/layout to place.
func (s *Store) All() []*CBB {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CBB, 0, len(s.cbbs))
	for _, cbb := range s.cbbs {
		out = append(out, cbb)
	}
	return out
}

// Reset clears the store for a fresh rewrite, reusing its allocation
// the way the teacher's result.Table is reused across search runs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbbs = make(map[Key]*CBB)
	s.work = nil
}
