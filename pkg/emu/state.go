// Package emu implements the capturing partial-evaluation engine: an
// abstract machine over x86inst.Instr that interprets a target
// function against a mix of known and unknown inputs, folding what it
// can and emitting residual instructions for the rest. Grounded on the
// teacher's pkg/cpu (State + Exec dispatch + flag lookup tables),
// generalized from concrete Z80 state to capture-tagged x86-64 state.
package emu

import "github.com/oisee/x86rewrite/pkg/x86inst"

// CaptureState tags a storage cell (register, flag, or stack byte)
// with what the engine knows about its value at this point in the
// abstract interpretation, per spec.md §3.
type CaptureState uint8

const (
	Dead          CaptureState = iota // uninitialized
	Dynamic                           // unknown at rewrite time; must be materialized
	Static                            // known constant
	Static2                           // "viral" known: loads through a Static2 pointer stay Static2
	StackRelative                     // stackAnchor + k for known k
)

func (s CaptureState) String() string {
	switch s {
	case Dead:
		return "DEAD"
	case Dynamic:
		return "DYNAMIC"
	case Static:
		return "STATIC"
	case Static2:
		return "STATIC2"
	case StackRelative:
		return "STACKRELATIVE"
	default:
		return "?"
	}
}

// IsStatic reports whether s carries a compile-time-known value
// (Static or Static2 — both fold the same way; Static2 only differs in
// how it propagates through loads).
func (s CaptureState) IsStatic() bool { return s == Static || s == Static2 }

// Cell is one tracked 64-bit storage location: a register or a
// stack-relative quadword, with its abstract value and capture tag.
type Cell struct {
	Value uint64
	State CaptureState
	// StackOffset is meaningful only when State == StackRelative: the
	// k in stackAnchor + k.
	StackOffset int64
}

// FlagCell is one of the five tracked flag bits.
type FlagCell struct {
	Value bool
	State CaptureState
}

const numFlags = 5

const (
	FZF = iota
	FCF
	FSF
	FOF
	FPF
)

// StackByte is one byte of the abstract stack, independently tracked
// so a residual store to one lane doesn't clobber a folded neighbor.
type StackByte struct {
	Value byte
	State CaptureState
}

// EmuState is the abstract machine: 16 GP registers, 5 flags, an IP
// cell, and a byte-addressable stack, per spec.md §4.4/§8.
type EmuState struct {
	Regs  [16]Cell
	Flags [numFlags]FlagCell
	IP    Cell

	StackStart uintptr // lowest address the abstract stack models
	Stack      []StackByte

	CallDepth int
	RetAddrs  []uint64 // return-address stack, bounded by MAX_CALLDEPTH

	// esID identifies this state for capture.Store keying once
	// snapshotted at a branch point (spec.md §3's CBB key).
	esID int
}

// ESID returns the snapshot identity of this state (0 until Snapshot
// assigns one).
func (s *EmuState) ESID() int { return s.esID }

// RAX returns the abstract value of the return-value register, for
// pkg/rewriter's Emulate wrapper.
func (s *EmuState) RAX() Cell { return s.Regs[x86inst.RegRAX] }

// MaxCallDepth bounds CallDepth/RetAddrs, per spec.md §6's maxRecDepth.
const MaxCallDepth = 64

// SavedStateMax bounds the number of distinct abstract states the
// capturer keeps alive across one rewrite, per spec.md §4.4. It is
// the snapshot-pool analogue of capture.CaptureStackLen: once a
// data-dependent control-flow graph has produced more genuinely
// distinct branch states than this, the engine gives up rather than
// growing the snapshot pool without bound.
const SavedStateMax = 256

// NewEntryState builds the EmuState at function entry, per spec.md
// §4.4: parameter registers get the caller-supplied state, RSP is
// STACKRELATIVE at stackStart+stackSize, callee-saved regs are
// DYNAMIC, everything else DEAD.
func NewEntryState(stackStart uintptr, stackSize int, params []Cell) *EmuState {
	es := &EmuState{
		StackStart: stackStart,
		Stack:      make([]StackByte, stackSize),
	}
	for i := range es.Regs {
		es.Regs[i] = Cell{State: Dead}
	}
	for i := range es.Flags {
		es.Flags[i] = FlagCell{State: Dead}
	}

	for i, reg := range x86inst.ParamRegs {
		if i >= len(params) {
			break
		}
		es.Regs[reg.Index] = params[i]
	}

	for _, reg := range x86inst.CalleeSaved {
		es.Regs[reg.Index] = Cell{State: Dynamic}
	}

	es.Regs[x86inst.RegRSP] = Cell{
		Value: uint64(stackStart) + uint64(stackSize),
		State: StackRelative, StackOffset: int64(stackSize),
	}
	es.IP = Cell{State: Static}
	return es
}

// Snapshot deep-copies the state for a branch fork, assigning it esID
// as its capture-store identity.
func (s *EmuState) Snapshot(esID int) *EmuState {
	cp := *s
	cp.Stack = append([]StackByte(nil), s.Stack...)
	cp.RetAddrs = append([]uint64(nil), s.RetAddrs...)
	cp.esID = esID
	return &cp
}

// Equal implements spec.md §3's saved-state equality: all GP
// registers, all flags, call depth, and the static portion of the
// stack must agree; STACKRELATIVE cells additionally need a shared
// parent snapshot (approximated here by StackOffset equality, since
// every snapshot in one rewriting run shares the same stack anchor).
// Capturer.internState calls this before allocating a new snapshot, so
// a data-dependent back-edge reusing an equal state converges onto one
// esID instead of unrolling forever.
func (s *EmuState) Equal(o *EmuState) bool {
	if s.CallDepth != o.CallDepth || len(s.Stack) != len(o.Stack) {
		return false
	}
	for i := range s.Regs {
		if !cellsEqual(s.Regs[i], o.Regs[i]) {
			return false
		}
	}
	for i := range s.Flags {
		if s.Flags[i].State != o.Flags[i].State {
			return false
		}
		if s.Flags[i].State.IsStatic() && s.Flags[i].Value != o.Flags[i].Value {
			return false
		}
	}
	for i := range s.Stack {
		a, b := s.Stack[i], o.Stack[i]
		if a.State != b.State {
			return false
		}
		if a.State.IsStatic() && a.Value != b.Value {
			return false
		}
	}
	return true
}

func cellsEqual(a, b Cell) bool {
	if a.State != b.State {
		return false
	}
	switch a.State {
	case StackRelative:
		return a.StackOffset == b.StackOffset
	case Static, Static2:
		return a.Value == b.Value
	default:
		return true
	}
}
