package emu

import (
	"github.com/oisee/x86rewrite/pkg/memrange"
	"github.com/oisee/x86rewrite/pkg/x86inst"
)

func widthMask(w uint8) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return 1<<w - 1
}

// regCell returns the Cell backing a register operand, narrowed to
// its declared width's low bits (sub-register reads never change
// capture state — spec.md's Open Question on 16-bit sub-lane shifts
// notwithstanding, this engine tracks state at full-register
// granularity, matching the teacher's single-State-per-register
// model rather than per-byte tracking for GP regs).
func (es *EmuState) regCell(r x86inst.Reg) Cell {
	c := es.Regs[r.Index&0xf]
	w := uint8(r.Width())
	return Cell{Value: c.Value & widthMask(w), State: c.State, StackOffset: c.StackOffset}
}

func (es *EmuState) setReg(r x86inst.Reg, c Cell) {
	w := uint8(r.Width())
	if w < 64 {
		// Writing a 32-bit GP destination zero-extends and clears the
		// upper 32 bits (standard x86-64 behavior); 8/16-bit writes
		// preserve the untouched upper bits, modeled here as DYNAMIC
		// once partially written since this engine doesn't sub-track.
		if w == 32 {
			c.Value &= widthMask(32)
		} else {
			c.State = Dynamic
		}
	}
	es.Regs[r.Index&0xf] = c
}

// readCell evaluates an operand to its abstract Cell. Memory reads
// consult the abstract stack when the address is STACKRELATIVE inside
// the modeled window, or the constant-data registry when the address
// is STATIC and registered, per spec.md §4.4 step 1.
func (es *EmuState) readCell(op x86inst.Operand, mr *memrange.Registry) Cell {
	switch op.Kind {
	case x86inst.OKImm:
		return Cell{Value: uint64(op.ImmValue) & widthMask(op.ImmWidth), State: Static}
	case x86inst.OKReg:
		return es.regCell(op.Reg)
	case x86inst.OKMem:
		addr, state := es.effectiveAddress(op)
		if state == StackRelative {
			if off, ok := es.stackIndex(addr); ok {
				return es.readStack(off, op.MemWidth)
			}
			return Cell{State: Dynamic}
		}
		if state.IsStatic() {
			if mr != nil {
				if _, ok := mr.Lookup(uintptr(addr)); ok {
					return Cell{Value: readConstBytes(uintptr(addr), op.MemWidth), State: Static}
				}
			}
		}
		return Cell{State: Dynamic}
	default:
		return Cell{State: Dead}
	}
}

// writeCell stores a Cell into an operand's destination. Memory
// writes only update tracked state for STACKRELATIVE addresses inside
// the modeled stack window; all other stores are opaque to the
// abstract state (the residual instruction alone performs them).
func (es *EmuState) writeCell(op x86inst.Operand, c Cell) {
	switch op.Kind {
	case x86inst.OKReg:
		es.setReg(op.Reg, c)
	case x86inst.OKMem:
		addr, state := es.effectiveAddress(op)
		if state == StackRelative {
			if off, ok := es.stackIndex(addr); ok {
				es.writeStack(off, op.MemWidth, c)
			}
		}
	}
}

// effectiveAddress computes a memory operand's abstract address and
// capture state, per spec.md §4.4 step 1: STATIC iff every
// contributing register is STATIC (or IP); STACKRELATIVE propagates
// through base+disp arithmetic off RSP/RBP.
func (es *EmuState) effectiveAddress(op x86inst.Operand) (int64, CaptureState) {
	state := Static
	var addr int64 = op.Disp

	if op.HasBase {
		b := es.regCell(op.Base)
		addr += int64(b.Value)
		state = combineState(state, b.State, true)
		if b.State == StackRelative {
			state = StackRelative
		}
	}
	if op.HasIndex {
		idx := es.regCell(op.Index)
		addr += int64(idx.Value) * int64(op.Scale)
		state = combineState(state, idx.State, true)
	}
	if op.IsRIPRelative() {
		state = Static
	}
	return addr, state
}

func (es *EmuState) stackIndex(addr int64) (int, bool) {
	off := addr - int64(es.StackStart)
	if off < 0 || off >= int64(len(es.Stack)) {
		return 0, false
	}
	return int(off), true
}

func (es *EmuState) readStack(off int, width uint8) Cell {
	n := int(width / 8)
	if n == 0 || off+n > len(es.Stack) {
		return Cell{State: Dynamic}
	}
	state := es.Stack[off].State
	var v uint64
	for i := 0; i < n; i++ {
		b := es.Stack[off+i]
		if b.State != state {
			state = Dynamic
		}
		v |= uint64(b.Value) << (8 * i)
	}
	return Cell{Value: v, State: state}
}

func (es *EmuState) writeStack(off int, width uint8, c Cell) {
	n := int(width / 8)
	if n == 0 || off+n > len(es.Stack) {
		return
	}
	for i := 0; i < n; i++ {
		es.Stack[off+i] = StackByte{Value: byte(c.Value >> (8 * i)), State: c.State}
	}
}

// readConstBytes reads a little-endian value of the given bit width
// from host process memory at addr, for loads through a registered
// constant-data range, through readHostMemory (mem.go), this
// package's own unsafe-pointer reader.
var readConstBytes = func(addr uintptr, width uint8) uint64 {
	return readHostMemory(addr, width)
}
