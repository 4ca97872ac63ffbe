package emu

import (
	"github.com/oisee/x86rewrite/pkg/memrange"
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

func (es *EmuState) stepShift(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst, cnt := instr.Operands[0], instr.Operands[1]
	a := es.readCell(dst, mr)
	c := es.readCell(cnt, mr)
	width := operandBitWidth(dst)

	if a.State.IsStatic() && c.State.IsStatic() {
		shift := c.Value & shiftCountMask(width)
		result := applyShift(instr.Type, a.Value, shift, width)
		es.writeCell(dst, Cell{Value: result, State: a.State})
		es.setFlags(flagsFromResult(result, width), Static)
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	out.Operands[1] = es.foldOperand(cnt, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	for i := range es.Flags {
		es.Flags[i] = FlagCell{State: Dynamic}
	}
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func shiftCountMask(width uint8) uint64 {
	if width == 64 {
		return 0x3f
	}
	return 0x1f
}

func applyShift(t x86inst.InstrType, v, shift uint64, width uint8) uint64 {
	mask := widthMask(width)
	v &= mask
	switch t {
	case x86inst.SHL:
		return (v << shift) & mask
	case x86inst.SHR:
		return (v & mask) >> shift
	case x86inst.SAR:
		signBit := uint64(1) << (width - 1)
		if v&signBit == 0 {
			return v >> shift
		}
		// Sign-extend into the unused high bits, shift arithmetically
		// via Go's signed right shift (which propagates the top bit),
		// then mask back down to width.
		ext := int64(v | ^mask)
		return uint64(ext>>shift) & mask
	case x86inst.ROL:
		s := shift % uint64(width)
		return ((v << s) | (v >> (uint64(width) - s))) & mask
	case x86inst.ROR:
		s := shift % uint64(width)
		return ((v >> s) | (v << (uint64(width) - s))) & mask
	default:
		return v
	}
}

func (es *EmuState) stepLea(instr x86inst.Instr) ([]x86inst.Instr, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	addr, state := es.effectiveAddress(src)

	if state.IsStatic() || state == StackRelative {
		es.writeCell(dst, Cell{Value: uint64(addr), State: state, StackOffset: addr - int64(es.StackStart)})
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[1] = es.foldOperand(src, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepPush(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	src := instr.Operands[0]
	v := es.readCell(src, mr)
	sp := es.regCell(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRSP})
	newSP := sp
	newSP.Value -= 8
	if newSP.State == StackRelative {
		newSP.StackOffset -= 8
	}
	es.setReg(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRSP}, newSP)

	if sp.State == StackRelative {
		if off, ok := es.stackIndex(int64(newSP.Value)); ok {
			es.writeStack(off, 64, v)
			return nil, nil
		}
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(src, &residual, &post)
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepPop(instr x86inst.Instr) ([]x86inst.Instr, error) {
	dst := instr.Operands[0]
	sp := es.regCell(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRSP})

	var val Cell
	ok := false
	if sp.State == StackRelative {
		if off, idx := es.stackIndex(int64(sp.Value)); idx {
			val = es.readStack(off, 64)
			ok = true
		}
	}

	newSP := sp
	newSP.Value += 8
	if newSP.State == StackRelative {
		newSP.StackOffset += 8
	}
	es.setReg(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRSP}, newSP)

	if ok && (val.State.IsStatic() || val.State == Dead) {
		es.writeCell(dst, val)
		return nil, nil
	}

	es.writeCell(dst, Cell{State: Dynamic})
	return []x86inst.Instr{instr}, nil
}

func (es *EmuState) stepXchg(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	a, b := instr.Operands[0], instr.Operands[1]
	va := es.readCell(a, mr)
	vb := es.readCell(b, mr)

	if (va.State.IsStatic() || va.State == Dead) && (vb.State.IsStatic() || vb.State == Dead) {
		es.writeCell(a, vb)
		es.writeCell(b, va)
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(a, &residual, &post)
	out.Operands[1] = es.foldOperand(b, &residual, &post)
	es.writeCell(a, Cell{State: Dynamic})
	es.writeCell(b, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepExtend(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	a := es.readCell(src, mr)
	srcWidth := operandBitWidth(src)
	dstWidth := operandBitWidth(dst)

	if a.State.IsStatic() {
		var result uint64
		if instr.Type == x86inst.MOVZX {
			result = a.Value & widthMask(srcWidth)
		} else {
			result = signExtend(a.Value, srcWidth, dstWidth)
		}
		es.writeCell(dst, Cell{Value: result, State: a.State})
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[1] = es.foldOperand(src, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func signExtend(v uint64, from, to uint8) uint64 {
	v &= widthMask(from)
	signBit := uint64(1) << (from - 1)
	if v&signBit != 0 {
		v |= ^widthMask(from)
	}
	return v & widthMask(to)
}

func (es *EmuState) stepCmov(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	cc := instr.Type.CondCode()
	condState, condVal := es.condResolved(cc)
	dst, src := instr.Operands[0], instr.Operands[1]

	if condState.IsStatic() {
		if condVal {
			return es.stepMov(x86inst.Instr{Type: x86inst.MOV, ValueType: instr.ValueType, NumOperands: 2, Operands: instr.Operands}, mr)
		}
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	out.Operands[1] = es.foldOperand(src, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepSetcc(instr x86inst.Instr) ([]x86inst.Instr, error) {
	cc := instr.Type.CondCode()
	condState, condVal := es.condResolved(cc)
	dst := instr.Operands[0]

	if condState.IsStatic() {
		v := uint64(0)
		if condVal {
			v = 1
		}
		es.writeCell(dst, Cell{Value: v, State: Static})
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

// condResolved evaluates a condition code against the tracked flags,
// returning the combined capture state of every flag it reads and,
// if that's STATIC, the boolean result.
func (es *EmuState) condResolved(cc int) (CaptureState, bool) {
	reads := x86inst.CondReadsFlags(cc)
	state := Static
	for i := 0; i < numFlags; i++ {
		if reads&(1<<i) == 0 {
			continue
		}
		state = combineFlagState(state, es.Flags[i].State, false)
	}
	if !state.IsStatic() {
		return Dynamic, false
	}
	zf, cf, sf, of := es.Flags[FZF].Value, es.Flags[FCF].Value, es.Flags[FSF].Value, es.Flags[FOF].Value
	pf := es.Flags[FPF].Value
	return Static, evalCond(cc, zf, cf, sf, of, pf)
}

func evalCond(cc int, zf, cf, sf, of, pf bool) bool {
	switch x86inst.InstrType(cc) + x86inst.JO {
	case x86inst.JO:
		return of
	case x86inst.JNO:
		return !of
	case x86inst.JB:
		return cf
	case x86inst.JAE:
		return !cf
	case x86inst.JE:
		return zf
	case x86inst.JNE:
		return !zf
	case x86inst.JBE:
		return cf || zf
	case x86inst.JA:
		return !cf && !zf
	case x86inst.JS:
		return sf
	case x86inst.JNS:
		return !sf
	case x86inst.JP:
		return pf
	case x86inst.JNP:
		return !pf
	case x86inst.JL:
		return sf != of
	case x86inst.JGE:
		return sf == of
	case x86inst.JLE:
		return zf || sf != of
	case x86inst.JG:
		return !zf && sf == of
	default:
		return false
	}
}

func (es *EmuState) stepJcc(instr x86inst.Instr) ([]x86inst.Instr, Transfer, error) {
	cc := instr.Type.CondCode()
	state, val := es.condResolved(cc)
	target := uint64(int64(instr.Addr) + int64(instr.Len) + instr.Operands[0].ImmValue)
	fall := uint64(instr.Addr) + uint64(instr.Len)

	if state.IsStatic() {
		if val {
			return nil, Transfer{Kind: TransferFold, TakenAddr: target, TakenIsStatic: true}, nil
		}
		return nil, Transfer{Kind: TransferFold, TakenAddr: fall, TakenIsStatic: true}, nil
	}

	return nil, Transfer{Kind: TransferFork, TakenAddr: target, FallAddr: fall, TakenIsStatic: true, CondType: instr.Type}, nil
}

func (es *EmuState) stepJmp(instr x86inst.Instr) ([]x86inst.Instr, Transfer, error) {
	target := uint64(int64(instr.Addr) + int64(instr.Len) + instr.Operands[0].ImmValue)
	return nil, Transfer{Kind: TransferJump, TakenAddr: target, TakenIsStatic: true}, nil
}

func (es *EmuState) stepJmpIndirect(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, Transfer, error) {
	target := es.readCell(instr.Operands[0], mr)
	if target.State.IsStatic() {
		return nil, Transfer{Kind: TransferJump, TakenAddr: target.Value, TakenIsStatic: true}, nil
	}
	return nil, Transfer{}, x86rw.New(x86rw.ModuleEmulator, x86rw.KindUnsupportedInstr, "indirect jmp through a dynamic target is not supported")
}

func (es *EmuState) stepCall(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, Transfer, error) {
	if es.CallDepth >= MaxCallDepth {
		return nil, Transfer{}, x86rw.New(x86rw.ModuleEmulator, x86rw.KindUnsupportedInstr, "call depth exceeds MaxCallDepth")
	}

	var target Cell
	if instr.Operands[0].Kind == x86inst.OKImm {
		target = Cell{Value: uint64(int64(instr.Addr) + int64(instr.Len) + instr.Operands[0].ImmValue), State: Static}
	} else {
		target = es.readCell(instr.Operands[0], mr)
	}

	fall := uint64(instr.Addr) + uint64(instr.Len)
	es.RetAddrs = append(es.RetAddrs, fall)
	es.CallDepth++

	if !target.State.IsStatic() {
		return nil, Transfer{}, x86rw.New(x86rw.ModuleEmulator, x86rw.KindUnsupportedInstr, "call through a dynamic target is not supported")
	}
	return nil, Transfer{Kind: TransferCall, TakenAddr: target.Value, FallAddr: fall, TakenIsStatic: true}, nil
}

func (es *EmuState) stepRet() ([]x86inst.Instr, Transfer, error) {
	if len(es.RetAddrs) == 0 {
		return nil, Transfer{Kind: TransferReturn}, nil
	}
	addr := es.RetAddrs[len(es.RetAddrs)-1]
	es.RetAddrs = es.RetAddrs[:len(es.RetAddrs)-1]
	es.CallDepth--
	return nil, Transfer{Kind: TransferReturn, TakenAddr: addr, TakenIsStatic: true}, nil
}

// foldOperand implements spec.md §3's applyStaticToInd: a register
// operand whose value is STATIC is replaced by an immediate; a memory
// operand's STATIC base/index registers are folded into its
// displacement. If the folded displacement overflows signed 32 bits,
// a scratch register materializes it via a generated mov r, imm64
// (spilling the scratch register around the use when none is DEAD).
// The spill's PUSH lands in pre, ahead of the consuming instruction;
// its matching POP lands in post, which the caller must append to the
// residual immediately after the consuming instruction so the spill
// and restore bracket the single use.
func (es *EmuState) foldOperand(op x86inst.Operand, pre, post *[]x86inst.Instr) x86inst.Operand {
	switch op.Kind {
	case x86inst.OKReg:
		c := es.regCell(op.Reg)
		if c.State.IsStatic() {
			return x86inst.Imm(uint8(op.Reg.Width()), int64(c.Value))
		}
		return op
	case x86inst.OKMem:
		return es.foldMem(op, pre, post)
	default:
		return op
	}
}

func (es *EmuState) foldMem(op x86inst.Operand, pre, post *[]x86inst.Instr) x86inst.Operand {
	out := op
	disp := op.Disp

	if op.HasBase {
		b := es.regCell(op.Base)
		if b.State.IsStatic() {
			disp += int64(b.Value)
			out.HasBase = false
		}
	}
	if op.HasIndex {
		idx := es.regCell(op.Index)
		if idx.State.IsStatic() {
			disp += int64(idx.Value) * int64(op.Scale)
			out.HasIndex = false
			out.Scale = 0
		}
	}
	out.Disp = disp

	if !out.HasBase && !out.HasIndex && (disp > 0x7fffffff || disp < -0x80000000) {
		avoid := []uint8{}
		if out.HasIndex {
			avoid = append(avoid, op.Index.Index)
		}
		reg, spill := pickScratch(es, avoid...)
		if spill {
			*pre = append(*pre, x86inst.Instr{Type: x86inst.PUSH, NumOperands: 1,
				Operands: [3]x86inst.Operand{x86inst.RegOp(scratchReg(reg))}})
			*post = append(*post, x86inst.Instr{Type: x86inst.POP, NumOperands: 1,
				Operands: [3]x86inst.Operand{x86inst.RegOp(scratchReg(reg))}})
		}
		*pre = append(*pre, x86inst.Instr{Type: x86inst.MOV, ValueType: x86inst.VT64, NumOperands: 2,
			Operands: [3]x86inst.Operand{x86inst.RegOp(scratchReg(reg)), x86inst.Imm(64, disp)}})
		out.HasBase = true
		out.Base = scratchReg(reg)
		out.Disp = 0
	}
	return out
}
