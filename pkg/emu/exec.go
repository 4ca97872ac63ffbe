package emu

import (
	"github.com/oisee/x86rewrite/pkg/memrange"
	"github.com/oisee/x86rewrite/pkg/x86inst"
)

// parityTable mirrors pkg/cpu/flags.go's ParityTable: a precomputed
// lookup of the x86 parity flag (set when the low byte has an even
// number of 1 bits) for every possible byte value, built once in
// init() rather than counted bit-by-bit on every CMP/TEST/arith op.
var parityTable [256]bool

func init() {
	for i := 0; i < 256; i++ {
		n := 0
		for b := i; b != 0; b &= b - 1 {
			n++
		}
		parityTable[i] = n%2 == 0
	}
}

// Step interprets one instruction against es, returning any residual
// instructions it could not fold away and the control-flow transfer
// it causes. mr supplies the registered constant-data ranges for
// STATIC loads (spec.md §4.4 step 1); it may be nil.
func (es *EmuState) Step(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, Transfer, error) {
	if instr.IsPassthrough() {
		return []x86inst.Instr{instr}, Transfer{}, nil
	}

	switch {
	case instr.Type.IsJcc():
		return es.stepJcc(instr)
	case instr.Type == x86inst.JMP:
		return es.stepJmp(instr)
	case instr.Type == x86inst.JMPI:
		return es.stepJmpIndirect(instr, mr)
	case instr.Type == x86inst.CALL:
		return es.stepCall(instr, mr)
	case instr.Type == x86inst.RET:
		return es.stepRet()
	}

	residual, err := es.stepData(instr, mr)
	return residual, Transfer{Kind: TransferNone}, err
}

func (es *EmuState) stepData(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	switch instr.Type {
	case x86inst.MOV:
		return es.stepMov(instr, mr)
	case x86inst.ADD, x86inst.SUB, x86inst.AND, x86inst.OR, x86inst.XOR, x86inst.CMP, x86inst.TEST, x86inst.ADC, x86inst.SBB:
		return es.stepArith(instr, mr)
	case x86inst.INC, x86inst.DEC:
		return es.stepIncDec(instr, mr)
	case x86inst.NOT, x86inst.NEG:
		return es.stepUnary(instr, mr)
	case x86inst.SHL, x86inst.SHR, x86inst.SAR, x86inst.ROL, x86inst.ROR:
		return es.stepShift(instr, mr)
	case x86inst.LEA:
		return es.stepLea(instr)
	case x86inst.PUSH:
		return es.stepPush(instr, mr)
	case x86inst.POP:
		return es.stepPop(instr)
	case x86inst.XCHG:
		return es.stepXchg(instr, mr)
	case x86inst.MOVZX, x86inst.MOVSX, x86inst.MOVSXD:
		return es.stepExtend(instr, mr)
	default:
		if instr.Type.IsCMovcc() {
			return es.stepCmov(instr, mr)
		}
		if instr.Type.IsSetcc() {
			return es.stepSetcc(instr)
		}
		return es.stepOpaque(instr, mr)
	}
}

// stepOpaque handles instructions this engine doesn't model
// semantically (IMUL/MUL/DIV/IDIV/CDQ/CQO and friends): any
// register they write becomes DYNAMIC and the instruction is always
// re-emitted with static operands folded, per spec.md §4.4's
// residual-emission rule applied unconditionally.
func (es *EmuState) stepOpaque(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	var residual, post []x86inst.Instr
	out := instr
	for i := uint8(0); i < instr.NumOperands; i++ {
		out.Operands[i] = es.foldOperand(instr.Operands[i], &residual, &post)
	}
	for i := uint8(0); i < instr.NumOperands; i++ {
		if instr.Operands[i].Kind == x86inst.OKReg {
			es.setReg(instr.Operands[i].Reg, Cell{State: Dynamic})
		}
	}
	switch instr.Type {
	case x86inst.IMUL, x86inst.MUL, x86inst.DIV, x86inst.IDIV:
		// One-operand forms write RDX:RAX implicitly.
		es.setReg(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRAX}, Cell{State: Dynamic})
		es.setReg(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRDX}, Cell{State: Dynamic})
	case x86inst.CDQ, x86inst.CQO:
		es.setReg(x86inst.Reg{Kind: x86inst.GP64, Index: x86inst.RegRDX}, Cell{State: Dynamic})
	}
	for i := range es.Flags {
		es.Flags[i] = FlagCell{State: Dynamic}
	}
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepMov(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	val := es.readCell(src, mr)

	if dst.Kind == x86inst.OKReg && (val.State.IsStatic() || val.State == Dead) {
		es.writeCell(dst, val)
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[1] = es.foldOperand(src, &residual, &post)
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepArith(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	a := es.readCell(dst, mr)
	b := es.readCell(src, mr)
	width := operandBitWidth(dst)

	isStore := instr.Type != x86inst.CMP && instr.Type != x86inst.TEST

	if a.State.IsStatic() && b.State.IsStatic() && (instr.Type != x86inst.ADC && instr.Type != x86inst.SBB || es.Flags[FCF].State.IsStatic()) {
		result, flags := es.concreteArith(instr.Type, a.Value, b.Value, width)
		es.setFlags(flags, Static)
		if isStore {
			es.writeCell(dst, Cell{Value: result, State: combineState(a.State, b.State, false)})
		}
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	out.Operands[1] = es.foldOperand(src, &residual, &post)

	flagState := combineFlagState(a.State, b.State, false)
	for i := range es.Flags {
		es.Flags[i] = FlagCell{State: flagState}
	}
	if isStore {
		es.writeCell(dst, Cell{State: combineState(a.State, b.State, false)})
	}
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepIncDec(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst := instr.Operands[0]
	a := es.readCell(dst, mr)
	width := operandBitWidth(dst)
	delta := int64(1)
	if instr.Type == x86inst.DEC {
		delta = -1
	}

	if a.State.IsStatic() {
		result := (a.Value + uint64(delta)) & widthMask(width)
		es.writeCell(dst, Cell{Value: result, State: a.State})
		cf := es.Flags[FCF]
		es.setFlags(flagsFromResult(result, width), Static)
		es.Flags[FCF] = cf // INC/DEC never touch CF
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	for i := range es.Flags {
		if i == FCF {
			continue // INC/DEC never touch CF
		}
		es.Flags[i] = FlagCell{State: Dynamic}
	}
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}

func (es *EmuState) stepUnary(instr x86inst.Instr, mr *memrange.Registry) ([]x86inst.Instr, error) {
	dst := instr.Operands[0]
	a := es.readCell(dst, mr)
	width := operandBitWidth(dst)

	if a.State.IsStatic() {
		var result uint64
		if instr.Type == x86inst.NOT {
			result = ^a.Value & widthMask(width)
			es.writeCell(dst, Cell{Value: result, State: a.State})
			return nil, nil
		}
		// NEG
		result = (^a.Value + 1) & widthMask(width)
		es.writeCell(dst, Cell{Value: result, State: a.State})
		flags := flagsFromResult(result, width)
		flags.cf = a.Value != 0
		es.setFlags(flags, Static)
		return nil, nil
	}

	var residual, post []x86inst.Instr
	out := instr
	out.Operands[0] = es.foldOperand(dst, &residual, &post)
	es.writeCell(dst, Cell{State: Dynamic})
	if instr.Type == x86inst.NEG {
		for i := range es.Flags {
			es.Flags[i] = FlagCell{State: Dynamic}
		}
	}
	residual = append(residual, out)
	residual = append(residual, post...)
	return residual, nil
}
