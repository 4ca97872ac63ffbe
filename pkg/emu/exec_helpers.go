package emu

import "github.com/oisee/x86rewrite/pkg/x86inst"

// flagBits is the concrete {Z,C,S,O,P} result of one arithmetic op,
// mirroring the teacher's bit-level F register computation but as a
// named struct instead of packed bits (this engine tracks each flag's
// capture state independently, so packing buys nothing).
type flagBits struct {
	zf, cf, sf, of, pf bool
}

func (es *EmuState) setFlags(f flagBits, state CaptureState) {
	es.Flags[FZF] = FlagCell{Value: f.zf, State: state}
	es.Flags[FCF] = FlagCell{Value: f.cf, State: state}
	es.Flags[FSF] = FlagCell{Value: f.sf, State: state}
	es.Flags[FOF] = FlagCell{Value: f.of, State: state}
	es.Flags[FPF] = FlagCell{Value: f.pf, State: state}
}

func flagsFromResult(result uint64, width uint8) flagBits {
	masked := result & widthMask(width)
	signBit := uint64(1) << (width - 1)
	return flagBits{
		zf: masked == 0,
		sf: masked&signBit != 0,
		pf: parityTable[byte(masked)],
	}
}

func operandBitWidth(op x86inst.Operand) uint8 {
	switch op.Kind {
	case x86inst.OKReg:
		return uint8(op.Reg.Width())
	case x86inst.OKMem:
		return op.MemWidth
	case x86inst.OKImm:
		return op.ImmWidth
	default:
		return 64
	}
}

// concreteArith evaluates a fully-STATIC arithmetic instruction,
// mirroring pkg/cpu/exec.go's execAdd/execSub bit-trick flag
// computation generalized from a fixed 8-bit accumulator to any
// operand width, and from Z80's {S,Z,H,P/V,N,C} to x86's {Z,C,S,O,P}.
func (es *EmuState) concreteArith(t x86inst.InstrType, a, b uint64, width uint8) (uint64, flagBits) {
	mask := widthMask(width)
	signBit := uint64(1) << (width - 1)
	a &= mask
	b &= mask

	carryIn := uint64(0)
	if (t == x86inst.ADC || t == x86inst.SBB) && es.Flags[FCF].State.IsStatic() && es.Flags[FCF].Value {
		carryIn = 1
	}

	switch t {
	case x86inst.ADD, x86inst.ADC:
		sum := a + b + carryIn
		result := sum & mask
		cf := sum > mask
		of := (a^result)&(b^result)&signBit != 0
		f := flagsFromResult(result, width)
		f.cf, f.of = cf, of
		return result, f
	case x86inst.SUB, x86inst.CMP, x86inst.SBB:
		diff := a - b - carryIn
		result := diff & mask
		cf := a < b+carryIn
		of := (a^b)&(a^result)&signBit != 0
		f := flagsFromResult(result, width)
		f.cf, f.of = cf, of
		return result, f
	case x86inst.AND, x86inst.TEST:
		result := a & b
		f := flagsFromResult(result, width)
		return result, f
	case x86inst.OR:
		result := a | b
		f := flagsFromResult(result, width)
		return result, f
	case x86inst.XOR:
		result := a ^ b
		f := flagsFromResult(result, width)
		return result, f
	default:
		return a, flagBits{}
	}
}
