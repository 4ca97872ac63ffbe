package decode

import "github.com/oisee/x86rewrite/pkg/x86inst"

// arithGroup lists the eight arithmetic/logic InstrTypes in the order
// Intel's opcode map lays them out across 0x00-0x3D (group index =
// opcode>>3), matching pkg/x86inst's arithDigit ordering exactly.
var arithGroup = [8]x86inst.InstrType{
	x86inst.ADD, x86inst.OR, x86inst.ADC, x86inst.SBB,
	x86inst.AND, x86inst.SUB, x86inst.XOR, x86inst.CMP,
}

// group1 (0x80/0x81/0x83 MI forms) shares arithGroup's digit order —
// Intel assigns the same eight arithmetic ops to both opcode families.
var group1 = arithGroup

var group3 = [8]x86inst.InstrType{
	x86inst.TEST, x86inst.TEST, x86inst.NOT, x86inst.NEG,
	x86inst.MUL, x86inst.IMUL, x86inst.DIV, x86inst.IDIV,
}

var group2Shift = [8]x86inst.InstrType{
	x86inst.ROL, x86inst.ROR, x86inst.Invalid, x86inst.Invalid,
	x86inst.SHL, x86inst.SHR, x86inst.Invalid, x86inst.SAR,
}

func operandWidth(rex rexInfo, pfx x86inst.PrefixSet) uint8 {
	if rex.w {
		return 64
	}
	if pfx&x86inst.PfxOpSize != 0 {
		return 16
	}
	return 32
}

func valueTypeFor(w uint8) x86inst.ValueType {
	switch w {
	case 8:
		return x86inst.VT8
	case 16:
		return x86inst.VT16
	case 32:
		return x86inst.VT32
	default:
		return x86inst.VT64
	}
}
