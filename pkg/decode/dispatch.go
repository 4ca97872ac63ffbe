package decode

import (
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// decodeBody decodes everything after the prefix/REX bytes already
// scanned: opcode fetch, dispatch to a per-opcode handler, and operand
// decoding, per spec.md §4.2 steps 2-5. addr+bodyOff points at the
// first opcode byte; returns the instruction and the number of bytes
// consumed starting from bodyOff (not including the prefix bytes the
// caller already accounted for).
func decodeBody(addr uintptr, bodyOff int, pfx x86inst.PrefixSet, rex rexInfo, seg x86inst.SegOverride) (x86inst.Instr, int, error) {
	op := byteAt(addr, bodyOff)
	n := 1

	if op == 0x0f {
		op2 := byteAt(addr, bodyOff+n)
		n++
		instr, consumed, err := decodeTwoByte(addr, bodyOff+n, op2, pfx, rex, seg)
		return instr, n + consumed, err
	}

	return decodeOneByte(addr, bodyOff+n, op, pfx, rex, seg)
}

func mkInstr(t x86inst.InstrType, vt x86inst.ValueType, ops ...x86inst.Operand) x86inst.Instr {
	instr := x86inst.Instr{Type: t, ValueType: vt, NumOperands: uint8(len(ops))}
	copy(instr.Operands[:], ops)
	return instr
}

// decodeOneByte handles every one-byte (non-0F) opcode this module
// supports. rest is the offset immediately after the opcode byte;
// returns the instruction and total bytes consumed from the opcode
// byte itself (so callers add 1 for the opcode byte implicitly via the
// caller's n+1 bookkeeping — here we return length counted from the
// opcode byte, i.e. starts at 1).
func decodeOneByte(addr uintptr, rest int, op byte, pfx x86inst.PrefixSet, rex rexInfo, seg x86inst.SegOverride) (x86inst.Instr, int, error) {
	w := operandWidth(rex, pfx)
	vt := valueTypeFor(w)
	n := 1 // the opcode byte itself

	group := op >> 3
	sub := op & 7
	if op < 0x40 && group <= 7 && sub <= 5 {
		it := arithGroup[group]
		switch sub {
		case 0: // MR r/m8, r8
			reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP8, 8, seg)
			return mkInstr(it, x86inst.VT8, rm, reg), n + rn, err
		case 1: // MR r/m, r
			reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
			return mkInstr(it, vt, rm, reg), n + rn, err
		case 2: // RM r8, r/m8
			reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP8, 8, seg)
			return mkInstr(it, x86inst.VT8, reg, rm), n + rn, err
		case 3: // RM r, r/m
			reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
			return mkInstr(it, vt, reg, rm), n + rn, err
		case 4: // IA al, imm8
			imm, in, err := readImm(addr, rest, 8)
			al := x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP8, Index: 0})
			return mkInstr(it, x86inst.VT8, al, x86inst.Imm(8, imm)), n + in, err
		case 5: // IA eAX, imm32 (sign-extended for 64-bit)
			immWidth := uint8(32)
			if w == 16 {
				immWidth = 16
			}
			imm, in, err := readImm(addr, rest, immWidth)
			ax := x86inst.RegOp(gpReg(x86inst.GP64, w, 0))
			return mkInstr(it, vt, ax, x86inst.Imm(immWidth, imm)), n + in, err
		}
	}

	switch {
	case op >= 0x50 && op <= 0x57:
		idx := int(op-0x50) | boolIdx(rex.b)<<3
		return mkInstr(x86inst.PUSH, x86inst.VTImplicit, x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP64, Index: uint8(idx)})), n, nil
	case op >= 0x58 && op <= 0x5f:
		idx := int(op-0x58) | boolIdx(rex.b)<<3
		return mkInstr(x86inst.POP, x86inst.VTImplicit, x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP64, Index: uint8(idx)})), n, nil
	case op == 0x63: // MOVSXD r64, r/m32
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, 32, seg)
		reg.Reg.Kind = x86inst.GP64
		return mkInstr(x86inst.MOVSXD, x86inst.VT64, reg, rm), n + rn, err
	case op == 0x68: // PUSH imm32
		imm, in, err := readImm(addr, rest, 32)
		return mkInstr(x86inst.PUSH, x86inst.VTImplicit, x86inst.Imm(32, imm)), n + in, err
	case op == 0x6a: // PUSH imm8
		imm, in, err := readImm(addr, rest, 8)
		return mkInstr(x86inst.PUSH, x86inst.VTImplicit, x86inst.Imm(8, imm)), n + in, err
	case op == 0x69: // IMUL r, r/m, imm32
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		imm, in, err := readImm(addr, rest+rn, 32)
		return mkInstr(x86inst.IMUL3, vt, reg, rm, x86inst.Imm(32, imm)), n + rn + in, err
	case op == 0x6b: // IMUL r, r/m, imm8
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		imm, in, err := readImm(addr, rest+rn, 8)
		return mkInstr(x86inst.IMUL3, vt, reg, rm, x86inst.Imm(8, imm)), n + rn + in, err
	case op >= 0x70 && op <= 0x7f:
		cc := int(op - 0x70)
		imm, in, err := readImm(addr, rest, 8)
		return mkInstr(x86inst.JO+x86inst.InstrType(cc), x86inst.VTImplicit, x86inst.Imm(8, imm)), n + in, err
	case op == 0x80 || op == 0x81 || op == 0x83:
		ow := w
		immWidth := uint8(32)
		if op == 0x80 {
			ow = 8
			immWidth = 8
		} else if op == 0x83 {
			immWidth = 8
		}
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, ow, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		imm, in, err := readImm(addr, rest+rn, immWidth)
		it := group1[digit]
		vtx := valueTypeFor(ow)
		return mkInstr(it, vtx, rm, x86inst.Imm(immWidth, imm)), n + rn + in, err
	case op == 0x84 || op == 0x85:
		ow := pick8(op == 0x84, w)
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, ow, seg)
		return mkInstr(x86inst.TEST, valueTypeFor(ow), rm, reg), n + rn, err
	case op == 0x86 || op == 0x87:
		ow := pick8(op == 0x86, w)
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, ow, seg)
		return mkInstr(x86inst.XCHG, valueTypeFor(ow), rm, reg), n + rn, err
	case op == 0x88 || op == 0x89:
		ow := pick8(op == 0x88, w)
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, ow, seg)
		return mkInstr(x86inst.MOV, valueTypeFor(ow), rm, reg), n + rn, err
	case op == 0x8a || op == 0x8b:
		ow := pick8(op == 0x8a, w)
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, ow, seg)
		return mkInstr(x86inst.MOV, valueTypeFor(ow), reg, rm), n + rn, err
	case op == 0x8d: // LEA
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		if rm.Kind != x86inst.OKMem {
			return x86inst.Instr{}, n + rn, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOperands, "lea: r/m must be memory")
		}
		return mkInstr(x86inst.LEA, vt, reg, rm), n + rn, err
	case op == 0x90:
		return passthroughNP(0x90), n, nil
	case op == 0x98:
		return passthroughNP(0x98), n, nil
	case op == 0x99:
		if rex.w {
			return mkInstr(x86inst.CQO, x86inst.VT64), n, nil
		}
		return mkInstr(x86inst.CDQ, x86inst.VT32), n, nil
	case op == 0xa8:
		imm, in, err := readImm(addr, rest, 8)
		al := x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP8, Index: 0})
		return mkInstr(x86inst.TEST, x86inst.VT8, al, x86inst.Imm(8, imm)), n + in, err
	case op == 0xa9:
		immWidth := uint8(32)
		if w == 16 {
			immWidth = 16
		}
		imm, in, err := readImm(addr, rest, immWidth)
		ax := x86inst.RegOp(gpReg(x86inst.GP64, w, 0))
		return mkInstr(x86inst.TEST, vt, ax, x86inst.Imm(immWidth, imm)), n + in, err
	case op >= 0xb0 && op <= 0xb7:
		idx := int(op-0xb0) | boolIdx(rex.b)<<3
		imm, in, err := readImm(addr, rest, 8)
		reg := x86inst.RegOp(gpReg(x86inst.GP8, 8, idx))
		return mkInstr(x86inst.MOV, x86inst.VT8, reg, x86inst.Imm(8, imm)), n + in, err
	case op >= 0xb8 && op <= 0xbf:
		idx := int(op-0xb8) | boolIdx(rex.b)<<3
		immWidth := uint8(32)
		if rex.w {
			immWidth = 64
		} else if w == 16 {
			immWidth = 16
		}
		imm, in, err := readImm(addr, rest, immWidth)
		reg := x86inst.RegOp(gpReg(x86inst.GP64, w, idx))
		return mkInstr(x86inst.MOV, vt, reg, x86inst.Imm(immWidth, imm)), n + in, err
	case op == 0xc0 || op == 0xc1:
		ow := pick8(op == 0xc0, w)
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, ow, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		it := group2Shift[digit]
		if it == x86inst.Invalid {
			return x86inst.Instr{}, n + rn, x86rw.New(x86rw.ModuleDecoder, x86rw.KindUnsupportedInstr, "shift group digit %d unsupported", digit)
		}
		imm, in, err := readImm(addr, rest+rn, 8)
		return mkInstr(it, valueTypeFor(ow), rm, x86inst.Imm(8, imm)), n + rn + in, err
	case op == 0xc2:
		return x86inst.Instr{}, n, x86rw.New(x86rw.ModuleDecoder, x86rw.KindUnsupportedInstr, "ret imm16 not supported")
	case op == 0xc3:
		return mkInstr(x86inst.RET, x86inst.VTImplicit), n, nil
	case op == 0xc6 || op == 0xc7:
		ow := pick8(op == 0xc6, w)
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, ow, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		if digit != 0 {
			return x86inst.Instr{}, n + rn, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOpcode, "mov MI: digit %d unsupported", digit)
		}
		immWidth := ow
		if immWidth > 32 {
			immWidth = 32
		}
		imm, in, err := readImm(addr, rest+rn, immWidth)
		return mkInstr(x86inst.MOV, valueTypeFor(ow), rm, x86inst.Imm(immWidth, imm)), n + rn + in, err
	case op >= 0xd0 && op <= 0xd3:
		ow := pick8(op == 0xd0 || op == 0xd1, w)
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, ow, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		it := group2Shift[digit]
		if it == x86inst.Invalid {
			return x86inst.Instr{}, n + rn, x86rw.New(x86rw.ModuleDecoder, x86rw.KindUnsupportedInstr, "shift group digit %d unsupported", digit)
		}
		if op == 0xd0 || op == 0xd1 {
			return mkInstr(it, valueTypeFor(ow), rm, x86inst.Imm(8, 1)), n + rn, nil
		}
		cl := x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP8, Index: 1})
		return mkInstr(it, valueTypeFor(ow), rm, cl), n + rn, nil
	case op == 0xe8: // CALL rel32
		imm, in, err := readImm(addr, rest, 32)
		return mkInstr(x86inst.CALL, x86inst.VTImplicit, x86inst.Imm(32, imm)), n + in, err
	case op == 0xe9: // JMP rel32
		imm, in, err := readImm(addr, rest, 32)
		return mkInstr(x86inst.JMP, x86inst.VTImplicit, x86inst.Imm(32, imm)), n + in, err
	case op == 0xeb: // JMP rel8
		imm, in, err := readImm(addr, rest, 8)
		return mkInstr(x86inst.JMP, x86inst.VTImplicit, x86inst.Imm(8, imm)), n + in, err
	case op == 0xf6 || op == 0xf7:
		ow := pick8(op == 0xf6, w)
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, ow, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		it := group3[digit]
		if digit <= 1 {
			immWidth := ow
			if immWidth > 32 {
				immWidth = 32
			}
			imm, in, err := readImm(addr, rest+rn, immWidth)
			return mkInstr(it, valueTypeFor(ow), rm, x86inst.Imm(immWidth, imm)), n + rn + in, err
		}
		return mkInstr(it, valueTypeFor(ow), rm), n + rn, nil
	case op == 0xfe:
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, 8, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		it := x86inst.INC
		if digit == 1 {
			it = x86inst.DEC
		}
		return mkInstr(it, x86inst.VT8, rm), n + rn, nil
	case op == 0xff:
		digit, rm, rn, err := decodeGroupModRM(addr, rest, rex, w, seg)
		if err != nil {
			return x86inst.Instr{}, n + rn, err
		}
		switch digit {
		case 0:
			return mkInstr(x86inst.INC, vt, rm), n + rn, nil
		case 1:
			return mkInstr(x86inst.DEC, vt, rm), n + rn, nil
		case 2:
			return mkInstr(x86inst.CALL, x86inst.VTImplicit, rm), n + rn, nil
		case 4:
			return mkInstr(x86inst.JMPI, x86inst.VTImplicit, rm), n + rn, nil
		case 6:
			return mkInstr(x86inst.PUSH, x86inst.VTImplicit, rm), n + rn, nil
		default:
			return x86inst.Instr{}, n + rn, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOpcode, "group5 digit %d unsupported", digit)
		}
	}

	return x86inst.Instr{}, n, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOpcode, "unrecognized opcode %#x", op)
}

func decodeTwoByte(addr uintptr, rest int, op2 byte, pfx x86inst.PrefixSet, rex rexInfo, seg x86inst.SegOverride) (x86inst.Instr, int, error) {
	w := operandWidth(rex, pfx)
	vt := valueTypeFor(w)

	switch {
	case op2 == 0x1f: // multi-byte NOP Ev
		_, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		instr := passthroughM(0x0f, 0x1f)
		instr.Operands[0] = rm
		instr.NumOperands = 1
		return instr, rn, err
	case op2 >= 0x40 && op2 <= 0x4f: // CMOVcc Gv, Ev
		cc := int(op2 - 0x40)
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		return mkInstr(x86inst.CMOVO+x86inst.InstrType(cc), vt, reg, rm), rn, err
	case op2 >= 0x80 && op2 <= 0x8f: // Jcc rel32
		cc := int(op2 - 0x80)
		imm, in, err := readImm(addr, rest, 32)
		return mkInstr(x86inst.JO+x86inst.InstrType(cc), x86inst.VTImplicit, x86inst.Imm(32, imm)), in, err
	case op2 >= 0x90 && op2 <= 0x9f: // SETcc Eb
		cc := int(op2 - 0x90)
		_, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP8, 8, seg)
		return mkInstr(x86inst.SETO+x86inst.InstrType(cc), x86inst.VT8, rm), rn, err
	case op2 == 0xaf: // IMUL2 Gv, Ev
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP64, w, seg)
		return mkInstr(x86inst.IMUL2, vt, reg, rm), rn, err
	case op2 == 0xb6: // MOVZX Gv, Eb
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP8, 8, seg)
		reg.Reg = gpReg(x86inst.GP64, w, int(reg.Reg.Index))
		return mkInstr(x86inst.MOVZX, vt, reg, rm), rn, err
	case op2 == 0xb7: // MOVZX Gv, Ew
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP16, 16, seg)
		reg.Reg = gpReg(x86inst.GP64, w, int(reg.Reg.Index))
		return mkInstr(x86inst.MOVZX, vt, reg, rm), rn, err
	case op2 == 0xbe: // MOVSX Gv, Eb
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP8, 8, seg)
		reg.Reg = gpReg(x86inst.GP64, w, int(reg.Reg.Index))
		return mkInstr(x86inst.MOVSX, vt, reg, rm), rn, err
	case op2 == 0xbf: // MOVSX Gv, Ew
		reg, rm, rn, err := decodeModRM(addr, rest, rex, x86inst.GP16, 16, seg)
		reg.Reg = gpReg(x86inst.GP64, w, int(reg.Reg.Index))
		return mkInstr(x86inst.MOVSX, vt, reg, rm), rn, err
	}

	return x86inst.Instr{}, 0, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOpcode, "unrecognized 0F opcode %#x", op2)
}

// decodeGroupModRM decodes a ModRM whose reg field selects an opcode
// digit rather than a register (group1/2/3/4/5), per spec.md §4.2's
// "expected sub-opcode digit" descriptor field.
func decodeGroupModRM(addr uintptr, off int, rex rexInfo, width uint8, seg x86inst.SegOverride) (digit int, rm x86inst.Operand, n int, err error) {
	reg, rmOp, rn, err := decodeModRM(addr, off, rex, x86inst.GP64, width, seg)
	digit = int(reg.Reg.Index) & 7
	return digit, rmOp, rn, err
}

func pick8(cond bool, w uint8) uint8 {
	if cond {
		return 8
	}
	return w
}

func passthroughNP(opcode byte) x86inst.Instr {
	return x86inst.Instr{
		Type: x86inst.Passthrough,
		Passthrough: &x86inst.PassthroughDesc{
			Opcode: [3]byte{opcode}, OpcodeLen: 1, ModRMReg: -1, Encoding: x86inst.EncNP,
		},
	}
}

func passthroughM(b0, b1 byte) x86inst.Instr {
	return x86inst.Instr{
		Type: x86inst.Passthrough,
		Passthrough: &x86inst.PassthroughDesc{
			Opcode: [3]byte{b0, b1}, OpcodeLen: 2, ModRMReg: -1, Encoding: x86inst.EncM,
		},
	}
}
