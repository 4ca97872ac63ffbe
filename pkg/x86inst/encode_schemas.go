package x86inst

import "github.com/oisee/x86rewrite/pkg/x86rw"

// width returns the operand width in bits an instruction operates at,
// from its ValueType or, for VTImplicit instructions (push/pop/call/
// ret, always 64-bit in long mode), from the width of its first
// register-bearing operand.
func width(instr *Instr) uint8 {
	switch instr.ValueType {
	case VT8:
		return 8
	case VT16:
		return 16
	case VT32:
		return 32
	case VT64:
		return 64
	default:
		for i := uint8(0); i < instr.NumOperands; i++ {
			if o := instr.Operands[i]; o.Kind == OKReg {
				return uint8(o.Reg.Width())
			} else if o.Kind == OKMem && o.MemWidth != 0 {
				return o.MemWidth
			}
		}
		return 64
	}
}

// widthRex reports the REX.W / 0x66-prefix needs for a given width, per
// spec.md §4.5.2. Callers that never need a width-dependent REX.W at all
// (push/pop, call/jmp, ret) have their own encode functions and never
// call this helper.
func widthRex(instr *Instr, w uint8) (rex rexBits, mandatory PrefixSet) {
	if w == 64 {
		rex.W = true
	}
	if w == 16 {
		mandatory |= PfxOpSize
	}
	return rex, mandatory
}

func (e *Encoder) encodeArith(instr *Instr) ([]byte, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	w := width(instr)
	rex, mand := widthRex(instr, w)

	if src.Kind == OKImm {
		var opcode byte
		var digit byte
		if instr.Type == TEST {
			opcode = pick(w == 8, 0xf6, 0xf7)
			digit = 0
		} else {
			digit = arithDigit(instr.Type)
			switch {
			case w == 8:
				opcode = 0x80
			case src.ImmWidth == 8:
				opcode = 0x83
			default:
				opcode = 0x81
			}
		}
		modrm, err := buildRM(digit, dst, &rex)
		if err != nil {
			return nil, err
		}
		imm := encodeImmBytes(src.ImmWidth, src.ImmValue)
		return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, imm), nil
	}

	if src.Kind != OKReg {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "arith: unsupported operand combination")
	}

	if dst.Kind == OKMem {
		// MR: r/m (mem) <- reg
		opcode := mrOpcode(instr.Type, w)
		if opcode == 0 && instr.Type != TEST {
			return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedInstr, "arith: no MR opcode for type %d", instr.Type)
		}
		if instr.Type == TEST {
			opcode = pick(w == 8, 0x84, 0x85)
		}
		if src.Reg.Index >= 8 {
			rex.R = true
		}
		modrm, err := buildRM(src.Reg.Index&0xf, dst, &rex)
		if err != nil {
			return nil, err
		}
		return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
	}

	// RM: reg <- r/m (also covers reg,reg — arbitrary but consistent choice)
	opcode := rmOpcode(instr.Type, w)
	if instr.Type == TEST {
		opcode = pick(w == 8, 0x84, 0x85)
		// test has no distinct RM opcode; swap operand roles instead.
		if dst.Reg.Index >= 8 {
			rex.R = true
		}
		modrm, err := buildRM(dst.Reg.Index&0xf, src, &rex)
		if err != nil {
			return nil, err
		}
		return assemble(src.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
	}
	if dst.Reg.Index >= 8 {
		rex.R = true
	}
	modrm, err := buildRM(dst.Reg.Index&0xf, src, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(src.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
}

func pick(cond bool, a, b byte) byte {
	if cond {
		return a
	}
	return b
}

// mrOpcode/rmOpcode give the two-byte {8-bit,wide} opcode pair for the
// "r/m,reg" (MR) and "reg,r/m" (RM) directions of the eight arithmetic
// ops, in Intel's table-2 order.
var mrBase = map[InstrType]byte{ADD: 0x00, OR: 0x08, ADC: 0x10, SBB: 0x18, AND: 0x20, SUB: 0x28, XOR: 0x30, CMP: 0x38}

func mrOpcode(t InstrType, w uint8) byte {
	base, ok := mrBase[t]
	if !ok {
		return 0
	}
	if w == 8 {
		return base
	}
	return base + 1
}

var rmBase = map[InstrType]byte{ADD: 0x02, OR: 0x0a, ADC: 0x12, SBB: 0x1a, AND: 0x22, SUB: 0x2a, XOR: 0x32, CMP: 0x3a}

func rmOpcode(t InstrType, w uint8) byte {
	base := rmBase[t]
	if w == 8 {
		return base
	}
	return base + 1
}

func (e *Encoder) encodeShift(instr *Instr) ([]byte, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	w := width(instr)
	rex, mand := widthRex(instr, w)
	digit := shiftDigit(instr.Type)

	var opcode byte
	var imm []byte
	switch {
	case src.Kind == OKImm && src.ImmValue == 1:
		opcode = pick(w == 8, 0xd0, 0xd1)
	case src.Kind == OKReg && src.Reg.Kind == GP8 && src.Reg.Index == RegRCX:
		opcode = pick(w == 8, 0xd2, 0xd3)
	case src.Kind == OKImm:
		opcode = pick(w == 8, 0xc0, 0xc1)
		imm = encodeImmBytes(8, src.ImmValue)
	default:
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "shift: unsupported count operand")
	}

	modrm, err := buildRM(digit, dst, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, imm), nil
}

func (e *Encoder) encodeMov(instr *Instr) ([]byte, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	w := width(instr)
	rex, mand := widthRex(instr, w)

	if src.Kind == OKImm && dst.Kind == OKReg {
		if w == 64 && src.ImmWidth <= 32 {
			// Peephole-narrowed: imm fits a sign-extended imm32, so use
			// the MI form (C7 /0) instead of a 10-byte MOVABS.
			modrm, err := buildRM(0, dst, &rex)
			if err != nil {
				return nil, err
			}
			return assemble(SegNone, nil, mand, rex, []byte{0xc7}, modrm, encodeImmBytes(32, src.ImmValue)), nil
		}
		if w == 64 {
			rex.W = true
			if dst.Reg.Index >= 8 {
				rex.B = true
			}
			opcode := byte(0xb8 + dst.Reg.Index&7)
			return assemble(SegNone, nil, mand, rex, []byte{opcode}, nil, encodeImmBytes(64, src.ImmValue)), nil
		}
		if dst.Reg.Index >= 8 {
			rex.B = true
		}
		opcode := pick(w == 8, byte(0xb0+dst.Reg.Index&7), byte(0xb8+dst.Reg.Index&7))
		return assemble(SegNone, nil, mand, rex, []byte{opcode}, nil, encodeImmBytes(widthOf32(w), src.ImmValue)), nil
	}
	if src.Kind == OKImm {
		opcode := pick(w == 8, 0xc6, 0xc7)
		modrm, err := buildRM(0, dst, &rex)
		if err != nil {
			return nil, err
		}
		return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, encodeImmBytes(widthOf32(w), src.ImmValue)), nil
	}
	if dst.Kind == OKMem {
		if src.Kind != OKReg {
			return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "mov: store requires a register source")
		}
		opcode := pick(w == 8, 0x88, 0x89)
		if src.Reg.Index >= 8 {
			rex.R = true
		}
		modrm, err := buildRM(src.Reg.Index&0xf, dst, &rex)
		if err != nil {
			return nil, err
		}
		return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
	}
	if dst.Kind != OKReg || (src.Kind != OKReg && src.Kind != OKMem) {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "mov: unsupported operand combination")
	}
	opcode := pick(w == 8, 0x8a, 0x8b)
	if dst.Reg.Index >= 8 {
		rex.R = true
	}
	modrm, err := buildRM(dst.Reg.Index&0xf, src, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(src.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
}

func widthOf32(w uint8) uint8 {
	if w == 8 {
		return 8
	}
	if w == 16 {
		return 16
	}
	return 32
}

// encodeRM implements the generic "reg <- r/m" schema used by LEA,
// MOVSXD, IMUL2, and CMOVcc: Operands[0] is the destination register,
// Operands[1] is the r/m source.
func (e *Encoder) encodeRM(instr *Instr, opcode []byte) ([]byte, error) {
	dst, src := instr.Operands[0], instr.Operands[1]
	if dst.Kind != OKReg {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "RM schema: destination must be a register")
	}
	w := width(instr)
	rex, mand := widthRex(instr, w)
	if dst.Reg.Index >= 8 {
		rex.R = true
	}
	modrm, err := buildRM(dst.Reg.Index&0xf, src, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(src.Seg, nil, mand, rex, opcode, modrm, nil), nil
}

func (e *Encoder) encodeMovx(instr *Instr, subop byte) ([]byte, error) {
	src := instr.Operands[1]
	srcWidth := uint8(8)
	if src.Kind == OKReg {
		srcWidth = uint8(src.Reg.Width())
	} else if src.MemWidth != 0 {
		srcWidth = src.MemWidth
	}
	op := subop
	if srcWidth == 16 {
		op = subop + 1 // b6->b7, be->bf
	}
	return e.encodeRM(instr, []byte{0x0f, op})
}

func (e *Encoder) encodeRMI(instr *Instr) ([]byte, error) {
	dst, src, imm := instr.Operands[0], instr.Operands[1], instr.Operands[2]
	if dst.Kind != OKReg || imm.Kind != OKImm {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "RMI schema: expected reg, r/m, imm")
	}
	w := width(instr)
	rex, mand := widthRex(instr, w)
	if dst.Reg.Index >= 8 {
		rex.R = true
	}
	modrm, err := buildRM(dst.Reg.Index&0xf, src, &rex)
	if err != nil {
		return nil, err
	}
	opcode := byte(0x69)
	immBytes := encodeImmBytes(32, imm.ImmValue)
	if imm.ImmWidth == 8 {
		opcode = 0x6b
		immBytes = encodeImmBytes(8, imm.ImmValue)
	}
	return assemble(src.Seg, nil, mand, rex, []byte{opcode}, modrm, immBytes), nil
}

func (e *Encoder) encodePushPop(instr *Instr, isPush bool) ([]byte, error) {
	op := instr.Operands[0]
	var rex rexBits
	if op.Kind == OKReg {
		if op.Reg.Index >= 8 {
			rex.B = true
		}
		base := byte(0x50)
		if !isPush {
			base = 0x58
		}
		opcode := base + op.Reg.Index&7
		return assemble(SegNone, nil, 0, rex, []byte{opcode}, nil, nil), nil
	}
	if op.Kind == OKMem {
		digit := byte(6)
		opcode := byte(0xff)
		if !isPush {
			digit = 0
			opcode = 0x8f
		}
		modrm, err := buildRM(digit, op, &rex)
		if err != nil {
			return nil, err
		}
		return assemble(op.Seg, nil, 0, rex, []byte{opcode}, modrm, nil), nil
	}
	if op.Kind == OKImm && isPush {
		if op.ImmWidth == 8 {
			return assemble(SegNone, nil, 0, rex, []byte{0x6a}, nil, encodeImmBytes(8, op.ImmValue)), nil
		}
		return assemble(SegNone, nil, 0, rex, []byte{0x68}, nil, encodeImmBytes(32, op.ImmValue)), nil
	}
	return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "push/pop: unsupported operand")
}

func (e *Encoder) encodeUnaryM(instr *Instr) ([]byte, error) {
	op := instr.Operands[0]
	w := width(instr)
	rex, mand := widthRex(instr, w)
	var digit byte
	switch instr.Type {
	case NOT:
		digit = 2
	case NEG:
		digit = 3
	case MUL:
		digit = 4
	case IMUL:
		digit = 5
	case DIV:
		digit = 6
	case IDIV:
		digit = 7
	}
	opcode := pick(w == 8, 0xf6, 0xf7)
	modrm, err := buildRM(digit, op, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(op.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
}

func (e *Encoder) encodeIncDec(instr *Instr) ([]byte, error) {
	op := instr.Operands[0]
	w := width(instr)
	rex, mand := widthRex(instr, w)
	digit := byte(0)
	if instr.Type == DEC {
		digit = 1
	}
	opcode := pick(w == 8, 0xfe, 0xff)
	modrm, err := buildRM(digit, op, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(op.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
}

func (e *Encoder) encodeXchg(instr *Instr) ([]byte, error) {
	a, b := instr.Operands[0], instr.Operands[1]
	w := width(instr)
	rex, mand := widthRex(instr, w)
	opcode := pick(w == 8, 0x86, 0x87)
	dst, reg := a, b
	if a.Kind != OKMem && b.Kind == OKMem {
		dst, reg = b, a
	}
	if reg.Kind != OKReg {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "xchg: need at least one register operand")
	}
	if reg.Reg.Index >= 8 {
		rex.R = true
	}
	modrm, err := buildRM(reg.Reg.Index&0xf, dst, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(dst.Seg, nil, mand, rex, []byte{opcode}, modrm, nil), nil
}

func (e *Encoder) encodeSetcc(instr *Instr) ([]byte, error) {
	op := instr.Operands[0]
	var rex rexBits
	if op.Kind == OKReg && needsEmptyRex8(op.Reg) {
		rex.present = true
	}
	opcode := []byte{0x0f, byte(0x90 + instr.Type.CondCode())}
	modrm, err := buildRM(0, op, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(op.Seg, nil, 0, rex, opcode, modrm, nil), nil
}

// encodeIndirect implements CALL/JMPI through a register or memory
// operand (opcode 0xFF, digit 2 for call, 4 for jmp).
func (e *Encoder) encodeIndirect(instr *Instr) ([]byte, error) {
	op := instr.Operands[0]
	var rex rexBits
	digit := byte(2)
	if instr.Type == JMPI {
		digit = 4
	}
	modrm, err := buildRM(digit, op, &rex)
	if err != nil {
		return nil, err
	}
	return assemble(op.Seg, nil, 0, rex, []byte{0xff}, modrm, nil), nil
}
