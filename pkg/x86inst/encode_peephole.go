package x86inst

import "github.com/oisee/x86rewrite/pkg/x86rw"

// applyPeepholes narrows an instruction in place before encoding,
// shrinking its byte count without changing observable behavior. These
// mirror the size-reduction rewrites spec.md §4.5.4 calls out for
// residual code emitted by the generator:
//
//   - mov reg64, imm  -> imm32 sign-extend (C7 /0) when the immediate
//     fits, instead of the 10-byte B8+imm64 MOVABS form.
//   - add/sub/and/or/xor/cmp reg, imm32 -> imm8 when the immediate fits
//     a signed byte, using the 0x83 opcode instead of 0x81.
//   - mov reg, 0 -> xor reg, reg, which is shorter for 64-bit
//     destinations (C7 /0 id is 7 bytes against MOV; XOR r/m,r is 2-3).
func applyPeepholes(instr *Instr) {
	if instr.Passthrough != nil {
		return
	}

	switch {
	case instr.Type == MOV:
		applyMovPeephole(instr)
	case isArithLogic(instr.Type) && instr.Type != TEST: // TEST has no imm8 form
		applyImmWidthPeephole(instr)
	}
}

func applyMovPeephole(instr *Instr) {
	dst, src := instr.Operands[0], instr.Operands[1]
	if dst.Kind != OKReg || src.Kind != OKImm {
		return
	}
	w := uint8(dst.Reg.Width())

	if src.ImmValue == 0 && w >= 32 {
		instr.Operands[0] = dst
		instr.Operands[1] = RegOp(dst.Reg)
		instr.NumOperands = 2
		instr.Type = XOR
		return
	}

	if w == 64 && src.ImmValue >= -(1<<31) && src.ImmValue < 1<<31 {
		instr.Operands[1].ImmWidth = 32
	}
}

func applyImmWidthPeephole(instr *Instr) {
	if instr.NumOperands < 2 {
		return
	}
	src := instr.Operands[1]
	if src.Kind != OKImm || src.ImmWidth <= 8 {
		return
	}
	if src.ImmValue >= -128 && src.ImmValue <= 127 {
		instr.Operands[1].ImmWidth = 8
	}
}

// encodePassthrough re-emits a decoded instruction's raw bytes nearly
// verbatim, rebuilding only the ModRM/SIB/displacement portion so that
// memory operands can be relocated (spec.md §3: passthrough instructions
// carry enough of their original encoding to regenerate this way without
// the generator needing to model their semantics).
func (e *Encoder) encodePassthrough(instr *Instr) ([]byte, error) {
	pt := instr.Passthrough
	if pt == nil {
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedInstr, "passthrough instruction missing PassthroughDesc")
	}

	var rex rexBits
	if pt.Prefixes&PfxRexW != 0 {
		rex.W = true
	}
	if pt.Prefixes&PfxRexPresent != 0 {
		rex.present = true
	}

	var modrmEtc []byte
	var err error
	switch pt.Encoding {
	case EncNone, EncNP:
		// no ModRM at all
	case EncM:
		digit := byte(0)
		if pt.ModRMReg >= 0 {
			digit = byte(pt.ModRMReg)
		}
		modrmEtc, err = buildRM(digit, instr.Operands[0], &rex)
	case EncMR:
		reg := instr.Operands[1]
		if reg.Kind == OKReg && reg.Reg.Index >= 8 {
			rex.R = true
		}
		regDigit := byte(0)
		if reg.Kind == OKReg {
			regDigit = reg.Reg.Index & 7
		} else if pt.ModRMReg >= 0 {
			regDigit = byte(pt.ModRMReg)
		}
		modrmEtc, err = buildRM(regDigit, instr.Operands[0], &rex)
	case EncRM:
		reg := instr.Operands[0]
		if reg.Kind == OKReg && reg.Reg.Index >= 8 {
			rex.R = true
		}
		regDigit := byte(0)
		if reg.Kind == OKReg {
			regDigit = reg.Reg.Index & 7
		} else if pt.ModRMReg >= 0 {
			regDigit = byte(pt.ModRMReg)
		}
		modrmEtc, err = buildRM(regDigit, instr.Operands[1], &rex)
	default:
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedInstr, "passthrough: unsupported encoding form %d", pt.Encoding)
	}
	if err != nil {
		return nil, err
	}

	var imm []byte
	for i := uint8(0); i < instr.NumOperands; i++ {
		if o := instr.Operands[i]; o.Kind == OKImm {
			imm = encodeImmBytes(o.ImmWidth, o.ImmValue)
		}
	}

	seg := SegNone
	for i := uint8(0); i < instr.NumOperands; i++ {
		if instr.Operands[i].Kind == OKMem {
			seg = instr.Operands[i].Seg
		}
	}

	opcode := append([]byte{}, pt.Opcode[:pt.OpcodeLen]...)
	return assemble(seg, pt.VEX, legacyMandatory(pt.Prefixes), rex, opcode, modrmEtc, imm), nil
}

func legacyMandatory(p PrefixSet) PrefixSet {
	return p & (PfxOpSize | PfxRepNZ | PfxRep)
}
