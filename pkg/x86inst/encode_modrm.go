package x86inst

import "github.com/oisee/x86rewrite/pkg/x86rw"

// rexBits accumulates the REX prefix fields as ModRM/SIB construction
// discovers which registers need the extension bit.
type rexBits struct {
	W, R, X, B bool
	present    bool // force emission of an (otherwise empty) REX byte
}

func (r rexBits) byte() byte {
	b := byte(0x40)
	if r.W {
		b |= 0x08
	}
	if r.R {
		b |= 0x04
	}
	if r.X {
		b |= 0x02
	}
	if r.B {
		b |= 0x01
	}
	return b
}

func (r rexBits) needed() bool {
	return r.present || r.W || r.R || r.X || r.B
}

// needsEmptyRex8 reports whether reg is one of SPL/BPL/SIL/DIL — legacy
// encodings of those indices (4-7) address AH/CH/DH/BH instead, so an
// empty REX prefix (0x40) must be present to select the low-byte form,
// per spec.md §4.5.2.
func needsEmptyRex8(r Reg) bool {
	return r.Kind == GP8 && r.Index >= 4 && r.Index <= 7
}

// scaleSS encodes the SIB scale field (spec.md §3: scale ∈ {0,1,2,4,8}).
func scaleSS(scale uint8) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0 // scale 0 or 1
	}
}

// buildRM builds the ModRM (+ optional SIB + displacement) bytes for an
// operand acting as the r/m side of an instruction, with regDigit placed
// in ModRM.reg (either a real register operand or an opcode-group
// digit). rex accumulates the REX.R/X/B bits as registers are consumed.
func buildRM(regDigit byte, rm Operand, rex *rexBits) ([]byte, error) {
	switch rm.Kind {
	case OKReg:
		if rm.Reg.Index >= 8 {
			rex.B = true
		}
		if needsEmptyRex8(rm.Reg) {
			rex.present = true
		}
		modrm := 0xc0 | (regDigit&7)<<3 | (rm.Reg.Index & 7)
		return []byte{modrm}, nil

	case OKMem:
		return buildMem(regDigit, rm, rex)

	default:
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "buildRM: operand is not register or memory")
	}
}

func buildMem(regDigit byte, m Operand, rex *rexBits) ([]byte, error) {
	if m.Seg == SegGS {
		// spec.md §9 Open Questions: gs-relative loads are explicitly
		// unimplemented until a target binary demonstrates the need.
		return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedOperands, "gs-relative addressing not supported")
	}

	// RIP-relative: mod=00, r/m=101, disp32.
	if m.IsRIPRelative() {
		modrm := byte(0x00) | (regDigit&7)<<3 | 0x05
		disp := encodeDisp32(int32(m.Disp))
		return append([]byte{modrm}, disp...), nil
	}

	if !m.HasIndex && (!m.HasBase || (m.Base.Index&7) != 4) {
		// No SIB needed unless base is RSP/R12 (rm field 100 means SIB).
		if !m.HasBase {
			// Absolute disp32-only addressing: SIB with index=100, base=101.
			modrm := byte(0x00) | (regDigit&7)<<3 | 0x04
			sib := byte(0x00)<<6 | 0x04<<3 | 0x05
			disp := encodeDisp32(int32(m.Disp))
			return append([]byte{modrm, sib}, disp...), nil
		}

		if m.Base.Index >= 8 {
			rex.B = true
		}
		baseLow := m.Base.Index & 7

		mod, dispBytes := chooseMod(baseLow, m.Disp)
		modrm := mod<<6 | (regDigit&7)<<3 | baseLow
		return append([]byte{modrm}, dispBytes...), nil
	}

	// SIB required: explicit index, or base is SP/R12.
	var sibScale, sibIndex, sibBase byte
	sibScale = scaleSS(m.Scale)
	if m.HasIndex {
		if m.Index.Index == RegRSP {
			return nil, x86rw.New(x86rw.ModuleGenerator, x86rw.KindBadOperands, "rsp cannot be used as a SIB index")
		}
		if m.Index.Index >= 8 {
			rex.X = true
		}
		sibIndex = m.Index.Index & 7
	} else {
		sibIndex = 0x04 // no index
	}

	var mod byte
	var dispBytes []byte
	if !m.HasBase {
		mod = 0x00
		sibBase = 0x05 // no base, disp32 follows
		dispBytes = encodeDisp32(int32(m.Disp))
	} else {
		if m.Base.Index >= 8 {
			rex.B = true
		}
		baseLow := m.Base.Index & 7
		mod, dispBytes = chooseMod(baseLow, m.Disp)
		sibBase = baseLow
	}

	modrm := mod<<6 | (regDigit&7)<<3 | 0x04
	sib := sibScale<<6 | sibIndex<<3 | sibBase
	out := append([]byte{modrm, sib}, dispBytes...)
	return out, nil
}

// chooseMod picks the ModRM.mod field and displacement bytes for a
// base-register addressing mode, applying the BP/R13 workaround from
// spec.md §4.5.1: mod=00 with base index 5 (RBP/R13) is reserved for
// RIP-relative/disp32-only forms, so a zero displacement against RBP or
// R13 must be encoded as mod=01,disp8=0 instead.
func chooseMod(baseLow byte, disp int64) (byte, []byte) {
	if disp == 0 && baseLow != 5 {
		return 0x00, nil
	}
	if disp >= -128 && disp <= 127 {
		return 0x01, []byte{byte(int8(disp))}
	}
	return 0x02, encodeDisp32(int32(disp))
}

func encodeDisp32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

func encodeImmBytes(width uint8, v int64) []byte {
	u := uint64(v)
	switch width {
	case 8:
		return []byte{byte(u)}
	case 16:
		return []byte{byte(u), byte(u >> 8)}
	case 32:
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
	case 64:
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24),
			byte(u >> 32), byte(u >> 40), byte(u >> 48), byte(u >> 56)}
	default:
		return nil
	}
}

// assemble lays out an instruction's bytes in the fixed prefix order of
// spec.md §4.5.3: segment override, VEX, legacy mandatory prefixes
// (0x66, 0xF2, 0xF3), REX, opcode, ModRM/SIB/disp, immediate.
func assemble(seg SegOverride, vex *VEXDesc, mandatory PrefixSet, rex rexBits, opcode []byte, modrmEtc []byte, imm []byte) []byte {
	var out []byte
	switch seg {
	case SegFS:
		out = append(out, 0x64)
	case SegGS:
		out = append(out, 0x65)
	}
	if vex != nil && vex.Present {
		out = append(out, encodeVEX(vex, rex)...)
		// VEX.mmmmm stands for the 0F / 0F 38 / 0F 3A escape bytes.
		op := opcode
		if len(op) > 0 && op[0] == 0x0f {
			op = op[1:]
			if vex.MMMMM != 1 && len(op) > 0 && (op[0] == 0x38 || op[0] == 0x3a) {
				op = op[1:]
			}
		}
		out = append(out, op...)
	} else {
		if mandatory&PfxOpSize != 0 {
			out = append(out, 0x66)
		}
		if mandatory&PfxRepNZ != 0 {
			out = append(out, 0xf2)
		}
		if mandatory&PfxRep != 0 {
			out = append(out, 0xf3)
		}
		if rex.needed() {
			out = append(out, rex.byte())
		}
		out = append(out, opcode...)
	}
	out = append(out, modrmEtc...)
	out = append(out, imm...)
	return out
}

// encodeVEX emits the 2-byte or 3-byte VEX prefix, choosing the 2-byte
// form when REX.X/B/W are all clear (spec.md §4.5.3), folding the
// leading 0x0F of a 2-byte opcode into VEX.mmmmm.
func encodeVEX(v *VEXDesc, rex rexBits) []byte {
	notR := byte(1)
	if rex.R {
		notR = 0
	}
	if !v.Use3Byte && !rex.X && !rex.B && !v.W {
		b1 := byte(0xc5)
		b2 := notR<<7 | (onesComp(v.Vvvv))<<3 | boolBit(v.L)<<2 | v.PP&0x3
		return []byte{b1, b2}
	}
	notX := byte(1)
	if rex.X {
		notX = 0
	}
	notB := byte(1)
	if rex.B {
		notB = 0
	}
	b1 := byte(0xc4)
	b2 := notR<<7 | notX<<6 | notB<<5 | v.MMMMM&0x1f
	w := byte(0)
	if v.W {
		w = 1
	}
	b3 := w<<7 | onesComp(v.Vvvv)<<3 | boolBit(v.L)<<2 | v.PP&0x3
	return []byte{b1, b2, b3}
}

func onesComp(v uint8) byte { return (^v) & 0xf }

func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
