package decode

import (
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// decodeModRM parses the ModRM byte (and optional SIB + displacement)
// starting at addr+off, per spec.md §4.2 step 4. regKind and width
// pick the register class and size operands are built with; seg
// carries any segment override already scanned.
//
// Returns the reg-field operand (always a register), the r/m operand
// (register or memory), and the total bytes consumed.
func decodeModRM(addr uintptr, off int, rex rexInfo, regKind x86inst.RegKind, width uint8, seg x86inst.SegOverride) (regOp, rmOp x86inst.Operand, n int, err error) {
	b0 := byteAt(addr, off)
	mod := b0 >> 6
	regField := int((b0>>3)&7) | boolIdx(rex.r)<<3
	rmField := int(b0 & 7)
	n = 1

	regOp = x86inst.RegOp(gpReg(regKind, width, regField))

	if mod == 3 {
		rmOp = x86inst.RegOp(gpReg(regKind, width, rmField|boolIdx(rex.b)<<3))
		return regOp, rmOp, n, nil
	}

	// RIP-relative: mod==0, r/m==5, no SIB.
	if mod == 0 && rmField == 5 {
		disp := readDisp32(addr, off+n)
		n += 4
		rmOp = x86inst.Operand{Kind: x86inst.OKMem, Disp: int64(disp), Seg: seg, MemWidth: width}
		return regOp, rmOp, n, nil
	}

	var base x86inst.Reg
	hasBase := true
	var index x86inst.Reg
	hasIndex := false
	var scale uint8
	var disp int64

	if rmField == 4 {
		// SIB byte follows.
		sib := byteAt(addr, off+n)
		n++
		scaleBits := sib >> 6
		indexField := int((sib>>3)&7) | boolIdx(rex.x)<<3
		baseField := int(sib&7) | boolIdx(rex.b)<<3

		if indexField&0xf != 4 {
			hasIndex = true
			index = x86inst.Reg{Kind: x86inst.GP64, Index: uint8(indexField)}
			scale = []uint8{1, 2, 4, 8}[scaleBits]
		}

		if sib&7 == 5 && mod == 0 {
			hasBase = false
			disp = int64(readDisp32(addr, off+n))
			n += 4
		} else {
			base = x86inst.Reg{Kind: x86inst.GP64, Index: uint8(baseField)}
			switch mod {
			case 1:
				disp = int64(int8(byteAt(addr, off+n)))
				n++
			case 2:
				disp = int64(readDisp32(addr, off+n))
				n += 4
			}
		}
	} else {
		base = x86inst.Reg{Kind: x86inst.GP64, Index: uint8(rmField | boolIdx(rex.b)<<3)}
		switch mod {
		case 0:
			// disp==0, no bytes (mod==0,rm==5 handled above already).
		case 1:
			disp = int64(int8(byteAt(addr, off+n)))
			n++
		case 2:
			disp = int64(readDisp32(addr, off+n))
			n += 4
		}
	}

	rmOp = x86inst.Operand{
		Kind: x86inst.OKMem, Base: base, HasBase: hasBase, Index: index, HasIndex: hasIndex,
		Scale: scale, Disp: disp, Seg: seg, MemWidth: width,
	}
	return regOp, rmOp, n, nil
}

func boolIdx(b bool) int {
	if b {
		return 1
	}
	return 0
}

func gpReg(kind x86inst.RegKind, width uint8, idx int) x86inst.Reg {
	if kind == x86inst.XMM || kind == x86inst.YMM || kind == x86inst.ZMM {
		return x86inst.Reg{Kind: kind, Index: uint8(idx)}
	}
	switch width {
	case 8:
		return x86inst.Reg{Kind: x86inst.GP8, Index: uint8(idx)}
	case 16:
		return x86inst.Reg{Kind: x86inst.GP16, Index: uint8(idx)}
	case 32:
		return x86inst.Reg{Kind: x86inst.GP32, Index: uint8(idx)}
	default:
		return x86inst.Reg{Kind: x86inst.GP64, Index: uint8(idx)}
	}
}

func readDisp32(addr uintptr, off int) int32 {
	b := bytesAt(addr, off, 4)
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func readImm(addr uintptr, off int, width uint8) (int64, int, error) {
	switch width {
	case 8:
		return int64(int8(byteAt(addr, off))), 1, nil
	case 16:
		b := bytesAt(addr, off, 2)
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8)), 2, nil
	case 32:
		return int64(readDisp32(addr, off)), 4, nil
	case 64:
		b := bytesAt(addr, off, 8)
		var u uint64
		for i := 7; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
		return int64(u), 8, nil
	default:
		return 0, 0, x86rw.New(x86rw.ModuleDecoder, x86rw.KindBadOperands, "readImm: unsupported width %d", width)
	}
}
