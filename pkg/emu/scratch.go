package emu

import "github.com/oisee/x86rewrite/pkg/x86inst"

// pickScratch returns a GP register index the emitter can clobber to
// materialize a folded address or immediate that doesn't fit the
// instruction's encoding, per spec.md §3: "a scratch register is
// synthesized (preferring a DEAD one; otherwise spilling via a
// generated push/pop pair around the use)". avoid lists indices the
// caller is already using as real operands.
//
// spillNeeded reports whether the caller must emit a push/pop pair
// around the synthesized use (true when no DEAD register was free).
func pickScratch(es *EmuState, avoid ...uint8) (reg uint8, spillNeeded bool) {
	isAvoided := func(i uint8) bool {
		for _, a := range avoid {
			if a == i {
				return true
			}
		}
		return false
	}

	for i := uint8(0); i < 16; i++ {
		if i == x86inst.RegRSP || isAvoided(i) {
			continue
		}
		if es.Regs[i].State == Dead {
			return i, false
		}
	}

	for i := uint8(0); i < 16; i++ {
		if i == x86inst.RegRSP || isAvoided(i) {
			continue
		}
		return i, true
	}
	return x86inst.RegRAX, true
}

// scratchReg names a GP64 register of the given index, for building
// the MOV r, imm64 residual that materializes a folded address.
func scratchReg(idx uint8) x86inst.Reg {
	return x86inst.Reg{Kind: x86inst.GP64, Index: idx}
}
