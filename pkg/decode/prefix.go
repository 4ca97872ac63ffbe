package decode

import "github.com/oisee/x86rewrite/pkg/x86inst"

// rexInfo is the decoded REX byte, kept separate from any extension
// bits folded into operand indices once ModRM/SIB parsing consumes it.
type rexInfo struct {
	present   bool
	w, r, x, b bool
}

// scanPrefixes walks legacy/REX prefix bytes starting at addr+off, in
// any order, per spec.md §4.2 step 1. Returns the accumulated
// x86inst.PrefixSet, the REX decode, and the number of bytes consumed.
func scanPrefixes(addr uintptr, off int) (x86inst.PrefixSet, rexInfo, int) {
	var pfx x86inst.PrefixSet
	var rex rexInfo
	n := 0
	for {
		b := byteAt(addr, off+n)
		switch {
		case b == 0x66:
			pfx |= x86inst.PfxOpSize
		case b == 0xf2:
			pfx |= x86inst.PfxRepNZ
		case b == 0xf3:
			pfx |= x86inst.PfxRep
		case b == 0x64:
			pfx |= x86inst.PfxSegFS
		case b == 0x65:
			pfx |= x86inst.PfxSegGS
		case b == 0x2e:
			pfx |= x86inst.PfxBranchHint
		case b == 0xf0:
			pfx |= x86inst.PfxLock
		case b >= 0x40 && b <= 0x4f:
			rex = rexInfo{
				present: true,
				w:       b&0x08 != 0,
				r:       b&0x04 != 0,
				x:       b&0x02 != 0,
				b:       b&0x01 != 0,
			}
			n++
			// REX must immediately precede the opcode; stop scanning.
			return pfx, rex, n
		default:
			return pfx, rex, n
		}
		n++
	}
}

func segFromPrefixes(p x86inst.PrefixSet) x86inst.SegOverride {
	switch {
	case p&x86inst.PfxSegFS != 0:
		return x86inst.SegFS
	case p&x86inst.PfxSegGS != 0:
		return x86inst.SegGS
	default:
		return x86inst.SegNone
	}
}
