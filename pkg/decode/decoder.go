// Package decode turns a stream of raw instruction bytes living at an
// arbitrary address in the running process into decoded basic blocks
// (DBBs) of x86inst.Instr, per spec.md §3's DBB definition and §4.2's
// decoding algorithm. It is grounded on the teacher's enumerator style
// (pkg/search/enumerator.go: advance a cursor, dispatch on a table,
// loop until a stopping condition) generalized from Z80 opcodes to the
// x86-64 one/two-byte opcode maps pkg/x86inst's encoder supports.
package decode

import (
	"fmt"

	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// DBB is a decoded basic block: a straight-line run of instructions
// starting at Addr, ending at a terminator (Term set) or at the point
// where the cursor fell through into another DBB's already-decoded
// start (Term left Invalid), per spec.md §3.
type DBB struct {
	Addr   uint64
	Instrs []x86inst.Instr
	Term   x86inst.InstrType
}

// Len returns the DBB's total byte length as decoded.
func (b *DBB) Len() int {
	n := 0
	for i := range b.Instrs {
		n += int(b.Instrs[i].Len)
	}
	return n
}

// Decoder decodes and memoizes DBBs by start address. A single Decoder
// is not safe for concurrent use; pkg/rewriter guards it the way the
// teacher's enumerator is guarded by its caller.
type Decoder struct {
	instrCap int
	memo     map[uint64]*DBB
}

// NewDecoder builds a Decoder. instrCap bounds how many instructions a
// single DBB may hold before decoding aborts with a BufferOverflow
// error, mirroring the teacher's fixed-capacity enumerator buffers.
func NewDecoder(instrCap int) *Decoder {
	if instrCap <= 0 {
		instrCap = 4096
	}
	return &Decoder{instrCap: instrCap, memo: make(map[uint64]*DBB)}
}

// Reset drops all memoized DBBs, used when the decoding target's
// underlying bytes may have changed (e.g. after a rewrite that patches
// the original function in place).
func (d *Decoder) Reset() {
	d.memo = make(map[uint64]*DBB)
}

// Decode returns the DBB starting at addr, decoding it if not already
// memoized. Per spec.md §3/§4.2, decoding stops at the first
// terminator instruction, or earlier if the cursor reaches an address
// that is the start of a DBB already in the memo (fallthrough into an
// existing block never re-decodes it).
func (d *Decoder) Decode(addr uintptr) (*DBB, error) {
	start := uint64(addr)
	if bb, ok := d.memo[start]; ok {
		return bb, nil
	}

	bb := &DBB{Addr: start}
	cursor := addr

	for {
		if len(bb.Instrs) >= d.instrCap {
			return nil, x86rw.NewDecodeError(x86rw.KindBufferOverflow, start, int(cursor-addr), bytesAt(cursor, 0, 15),
				"decoded block exceeds %d instructions", d.instrCap)
		}

		instr, n, err := d.decodeInstr(cursor)
		if err != nil {
			return nil, x86rw.NewDecodeError(classifyErr(err), start, int(cursor-addr), bytesAt(cursor, 0, 15), "%v", err)
		}
		instr.Addr = uint64(cursor)
		instr.Len = uint8(n)
		bb.Instrs = append(bb.Instrs, instr)
		cursor += uintptr(n)

		if instr.Type.IsTerminator() {
			bb.Term = instr.Type
			break
		}
		if _, fellInto := d.memo[uint64(cursor)]; fellInto {
			break
		}
	}

	d.memo[start] = bb
	return bb, nil
}

func classifyErr(err error) x86rw.Kind {
	if e, ok := err.(*x86rw.Error); ok {
		return e.Kind
	}
	return x86rw.KindUnknown
}

// decodeInstr decodes exactly one instruction at addr: prefixes, REX,
// opcode, operands. Returns the instruction and its total byte length.
func (d *Decoder) decodeInstr(addr uintptr) (x86inst.Instr, int, error) {
	pfx, rex, pn := scanPrefixes(addr, 0)
	seg := segFromPrefixes(pfx)

	instr, bn, err := decodeBody(addr, pn, pfx, rex, seg)
	if err != nil {
		return instr, pn + bn, err
	}

	instr.Form = formFor(instr.NumOperands)
	return instr, pn + bn, nil
}

func formFor(numOperands uint8) x86inst.Form {
	switch numOperands {
	case 0:
		return x86inst.Form0
	case 1:
		return x86inst.Form1
	case 2:
		return x86inst.Form2
	default:
		return x86inst.Form3
	}
}

// DecodedLine pairs a decoded instruction with its disassembly text,
// for the rewriter's decode_print inspector (spec.md §6).
type DecodedLine struct {
	Instr x86inst.Instr
	Text  string
}

// DecodePrint decodes n instructions starting at addr (ignoring basic
// block boundaries — it walks straight through terminators) and
// returns their disassembly, per spec.md §6's decode_print operation.
func DecodePrint(addr uintptr, n int) ([]DecodedLine, error) {
	d := NewDecoder(n + 1)
	cursor := addr
	lines := make([]DecodedLine, 0, n)
	for i := 0; i < n; i++ {
		instr, bn, err := d.decodeInstr(cursor)
		if err != nil {
			return lines, err
		}
		instr.Addr = uint64(cursor)
		instr.Len = uint8(bn)
		lines = append(lines, DecodedLine{Instr: instr, Text: formatInstr(instr)})
		cursor += uintptr(bn)
	}
	return lines, nil
}

func formatInstr(instr x86inst.Instr) string {
	if instr.IsPassthrough() {
		return fmt.Sprintf("%#x: <passthrough %d bytes>", instr.Addr, instr.Len)
	}
	return fmt.Sprintf("%#x: %s", instr.Addr, instr.String())
}
