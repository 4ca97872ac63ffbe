// Package layout places captured basic blocks (capture.CBB) into a
// codearena.Arena and fixes up their terminators, implementing
// spec.md §4.6's three-pass layout algorithm: emit bodies and reserve
// a worst-case terminator "hole", assign final addresses once every
// block's size is known, then write the real terminator bytes (Jcc
// rel8/rel32, JMP rel8/rel32, or a plain RET) into each hole, padding any
// leftover hole bytes with single-byte NOPs. Grounded on the teacher's
// pkg/codearena (bump-allocated writable+executable arena) and
// pkg/x86inst/encode.go + encode_terminator.go for instruction bytes.
package layout

import (
	"github.com/oisee/x86rewrite/pkg/capture"
	"github.com/oisee/x86rewrite/pkg/codearena"
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// nopByte is the single-byte x86 NOP (0x90), used to pad a
// terminator's reserved hole down to its actually-chosen size.
const nopByte = 0x90

// placed records one CBB's position during layout.
type placed struct {
	key        capture.Key
	cbb        *capture.CBB
	offset     int // byte offset of the block's start within the combined buffer
	body       []byte
	bodyLen    int
	holeOffset int
	holeLen    int
	fallInline bool // FallKey is the very next block in layout order
	taken      *placed
	fall       *placed
}

// Result is the outcome of laying out one function's captured blocks.
type Result struct {
	EntryAddr uint64
	Size      int
}

// Layout assembles every CBB reachable from entry (by TakenKey/FallKey
// links) into arena, in fallthrough-first order, and returns the
// entry block's final address.
func Layout(store *capture.Store, entry capture.Key, arena *codearena.Arena) (Result, error) {
	order := visitOrder(store, entry)
	if len(order) == 0 {
		return Result{}, x86rw.New(x86rw.ModuleGenerator, x86rw.KindInvalidRequest, "layout: entry %#x/%d has no captured block", entry.Addr, entry.EsID)
	}

	enc := x86inst.NewEncoder()
	blocks := make([]*placed, len(order))
	index := make(map[capture.Key]int, len(order))
	for i, key := range order {
		index[key] = i
	}

	// Pass 1: emit bodies, reserve a worst-case terminator hole.
	cursor := 0
	for i, key := range order {
		cbb := store.Get(key)
		p := &placed{key: key, cbb: cbb, offset: cursor}

		for j := range cbb.Instrs {
			b, err := enc.Encode(&cbb.Instrs[j])
			if err != nil {
				return Result{}, x86rw.NewGenerateError(classifyErr(err), key.Addr, key.EsID, j, "%v", err)
			}
			p.body = append(p.body, b...)
		}
		p.bodyLen = len(p.body)
		cursor += p.bodyLen

		p.holeOffset = cursor
		switch {
		case cbb.HasTaken && cbb.HasFall:
			next := i + 1 < len(order) && order[i+1] == cbb.FallKey
			p.fallInline = next
			p.holeLen = x86inst.JccRel32Len
			if !next {
				p.holeLen += x86inst.JmpRel32Len
			}
		default:
			// Terminal block (RET, or a CALL/JMP inlined into the same
			// block by the capturer — see pkg/emu.Capturer.captureOne):
			// a single machine RET closes out the generated function.
			p.holeLen = 1
		}
		cursor += p.holeLen
		blocks[i] = p
	}
	for _, p := range blocks {
		if p.cbb.HasTaken {
			p.taken = blocks[index[p.cbb.TakenKey]]
		}
		if p.cbb.HasFall {
			p.fall = blocks[index[p.cbb.FallKey]]
		}
	}

	// Pass 2: align the entry point, reserve the whole buffer, and
	// assign final addresses. The buffer is committed after Pass 3.
	if _, err := arena.AlignTo(codearena.FunctionAlign); err != nil {
		return Result{}, err
	}
	buf, err := arena.Reserve(cursor)
	if err != nil {
		return Result{}, err
	}
	base := arena.Tip()
	for _, p := range blocks {
		p.cbb.CodeAddr = base + uint64(p.offset)
	}

	// Pass 3: copy each block's already-encoded body into the arena
	// buffer and write real terminator bytes into its hole.
	for _, p := range blocks {
		copy(buf[p.offset:], p.body)

		switch {
		case p.cbb.HasTaken && p.cbb.HasFall:
			writeConditional(buf, p)
		default:
			buf[p.holeOffset] = 0xc3 // RET
		}
	}

	if err := arena.Commit(cursor); err != nil {
		return Result{}, err
	}

	entryAddr := store.Get(entry).CodeAddr
	return Result{EntryAddr: entryAddr, Size: cursor}, nil
}

// writeConditional writes a block's Jcc-to-taken (and, unless the fall
// successor is laid out immediately next, an unconditional JMP-to-fall)
// into its reserved hole, padding any unused bytes with NOPs.
func writeConditional(buf []byte, p *placed) {
	hole := p.holeOffset
	cc := p.cbb.Term.CondCode()
	instrAddr := p.cbb.CodeAddr + uint64(hole-p.offset)

	jcc := chooseJcc(cc, instrAddr, p.taken.cbb.CodeAddr)
	copy(buf[hole:], jcc)
	written := len(jcc)

	if !p.fallInline {
		jmp := chooseJmp(instrAddr+uint64(written), p.fall.cbb.CodeAddr)
		copy(buf[hole+written:], jmp)
		written += len(jmp)
	}

	for i := hole + written; i < hole+p.holeLen; i++ {
		buf[i] = nopByte
	}
}

func chooseJcc(cc int, instrAddr, targetAddr uint64) []byte {
	rel8 := int64(targetAddr) - int64(instrAddr+x86inst.JccRel8Len)
	if rel8 >= -128 && rel8 <= 127 {
		return x86inst.EncodeJccRel8(cc, int8(rel8))
	}
	rel32 := int64(targetAddr) - int64(instrAddr+x86inst.JccRel32Len)
	return x86inst.EncodeJccRel32(cc, int32(rel32))
}

func chooseJmp(instrAddr uint64, targetAddr uint64) []byte {
	rel8 := int64(targetAddr) - int64(instrAddr+x86inst.JmpRel8Len)
	if rel8 >= -128 && rel8 <= 127 {
		return x86inst.EncodeJmpRel8(int8(rel8))
	}
	rel32 := int64(targetAddr) - int64(instrAddr+x86inst.JmpRel32Len)
	return x86inst.EncodeJmpRel32(int32(rel32))
}

// visitOrder walks the captured CBB graph from entry in fallthrough-
// first order, so fallthrough successors land immediately after their
// predecessor whenever possible (letting writeConditional elide the
// unconditional jump-to-fall).
func visitOrder(store *capture.Store, entry capture.Key) []capture.Key {
	seen := map[capture.Key]bool{}
	var order []capture.Key
	var visit func(k capture.Key)
	visit = func(k capture.Key) {
		if seen[k] {
			return
		}
		cbb := store.Get(k)
		if cbb == nil {
			return
		}
		seen[k] = true
		order = append(order, k)
		if cbb.HasFall {
			visit(cbb.FallKey)
		}
		if cbb.HasTaken {
			visit(cbb.TakenKey)
		}
	}
	visit(entry)
	return order
}

func classifyErr(err error) x86rw.Kind {
	if e, ok := err.(*x86rw.Error); ok {
		return e.Kind
	}
	return x86rw.KindUnknown
}
