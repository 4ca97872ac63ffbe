package decode

import (
	"unsafe"

	"testing"

	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestDecodeMovRetBlock(t *testing.T) {
	// b8 2a 00 00 00  mov eax, 0x2a
	// c3              ret
	code := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}
	d := NewDecoder(0)
	bb, err := d.Decode(addrOf(code))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(bb.Instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(bb.Instrs))
	}
	if bb.Instrs[0].Type != x86inst.MOV {
		t.Errorf("instr 0 = %v, want MOV", bb.Instrs[0].Type)
	}
	if bb.Instrs[1].Type != x86inst.RET {
		t.Errorf("instr 1 = %v, want RET", bb.Instrs[1].Type)
	}
	if bb.Term != x86inst.RET {
		t.Errorf("Term = %v, want RET", bb.Term)
	}
	if got := bb.Len(); got != len(code) {
		t.Errorf("Len() = %d, want %d", got, len(code))
	}
}

func TestDecodeMemoizes(t *testing.T) {
	code := []byte{0xc3}
	addr := addrOf(code) // taken once: a later addrOf may see a moved stack
	d := NewDecoder(0)
	first, err := d.Decode(addr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	second, err := d.Decode(addr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if first != second {
		t.Errorf("second Decode returned a different DBB, want the memoized one")
	}
}

func TestDecodeStopsAtRel8Jump(t *testing.T) {
	// eb 00  jmp +0
	code := []byte{0xeb, 0x00}
	d := NewDecoder(0)
	bb, err := d.Decode(addrOf(code))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(bb.Instrs) != 1 || bb.Instrs[0].Type != x86inst.JMP {
		t.Fatalf("got %+v, want a single JMP", bb.Instrs)
	}
	if bb.Term != x86inst.JMP {
		t.Errorf("Term = %v, want JMP", bb.Term)
	}
}

func TestDecodeBufferOverflow(t *testing.T) {
	// Two NOPs then a RET, capped to one instruction per block.
	code := []byte{0x90, 0x90, 0xc3}
	d := NewDecoder(1)
	_, err := d.Decode(addrOf(code))
	if err == nil {
		t.Fatal("Decode: expected a BufferOverflow error")
	}
	de, ok := err.(*x86rw.DecodeError)
	if !ok {
		t.Fatalf("err = %T, want *x86rw.DecodeError", err)
	}
	if de.Kind != x86rw.KindBufferOverflow {
		t.Errorf("Kind = %v, want KindBufferOverflow", de.Kind)
	}
}

func TestDecodeUnrecognizedOpcode(t *testing.T) {
	code := []byte{0x0f, 0xff} // no 0F handler covers 0xff
	d := NewDecoder(0)
	_, err := d.Decode(addrOf(code))
	if err == nil {
		t.Fatal("Decode: expected an error for an unrecognized two-byte opcode")
	}
	de, ok := err.(*x86rw.DecodeError)
	if !ok {
		t.Fatalf("err = %T, want *x86rw.DecodeError", err)
	}
	if de.Kind != x86rw.KindBadOpcode {
		t.Errorf("Kind = %v, want KindBadOpcode", de.Kind)
	}
}

func TestDecodePrint(t *testing.T) {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
	lines, err := DecodePrint(addrOf(code), 2)
	if err != nil {
		t.Fatalf("DecodePrint: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Instr.Type != x86inst.MOV || lines[1].Instr.Type != x86inst.RET {
		t.Errorf("got types %v, %v", lines[0].Instr.Type, lines[1].Instr.Type)
	}
}
