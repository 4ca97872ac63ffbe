package x86inst

import (
	"bytes"
	"testing"
)

func rax() Reg { return Reg{Kind: GP64, Index: RegRAX} }
func rcx() Reg { return Reg{Kind: GP64, Index: RegRCX} }
func r8() Reg  { return Reg{Kind: GP64, Index: 8} }

func encodeOrFatal(t *testing.T, instr *Instr) []byte {
	t.Helper()
	b, err := NewEncoder().Encode(instr)
	if err != nil {
		t.Fatalf("Encode(%v) failed: %v", instr, err)
	}
	return b
}

func TestEncodeArithRegReg(t *testing.T) {
	instr := &Instr{Type: ADD, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), RegOp(rcx())}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x03, 0xc1} // add rax, rcx (REX.W + 03 /r, RM form)
	if !bytes.Equal(got, want) {
		t.Errorf("add rax,rcx = % x, want % x", got, want)
	}
}

func TestEncodeArithRegRegExtended(t *testing.T) {
	instr := &Instr{Type: ADD, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), RegOp(r8())}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x49, 0x03, 0xc0} // add rax, r8 needs REX.B (r8 is the r/m operand)
	if !bytes.Equal(got, want) {
		t.Errorf("add rax,r8 = % x, want % x", got, want)
	}
}

func TestEncodeMovImmZeroBecomesXor(t *testing.T) {
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), Imm(32, 0)}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x33, 0xc0} // xor rax, rax
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax,0 peephole = % x, want % x", got, want)
	}
	if instr.Type != XOR {
		t.Errorf("mov rax,0 did not rewrite Type to XOR, got %d", instr.Type)
	}
}

func TestEncodeMovImm64Narrowed(t *testing.T) {
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), Imm(64, 100)}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0xc7, 0xc0, 0x64, 0x00, 0x00, 0x00} // mov rax, 100 via C7 /0 (peephole narrows to imm32)
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax,100 = % x, want % x", got, want)
	}
}

func TestEncodeMovImm64NotNarrowed(t *testing.T) {
	big := int64(0x1234567890)
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), Imm(64, big)}}
	got := encodeOrFatal(t, instr)
	if len(got) != 10 {
		t.Fatalf("movabs rax, 0x%x should be 10 bytes, got % x", big, got)
	}
	if got[0] != 0x48 || got[1] != 0xb8 {
		t.Errorf("movabs prefix/opcode wrong: % x", got[:2])
	}
}

func TestEncodeArithImm8Peephole(t *testing.T) {
	instr := &Instr{Type: ADD, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), Imm(32, 5)}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x83, 0xc0, 0x05} // add rax, 5 narrowed to imm8 (0x83 /0)
	if !bytes.Equal(got, want) {
		t.Errorf("add rax,5 = % x, want % x", got, want)
	}
}

func TestEncodeArithImm32NotNarrowed(t *testing.T) {
	instr := &Instr{Type: ADD, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), Imm(32, 70000)}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x81, 0xc0, 0x70, 0x11, 0x01, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("add rax,70000 = % x, want % x", got, want)
	}
}

func TestEncodeMemBasePlusDisp(t *testing.T) {
	m := Mem(rax(), true, Reg{}, false, 0, 8, SegNone, 64)
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rcx()), m}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x8b, 0x48, 0x08} // mov rcx, [rax+8]
	if !bytes.Equal(got, want) {
		t.Errorf("mov rcx,[rax+8] = % x, want % x", got, want)
	}
}

func TestEncodeMemRBPZeroDispWorkaround(t *testing.T) {
	rbp := Reg{Kind: GP64, Index: RegRBP}
	m := Mem(rbp, true, Reg{}, false, 0, 0, SegNone, 64)
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), m}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x8b, 0x45, 0x00} // mov rax, [rbp+0] forced to mod=01,disp8=0
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax,[rbp] = % x, want % x", got, want)
	}
}

func TestEncodeMemRSPBaseForcesSIB(t *testing.T) {
	rsp := Reg{Kind: GP64, Index: RegRSP}
	m := Mem(rsp, true, Reg{}, false, 0, 16, SegNone, 64)
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), m}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x8b, 0x44, 0x24, 0x10} // mov rax, [rsp+0x10]
	if !bytes.Equal(got, want) {
		t.Errorf("mov rax,[rsp+0x10] = % x, want % x", got, want)
	}
}

func TestEncodeRIPRelative(t *testing.T) {
	m := Operand{Kind: OKMem, Disp: 0x100, MemWidth: 32}
	instr := &Instr{Type: MOV, ValueType: VT32, NumOperands: 2, Operands: [3]Operand{RegOp(Reg{Kind: GP32, Index: RegRAX}), m}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x8b, 0x05, 0x00, 0x01, 0x00, 0x00} // mov eax, [rip+0x100]
	if !bytes.Equal(got, want) {
		t.Errorf("mov eax,[rip+0x100] = % x, want % x", got, want)
	}
}

func TestEncodePushPopReg(t *testing.T) {
	push := &Instr{Type: PUSH, NumOperands: 1, Operands: [3]Operand{RegOp(rax())}}
	if got, want := encodeOrFatal(t, push), []byte{0x50}; !bytes.Equal(got, want) {
		t.Errorf("push rax = % x, want % x", got, want)
	}
	pop := &Instr{Type: POP, NumOperands: 1, Operands: [3]Operand{RegOp(r8())}}
	if got, want := encodeOrFatal(t, pop), []byte{0x41, 0x58}; !bytes.Equal(got, want) {
		t.Errorf("pop r8 = % x, want % x", got, want)
	}
}

func TestEncodeSetccNeedsEmptyRex(t *testing.T) {
	spl := Reg{Kind: GP8, Index: 4} // SPL: legacy index 4 means AH without REX
	instr := &Instr{Type: SETE, NumOperands: 1, Operands: [3]Operand{RegOp(spl)}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x40, 0x0f, 0x94, 0xc4} // sete spl: forced empty REX
	if !bytes.Equal(got, want) {
		t.Errorf("sete spl = % x, want % x", got, want)
	}
}

func TestEncodeIndirectCallAndJmp(t *testing.T) {
	call := &Instr{Type: CALL, NumOperands: 1, Operands: [3]Operand{RegOp(rax())}}
	if got, want := encodeOrFatal(t, call), []byte{0xff, 0xd0}; !bytes.Equal(got, want) {
		t.Errorf("call rax = % x, want % x", got, want)
	}
	jmp := &Instr{Type: JMPI, NumOperands: 1, Operands: [3]Operand{RegOp(rcx())}}
	if got, want := encodeOrFatal(t, jmp), []byte{0xff, 0xe1}; !bytes.Equal(got, want) {
		t.Errorf("jmp rcx = % x, want % x", got, want)
	}
}

func TestEncodeLea(t *testing.T) {
	m := Mem(rax(), true, rcx(), true, 4, 0x10, SegNone, 64)
	instr := &Instr{Type: LEA, NumOperands: 2, Operands: [3]Operand{RegOp(rcx()), m}}
	got := encodeOrFatal(t, instr)
	want := []byte{0x48, 0x8d, 0x4c, 0x88, 0x10} // lea rcx, [rax+rcx*4+0x10]
	if !bytes.Equal(got, want) {
		t.Errorf("lea rcx,[rax+rcx*4+0x10] = % x, want % x", got, want)
	}
}

func TestEncodeTerminators(t *testing.T) {
	if got, want := EncodeJccRel8(4, -2), []byte{0x74, 0xfe}; !bytes.Equal(got, want) {
		t.Errorf("EncodeJccRel8(E,-2) = % x, want % x", got, want)
	}
	if got, want := EncodeJmpRel32(100), []byte{0xe9, 0x64, 0x00, 0x00, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("EncodeJmpRel32(100) = % x, want % x", got, want)
	}
}

func TestGSRelativeUnsupported(t *testing.T) {
	m := Mem(rax(), true, Reg{}, false, 0, 0, SegGS, 64)
	instr := &Instr{Type: MOV, NumOperands: 2, Operands: [3]Operand{RegOp(rax()), m}}
	if _, err := NewEncoder().Encode(instr); err == nil {
		t.Fatalf("expected gs-relative encode to fail, got no error")
	}
}

func TestCatalogCompleteness(t *testing.T) {
	for typ := InstrType(1); typ < NumInstrTypes; typ++ {
		if Mnemonic(typ) == "" {
			t.Errorf("InstrType %d has no mnemonic", typ)
		}
	}
}

func TestCondCodeRoundtrip(t *testing.T) {
	for cc := 0; cc < 16; cc++ {
		j := JO + InstrType(cc)
		if got := j.CondCode(); got != cc {
			t.Errorf("Jcc condcode %d: CondCode() = %d", cc, got)
		}
		if !j.IsJcc() {
			t.Errorf("JO+%d should be IsJcc", cc)
		}
		c := CMOVO + InstrType(cc)
		if got := c.CondCode(); got != cc {
			t.Errorf("CMOVcc condcode %d: CondCode() = %d", cc, got)
		}
		s := SETO + InstrType(cc)
		if got := s.CondCode(); got != cc {
			t.Errorf("SETcc condcode %d: CondCode() = %d", cc, got)
		}
	}
}
