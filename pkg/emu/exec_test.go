package emu

import (
	"testing"

	"github.com/oisee/x86rewrite/pkg/x86inst"
)

func reg64(idx uint8) x86inst.Reg { return x86inst.Reg{Kind: x86inst.GP64, Index: idx} }

func TestStepMovStaticFoldsAwayEntirely(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Regs[x86inst.RegRAX] = Cell{Value: 5, State: Static}

	instr := x86inst.Instr{Type: x86inst.MOV, NumOperands: 2,
		Operands: [3]x86inst.Operand{x86inst.RegOp(reg64(x86inst.RegRCX)), x86inst.RegOp(reg64(x86inst.RegRAX))}}

	residual, xfer, err := es.Step(instr, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if residual != nil {
		t.Errorf("residual = %v, want nil (fully folded)", residual)
	}
	if xfer.Kind != TransferNone {
		t.Errorf("xfer.Kind = %v, want TransferNone", xfer.Kind)
	}
	if got := es.Regs[x86inst.RegRCX]; got.State != Static || got.Value != 5 {
		t.Errorf("RCX = %+v, want Static/5", got)
	}
}

func TestStepMovDynamicEmitsResidual(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Regs[x86inst.RegRAX] = Cell{State: Dynamic}

	instr := x86inst.Instr{Type: x86inst.MOV, NumOperands: 2,
		Operands: [3]x86inst.Operand{x86inst.RegOp(reg64(x86inst.RegRCX)), x86inst.RegOp(reg64(x86inst.RegRAX))}}

	residual, _, err := es.Step(instr, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(residual) != 1 {
		t.Fatalf("got %d residual instructions, want 1", len(residual))
	}
	if got := es.Regs[x86inst.RegRCX].State; got != Dynamic {
		t.Errorf("RCX state = %v, want Dynamic", got)
	}
}

func TestStepArithStaticFoldsAndSetsFlags(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Regs[x86inst.RegRAX] = Cell{Value: 1, State: Static}
	es.Regs[x86inst.RegRCX] = Cell{Value: 1, State: Static}

	instr := x86inst.Instr{Type: x86inst.SUB, NumOperands: 2, ValueType: x86inst.VT64,
		Operands: [3]x86inst.Operand{x86inst.RegOp(reg64(x86inst.RegRAX)), x86inst.RegOp(reg64(x86inst.RegRCX))}}

	residual, _, err := es.Step(instr, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if residual != nil {
		t.Errorf("residual = %v, want nil", residual)
	}
	if got := es.Regs[x86inst.RegRAX]; got.Value != 0 || !got.State.IsStatic() {
		t.Errorf("RAX = %+v, want 0/Static", got)
	}
	if !es.Flags[FZF].Value || !es.Flags[FZF].State.IsStatic() {
		t.Error("ZF should be statically set after 1-1=0")
	}
}

func jccInstr(cc x86inst.InstrType, addr uint64, rel int64) x86inst.Instr {
	return x86inst.Instr{Type: cc, Addr: addr, Len: 2, NumOperands: 1,
		Operands: [3]x86inst.Operand{x86inst.Imm(8, rel)}}
}

func TestStepJccFoldsWhenFlagsStatic(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Flags[FZF] = FlagCell{Value: true, State: Static}

	_, xfer, err := es.Step(jccInstr(x86inst.JE, 0x500, 10), nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if xfer.Kind != TransferFold {
		t.Fatalf("xfer.Kind = %v, want TransferFold", xfer.Kind)
	}
	if want := uint64(0x500 + 2 + 10); xfer.TakenAddr != want {
		t.Errorf("TakenAddr = %#x, want %#x", xfer.TakenAddr, want)
	}
}

func TestStepJccForksWhenFlagsDynamic(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Flags[FZF] = FlagCell{State: Dynamic}

	_, xfer, err := es.Step(jccInstr(x86inst.JE, 0x500, 10), nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if xfer.Kind != TransferFork {
		t.Fatalf("xfer.Kind = %v, want TransferFork", xfer.Kind)
	}
	if xfer.CondType != x86inst.JE {
		t.Errorf("CondType = %v, want JE", xfer.CondType)
	}
	if xfer.FallAddr != 0x500+2 {
		t.Errorf("FallAddr = %#x, want %#x", xfer.FallAddr, uint64(0x500+2))
	}
}

func TestStepCallThenRetRoundTrips(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	call := x86inst.Instr{Type: x86inst.CALL, Addr: 0x400, Len: 5, NumOperands: 1,
		Operands: [3]x86inst.Operand{x86inst.Imm(32, 0x100)}}

	_, xfer, err := es.Step(call, nil)
	if err != nil {
		t.Fatalf("Step(call): %v", err)
	}
	if xfer.Kind != TransferCall {
		t.Fatalf("xfer.Kind = %v, want TransferCall", xfer.Kind)
	}
	if es.CallDepth != 1 || len(es.RetAddrs) != 1 {
		t.Fatalf("CallDepth=%d RetAddrs=%v, want 1/[one]", es.CallDepth, es.RetAddrs)
	}

	ret := x86inst.Instr{Type: x86inst.RET}
	_, xfer, err = es.Step(ret, nil)
	if err != nil {
		t.Fatalf("Step(ret): %v", err)
	}
	if xfer.Kind != TransferReturn || xfer.TakenAddr != 0x400+5 {
		t.Fatalf("xfer = %+v, want TransferReturn to the call's fallthrough (%#x)", xfer, uint64(0x405))
	}
	if es.CallDepth != 0 || len(es.RetAddrs) != 0 {
		t.Errorf("CallDepth/RetAddrs not restored after ret: %d/%v", es.CallDepth, es.RetAddrs)
	}
}
