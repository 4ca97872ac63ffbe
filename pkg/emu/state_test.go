package emu

import (
	"testing"

	"github.com/oisee/x86rewrite/pkg/x86inst"
)

func TestNewEntryStateParamsAndStack(t *testing.T) {
	params := []Cell{{Value: 42, State: Static}, {Value: 7, State: Dynamic}}
	es := NewEntryState(0x7fff0000, 4096, params)

	if got := es.Regs[x86inst.RegRDI]; got.State != Static || got.Value != 42 {
		t.Errorf("RDI = %+v, want Static/42", got)
	}
	if got := es.Regs[x86inst.RegRSI]; got.State != Dynamic {
		t.Errorf("RSI = %+v, want Dynamic", got)
	}
	if got := es.Regs[x86inst.RegRBX].State; got != Dynamic {
		t.Errorf("RBX (callee-saved) = %v, want Dynamic", got)
	}
	if got := es.Regs[x86inst.RegRSP].State; got != StackRelative {
		t.Errorf("RSP = %v, want StackRelative", got)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Stack[0] = StackByte{Value: 1, State: Static}

	cp := es.Snapshot(5)
	if cp.ESID() != 5 {
		t.Errorf("ESID() = %d, want 5", cp.ESID())
	}
	cp.Stack[0].Value = 9
	if es.Stack[0].Value != 1 {
		t.Error("mutating the snapshot's stack mutated the original")
	}
}

func TestEqualComparesRegsAndFlags(t *testing.T) {
	a := NewEntryState(0x1000, 16, []Cell{{Value: 1, State: Static}})
	b := NewEntryState(0x1000, 16, []Cell{{Value: 1, State: Static}})
	if !a.Equal(b) {
		t.Error("two freshly built identical entry states should be Equal")
	}
	b.Regs[x86inst.RegRDI] = Cell{Value: 2, State: Static}
	if a.Equal(b) {
		t.Error("states with a different STATIC register value should not be Equal")
	}
	b.Regs[x86inst.RegRDI] = a.Regs[x86inst.RegRDI]
	b.Flags[FZF] = FlagCell{Value: true, State: Static}
	if a.Equal(b) {
		t.Error("states with a different flag state should not be Equal")
	}
}

func TestRAX(t *testing.T) {
	es := NewEntryState(0x1000, 16, nil)
	es.Regs[x86inst.RegRAX] = Cell{Value: 99, State: Static}
	if got := es.RAX(); got.Value != 99 || got.State != Static {
		t.Errorf("RAX() = %+v, want Value=99 Static", got)
	}
}
