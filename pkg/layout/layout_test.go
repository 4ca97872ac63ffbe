package layout

import (
	"testing"

	"github.com/oisee/x86rewrite/pkg/capture"
	"github.com/oisee/x86rewrite/pkg/codearena"
	"github.com/oisee/x86rewrite/pkg/x86inst"
)

func movImm(dstIdx uint8, v int64) x86inst.Instr {
	return x86inst.Instr{Type: x86inst.MOV, NumOperands: 2, ValueType: x86inst.VT64,
		Operands: [3]x86inst.Operand{
			x86inst.RegOp(x86inst.Reg{Kind: x86inst.GP64, Index: dstIdx}),
			x86inst.Imm(64, v),
		}}
}

func TestLayoutLinearBlock(t *testing.T) {
	store := capture.NewStore()
	entry := capture.Key{Addr: 0x1000, EsID: 0}
	cbb, _ := store.GetOrCreate(entry)
	cbb.Instrs = []x86inst.Instr{movImm(x86inst.RegRAX, 1)}
	cbb.Term = x86inst.RET

	arena, err := codearena.New(4096)
	if err != nil {
		t.Fatalf("codearena.New: %v", err)
	}
	defer arena.Free()

	res, err := Layout(store, entry, arena)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if res.EntryAddr == 0 {
		t.Fatal("EntryAddr should be nonzero")
	}
	if res.EntryAddr%codearena.FunctionAlign != 0 {
		t.Errorf("EntryAddr %#x is not %d-byte aligned", res.EntryAddr, codearena.FunctionAlign)
	}
	if res.Size == 0 {
		t.Error("Size should be nonzero")
	}
}

func TestLayoutConditionalForkWiresBothSuccessors(t *testing.T) {
	store := capture.NewStore()
	entry := capture.Key{Addr: 0x1000, EsID: 0}
	fall := capture.Key{Addr: 0x1010, EsID: 1}
	taken := capture.Key{Addr: 0x1020, EsID: 2}

	head, _ := store.GetOrCreate(entry)
	head.Term = x86inst.JE
	head.HasFall, head.FallKey = true, fall
	head.HasTaken, head.TakenKey = true, taken

	fallCBB, _ := store.GetOrCreate(fall)
	fallCBB.Term = x86inst.RET

	takenCBB, _ := store.GetOrCreate(taken)
	takenCBB.Instrs = []x86inst.Instr{movImm(x86inst.RegRAX, 2)}
	takenCBB.Term = x86inst.RET

	arena, err := codearena.New(4096)
	if err != nil {
		t.Fatalf("codearena.New: %v", err)
	}
	defer arena.Free()

	if _, err := Layout(store, entry, arena); err != nil {
		t.Fatalf("Layout: %v", err)
	}

	if head.CodeAddr == 0 || fallCBB.CodeAddr == 0 || takenCBB.CodeAddr == 0 {
		t.Fatalf("every block should get a CodeAddr: head=%#x fall=%#x taken=%#x",
			head.CodeAddr, fallCBB.CodeAddr, takenCBB.CodeAddr)
	}
	// head has no body instructions here, so its entire reserved span is
	// just the Jcc hole; fallthrough-elision means that hole holds only
	// the conditional jump (no trailing unconditional jmp to fall),
	// since fall is placed immediately next in visitation order.
	if want := head.CodeAddr + uint64(x86inst.JccRel32Len); fallCBB.CodeAddr != want {
		t.Errorf("fall block CodeAddr = %#x, want %#x (immediately after head's Jcc hole)", fallCBB.CodeAddr, want)
	}
}

func TestLayoutMissingEntryErrors(t *testing.T) {
	store := capture.NewStore()
	arena, err := codearena.New(4096)
	if err != nil {
		t.Fatalf("codearena.New: %v", err)
	}
	defer arena.Free()

	if _, err := Layout(store, capture.Key{Addr: 0xdead}, arena); err == nil {
		t.Fatal("Layout should error when the entry key has no captured block")
	}
}
