package emu

import (
	"testing"
	"unsafe"

	"github.com/oisee/x86rewrite/pkg/capture"
	"github.com/oisee/x86rewrite/pkg/decode"
	"github.com/oisee/x86rewrite/pkg/x86inst"
)

func capAddrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func TestCapturerForksOnDynamicCondition(t *testing.T) {
	code := []byte{
		0x83, 0xff, 0x00, // cmp edi, 0
		0x74, 0x06, // je +6
		0xb8, 0x01, 0, 0, 0, // mov eax, 1
		0xc3,                // ret
		0xb8, 0x02, 0, 0, 0, // mov eax, 2
		0xc3, // ret
	}
	base := capAddrOf(code)

	d := decode.NewDecoder(0)
	store := capture.NewStore()
	c := NewCapturer(d, store, nil)

	es := NewEntryState(0x2000, 16, []Cell{{State: Dynamic}})
	entryKey, err := c.Run(base, es)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := store.Get(entryKey)
	if entry == nil {
		t.Fatal("entry CBB missing")
	}
	if !entry.HasFall || !entry.HasTaken {
		t.Fatalf("entry CBB should have both successors, got %+v", entry)
	}
	if entry.Term != x86inst.JE {
		t.Errorf("Term = %v, want JE", entry.Term)
	}

	fall := store.Get(entry.FallKey)
	taken := store.Get(entry.TakenKey)
	if fall == nil || taken == nil {
		t.Fatal("both successors should be captured")
	}
	if fall.Term != x86inst.RET || taken.Term != x86inst.RET {
		t.Errorf("fall/taken terminators = %v/%v, want RET/RET", fall.Term, taken.Term)
	}
}

func TestCapturerFoldsOnStaticCondition(t *testing.T) {
	code := []byte{
		0xb8, 0x00, 0, 0, 0, // mov eax, 0
		0x83, 0xf8, 0x00, // cmp eax, 0
		0x74, 0x01, // je +1, lands on "mov eax, 9" right past the dead int3 byte (taken, since eax==0)
		0xcc,                // (never reached: invalid opcode would error if decoded)
		0xb8, 0x09, 0, 0, 0, // mov eax, 9
		0xc3, // ret
	}
	base := capAddrOf(code)

	d := decode.NewDecoder(0)
	store := capture.NewStore()
	c := NewCapturer(d, store, nil)

	es := NewEntryState(0x2000, 16, nil)
	entryKey, err := c.Run(base, es)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := store.Get(entryKey)
	if entry == nil {
		t.Fatal("entry CBB missing")
	}
	if entry.HasFall || entry.HasTaken {
		t.Errorf("a statically resolved Jcc should never fork, got %+v", entry)
	}
	if entry.Term != x86inst.RET {
		t.Errorf("Term = %v, want RET (folded straight through to the taken side)", entry.Term)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1 (folded Jcc stays in one CBB)", store.Len())
	}
}

// TestCapturerLoopReconvergesSnapshot exercises a data-dependent loop
// (eax starts DYNAMIC, so "cmp eax, 10" can never fold and the "jl"
// back edge must fork every iteration) and checks that the capturer
// preserves the loop instead of unrolling it: the back edge has to
// reconverge onto an already-captured state rather than minting a
// fresh esID forever, per spec.md §4.4's snapshot-equality dedup.
func TestCapturerLoopReconvergesSnapshot(t *testing.T) {
	code := []byte{
		0xff, 0xc0, // inc eax
		0x83, 0xf8, 0x0a, // cmp eax, 0xa
		0x7c, 0xf9, // jl <loop start>
		0xc3, // ret
	}
	base := capAddrOf(code)

	d := decode.NewDecoder(0)
	store := capture.NewStore()
	c := NewCapturer(d, store, nil)

	es := NewEntryState(0x2000, 16, nil)
	es.Regs[x86inst.RegRAX] = Cell{State: Dynamic}

	entryKey, err := c.Run(base, es)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := store.Get(entryKey)
	if entry == nil {
		t.Fatal("entry CBB missing")
	}
	if !entry.HasFall || !entry.HasTaken {
		t.Fatalf("a DYNAMIC loop condition must fork, got %+v", entry)
	}
	if entry.Term != x86inst.JL {
		t.Errorf("Term = %v, want JL", entry.Term)
	}
	if entry.TakenKey.Addr != base {
		t.Errorf("TakenKey.Addr = %#x, want %#x (back edge to loop start)", entry.TakenKey.Addr, base)
	}

	// If the dedup were unwired, every iteration of the back edge would
	// mint a fresh esID and the worklist would grow without bound until
	// capture.Store.Push panicked past CaptureStackLen. Reconvergence
	// keeps the whole graph to the loop header plus its exit block.
	if got := store.Len(); got > 2 {
		t.Fatalf("store.Len() = %d, want at most 2 (loop header + exit, no unrolling)", got)
	}

	taken := store.Get(entry.TakenKey)
	if taken == nil {
		t.Fatal("loop-header successor state should be captured")
	}
	if !taken.HasFall || !taken.HasTaken {
		t.Fatalf("loop header should fork again on the second pass, got %+v", taken)
	}
	if taken.TakenKey.Addr != base {
		t.Errorf("second pass TakenKey.Addr = %#x, want %#x", taken.TakenKey.Addr, base)
	}
	if store.Get(taken.TakenKey) == nil {
		t.Error("second pass back edge must land on an already-captured key, not a fresh one")
	}

	fall := store.Get(entry.FallKey)
	if fall == nil {
		t.Fatal("loop-exit successor should be captured")
	}
	if fall.Term != x86inst.RET {
		t.Errorf("exit block Term = %v, want RET", fall.Term)
	}
}

func TestCapturerInterceptsIntrinsicCall(t *testing.T) {
	code := make([]byte, 6)
	code[0] = 0xe8 // call rel32
	base := capAddrOf(code)
	intrinsicAddr := base + 0x10000000 // arbitrary target well within rel32 range
	rel := int32(int64(intrinsicAddr) - int64(base+5))
	code[1] = byte(rel)
	code[2] = byte(rel >> 8)
	code[3] = byte(rel >> 16)
	code[4] = byte(rel >> 24)
	code[5] = 0xc3 // ret

	d := decode.NewDecoder(0)
	store := capture.NewStore()
	c := NewCapturer(d, store, nil)

	called := false
	c.Intrinsics = func(addr uint64) (func(*EmuState), bool) {
		if addr != intrinsicAddr {
			return nil, false
		}
		return func(es *EmuState) { called = true }, true
	}

	es := NewEntryState(0x2000, 16, nil)
	entryKey, err := c.Run(base, es)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Error("intrinsic hook was never invoked")
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1 (intercepted call stays in one CBB)", store.Len())
	}
	entry := store.Get(entryKey)
	if entry.Term != x86inst.RET {
		t.Errorf("Term = %v, want RET", entry.Term)
	}
	if len(es.RetAddrs) != 0 || es.CallDepth != 0 {
		t.Errorf("RetAddrs/CallDepth not restored after intercepted call: %v/%d", es.RetAddrs, es.CallDepth)
	}
}
