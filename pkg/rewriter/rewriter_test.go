package rewriter

import (
	"testing"
	"unsafe"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestEmulateStaticImmediate(t *testing.T) {
	// 48 b8 2a 00 00 00 00 00 00 00   mov rax, 42
	// c3                              ret
	code := []byte{0x48, 0xb8, 0x2a, 0, 0, 0, 0, 0, 0, 0, 0xc3}

	r := NewRewriter()
	r.SetFunction(addrOf(code))

	if got := r.Emulate(); got != 42 {
		t.Errorf("Emulate() = %d, want 42", got)
	}
}

func TestEmulatePassesThroughStaticParam(t *testing.T) {
	// 48 8b c7   mov rax, rdi
	// c3          ret
	code := []byte{0x48, 0x8b, 0xc7, 0xc3}

	r := NewRewriter()
	r.SetFunction(addrOf(code))

	if got := r.Emulate(7); got != 7 {
		t.Errorf("Emulate(7) = %d, want 7", got)
	}
}

func TestRewriteGeneratesRelocatedFunction(t *testing.T) {
	code := []byte{0x48, 0xb8, 0x2a, 0, 0, 0, 0, 0, 0, 0, 0xc3}

	r := NewRewriter()
	defer r.Free()
	r.SetFunction(addrOf(code))

	addr := r.Rewrite()
	if addr == 0 {
		t.Fatal("Rewrite() returned 0, want a generated address")
	}
	if r.GeneratedSize() == 0 {
		t.Error("GeneratedSize() = 0, want > 0")
	}
	if addr%64 != 0 {
		t.Errorf("generated entry %#x is not 64-byte aligned", addr)
	}
}

func TestRewriteReturnsOriginalOnFailureWhenConfigured(t *testing.T) {
	// 0f ff is not a recognized two-byte opcode: decoding fails immediately.
	code := []byte{0x0f, 0xff}
	entry := addrOf(code) // taken once: a later addrOf may see a moved stack

	r := NewRewriter()
	defer r.Free()
	r.Config.ReturnOriginalOnFailure = true
	r.SetFunction(entry)

	if got := r.Rewrite(); got != entry {
		t.Errorf("Rewrite() = %#x, want original entry %#x", got, entry)
	}
}

func TestDecodePrint(t *testing.T) {
	code := []byte{0xb8, 0x01, 0, 0, 0, 0xc3}
	r := NewRewriter()

	out, err := r.DecodePrint(addrOf(code), 2)
	if err != nil {
		t.Fatalf("DecodePrint: %v", err)
	}
	if out == "" {
		t.Error("DecodePrint returned an empty string")
	}
}
