package rewriter

import "github.com/oisee/x86rewrite/pkg/emu"

// Intrinsic is a hook the capturer's CALL handling can run instead of
// inlining an ordinary call, keyed by the called function's address —
// spec.md §6's makeDynamic/makeStatic passthrough intrinsics, which
// exist only to let instrumented target code tell the rewriter "treat
// whatever's in this register as DYNAMIC/STATIC from here on" without
// that call site surviving into the generated code.
type Intrinsic func(es *emu.EmuState)

// Intrinsics maps a recognized intrinsic function's address to the
// EmuState mutation it performs. Populated by RegisterIntrinsic before
// the first Rewrite/Emulate call.
type Intrinsics struct {
	hooks map[uint64]Intrinsic
}

// NewIntrinsics builds an empty intrinsic registry. Nothing is
// registered by default: callers bind MakeDynamic/MakeStatic (or their
// own hooks) via RegisterIntrinsic once they know the target binary's
// actual symbol addresses.
func NewIntrinsics() *Intrinsics {
	return &Intrinsics{hooks: make(map[uint64]Intrinsic)}
}

// RegisterIntrinsic binds addr (the address of a call target in the
// rewritten function) to an intrinsic hook, replacing ordinary call
// inlining for calls to that address.
func (ix *Intrinsics) RegisterIntrinsic(addr uint64, fn Intrinsic) {
	ix.hooks[addr] = fn
}

// Lookup returns the intrinsic registered at addr, if any.
func (ix *Intrinsics) Lookup(addr uint64) (Intrinsic, bool) {
	fn, ok := ix.hooks[addr]
	return fn, ok
}

// MakeDynamic is the stock makeDynamic(x) intrinsic: it forces the
// first integer argument register (RDI) to DYNAMIC, discarding
// whatever STATIC value the capturer had folded it to. Target code
// calls this to force the rewriter off a fully-unrolled path it
// doesn't want generated.
func MakeDynamic(es *emu.EmuState) {
	r := es.Regs[7] // RDI, System V first integer arg
	r.State = emu.Dynamic
	es.Regs[7] = r
}

// MakeStatic is the stock makeStatic(x, v) intrinsic: it forces RDI to
// STATIC with the constant value carried in RSI, letting target code
// assert a runtime invariant the capturer couldn't otherwise see.
func MakeStatic(es *emu.EmuState) {
	v := es.Regs[6] // RSI
	es.Regs[7] = emu.Cell{Value: v.Value, State: emu.Static}
}
