// Package rewriter is the public orchestrator, replacing the teacher's
// cmd/z80opt-facing pkg/result.Table with a Rewriter struct that wires
// pkg/decode, pkg/emu, pkg/capture, pkg/layout, and pkg/codearena
// together behind the small operation set spec.md §6 names. Grounded
// on pkg/result.Table's exported-struct-plus-methods shape and
// pkg/search/worker.go's ticker-driven progress printf idiom.
package rewriter

import (
	"fmt"
	"time"

	"github.com/oisee/x86rewrite/pkg/capture"
	"github.com/oisee/x86rewrite/pkg/codearena"
	"github.com/oisee/x86rewrite/pkg/config"
	"github.com/oisee/x86rewrite/pkg/decode"
	"github.com/oisee/x86rewrite/pkg/emu"
	"github.com/oisee/x86rewrite/pkg/layout"
	"github.com/oisee/x86rewrite/pkg/memrange"
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// Rewriter owns every arena and registry needed to decode, capture and
// relayout one function at a time. Not safe for concurrent use from
// multiple goroutines, per spec.md §5 — one Rewriter, one in-flight
// rewrite.
type Rewriter struct {
	Config config.Config

	entry uintptr

	decoder    *decode.Decoder
	store      *capture.Store
	ranges     *memrange.Registry
	arena      *codearena.Arena
	intrinsics *Intrinsics

	verboseDecode   bool
	verboseEmuState bool
	verboseEmuSteps bool
	optVerbose      bool

	generatedAddr uint64
	generatedSize int
}

// NewRewriter builds a Rewriter with spec.md §6's default capacities.
// The code arena is allocated lazily on the first Rewrite call,
// matching spec.md §3's "reset, never freed between requests"
// lifecycle — there is nothing to reset before the first use.
func NewRewriter() *Rewriter {
	cfg := config.Default()
	return &Rewriter{
		Config:     cfg,
		decoder:    decode.NewDecoder(cfg.DecodeCap),
		store:      capture.NewStore(),
		ranges:     memrange.NewRegistry(),
		intrinsics: NewIntrinsics(),
	}
}

// RegisterIntrinsic binds addr to an intrinsic hook; see Intrinsics.
func (r *Rewriter) RegisterIntrinsic(addr uint64, fn Intrinsic) {
	r.intrinsics.RegisterIntrinsic(addr, fn)
}

// Ranges exposes the constant-data memory-range registry so callers
// can register trusted read-only windows before calling Rewrite.
func (r *Rewriter) Ranges() *memrange.Registry { return r.ranges }

// Free releases the code arena's backing memory. Safe to call on a
// Rewriter that never allocated one.
func (r *Rewriter) Free() error {
	if r.arena == nil {
		return nil
	}
	err := r.arena.Free()
	r.arena = nil
	return err
}

// SetFunction sets the entry address of the function to rewrite or
// emulate.
func (r *Rewriter) SetFunction(entry uintptr) { r.entry = entry }

// SetDecodingCapacity bounds one DBB's instruction count and resets
// the decoder's memoization cache (a new capacity invalidates any
// blocks decoded under the old one).
func (r *Rewriter) SetDecodingCapacity(instrCap, bbCap int) {
	r.Config.DecodeCap = instrCap
	_ = bbCap // DBB count isn't separately capped — bounded by the capture worklist instead.
	r.decoder = decode.NewDecoder(instrCap)
}

// SetCaptureCapacity records bbCap in Config.CaptureCap and sizes the
// generated-code arena, reallocating it on the next Rewrite. The
// capturer does not read CaptureCap: the worklist depth is bounded by
// capture.CaptureStackLen.
func (r *Rewriter) SetCaptureCapacity(instrCap, bbCap, codeCap int) {
	_ = instrCap // per-CBB instruction count isn't separately bounded; governed by decode capacity.
	r.Config.CaptureCap = bbCap
	r.Config.CodeCap = codeCap
	if r.arena != nil {
		_ = r.arena.Free()
		r.arena = nil
	}
}

// Verbose gates the ticker-driven fmt.Printf trace lines for decoding,
// entry-state dumps, and per-instruction emulation steps, per spec.md
// §6's verbose(r, decode, emu_state, emu_steps).
func (r *Rewriter) Verbose(decodeTrace, emuState, emuSteps bool) {
	r.verboseDecode = decodeTrace
	r.verboseEmuState = emuState
	r.verboseEmuSteps = emuSteps
}

// OptVerbose records the layout-trace flag. pkg/layout prints no
// placement trace, so the flag has no visible effect.
func (r *Rewriter) OptVerbose(on bool) { r.optVerbose = on }

// GeneratedCode returns the address of the most recently generated
// function, or 0 if Rewrite hasn't succeeded yet.
func (r *Rewriter) GeneratedCode() uintptr { return uintptr(r.generatedAddr) }

// GeneratedSize returns the byte size of the most recently generated
// function.
func (r *Rewriter) GeneratedSize() int { return r.generatedSize }

// DecodePrint is a thin wrapper over decode.DecodePrint, exposing it as
// one of the Rewriter's public operations per spec.md §6.
func (r *Rewriter) DecodePrint(addr uintptr, n int) (string, error) {
	lines, err := decode.DecodePrint(addr, n)
	out := ""
	for _, l := range lines {
		out += l.Text + "\n"
	}
	return out, err
}

// entryState builds the EmuState for the configured function, applying
// Config.Params/ForceUnknown and allocating the abstract stack window.
func (r *Rewriter) entryState(par []uint64) *emu.EmuState {
	params := make([]emu.Cell, 0, len(par))
	for i, v := range par {
		static := true
		if i < len(r.Config.Params) {
			static = r.Config.Params[i].Static
		} else if r.Config.ForceUnknown {
			static = false
		}
		state := emu.Dynamic
		if static {
			state = emu.Static
		}
		params = append(params, emu.Cell{Value: v, State: state})
	}
	if r.Config.ForceUnknown {
		for len(params) < len(x86inst.ParamRegs) {
			params = append(params, emu.Cell{State: emu.Dynamic})
		}
	}
	const stackSize = 4096
	stackStart := r.entry + 0x1000_0000 // abstract window, disjoint from code
	es := emu.NewEntryState(stackStart, stackSize, params)
	if r.verboseEmuState {
		fmt.Printf("rewriter: entry state built for %#x with %d params\n", r.entry, len(par))
	}
	return es
}

// Rewrite captures and relays out the configured function against the
// given parameters, returning the generated function's address. On
// failure it returns the original entry address if
// Config.ReturnOriginalOnFailure is set, otherwise 0.
func (r *Rewriter) Rewrite(par ...uint64) uintptr {
	if r.arena == nil {
		arena, err := codearena.New(r.Config.CodeCap)
		if err != nil {
			return r.failure()
		}
		r.arena = arena
	}
	r.store.Reset()

	es := r.entryState(par)
	capturer := emu.NewCapturer(r.decoder, r.store, r.ranges)
	capturer.Intrinsics = func(addr uint64) (func(*emu.EmuState), bool) {
		return r.intrinsics.Lookup(addr)
	}

	done := r.startProgressTicker()
	entryKey, err := r.runCapture(capturer, es)
	done <- struct{}{}
	if err != nil {
		return r.failure()
	}

	res, err := layout.Layout(r.store, entryKey, r.arena)
	if err != nil {
		return r.failure()
	}

	r.generatedAddr = res.EntryAddr
	r.generatedSize = res.Size
	return uintptr(res.EntryAddr)
}

// runCapture runs the capturer, converting a fixed-capacity overflow
// panic (capture.Store.Push past CaptureStackLen, or emu.Capturer's
// saved-state pool past emu.SavedStateMax) into a BufferOverflow error
// instead of crashing the process, matching the teacher's
// fixed-capacity-buffer error-surfacing convention.
func (r *Rewriter) runCapture(capturer *emu.Capturer, es *emu.EmuState) (key capture.Key, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = x86rw.New(x86rw.ModuleRewriter, x86rw.KindBufferOverflow, "%v", rec)
		}
	}()
	return capturer.Run(uint64(r.entry), es)
}

func (r *Rewriter) failure() uintptr {
	if r.Config.ReturnOriginalOnFailure {
		return r.entry
	}
	return 0
}

// Emulate abstractly executes the configured function without
// generating code, returning whatever ended up in RAX. Only meaningful
// when the whole function resolves to a single STATIC path (spec.md
// §6's pure-emulation mode); a DYNAMIC result or a fork returns 0.
func (r *Rewriter) Emulate(par ...uint64) uint64 {
	es := r.entryState(par)
	addr := r.entry

	for {
		dbb, err := r.decoder.Decode(addr)
		if err != nil {
			return 0
		}

		next, done, ok := r.emulateBlock(es, dbb)
		if !ok {
			return 0
		}
		if done {
			rax := es.RAX()
			if rax.State.IsStatic() {
				return rax.Value
			}
			return 0
		}
		addr = uintptr(next)
	}
}

// emulateBlock steps every instruction of one DBB, returning the next
// address to decode, whether the function has returned to its caller
// (done), and whether emulation can continue (ok — false on error or
// an unresolved fork, which Emulate treats as failure).
func (r *Rewriter) emulateBlock(es *emu.EmuState, dbb *decode.DBB) (next uint64, done bool, ok bool) {
	for _, instr := range dbb.Instrs {
		if r.verboseEmuSteps {
			fmt.Printf("emu: %#x %s\n", instr.Addr, instr.String())
		}
		_, xfer, err := es.Step(instr, r.ranges)
		if err != nil {
			return 0, false, false
		}
		switch xfer.Kind {
		case emu.TransferNone:
			continue
		case emu.TransferFork:
			return 0, false, false
		case emu.TransferReturn:
			if xfer.TakenAddr == 0 {
				return 0, true, true
			}
			return xfer.TakenAddr, false, true
		default:
			return xfer.TakenAddr, false, true
		}
	}
	// The DBB ended without a transfer (the decoder stopped at an
	// already-decoded block): continue right after it.
	if len(dbb.Instrs) > 0 {
		return dbb.Addr + uint64(dbb.Len()), false, true
	}
	return 0, false, false
}

// startProgressTicker mirrors pkg/search/worker.go's ticker-driven
// progress printf: while a rewrite is in flight, print the capture
// store's size every second if VerboseDecode is set. Send on the
// returned channel to stop it.
func (r *Rewriter) startProgressTicker() chan<- struct{} {
	done := make(chan struct{}, 1)
	if !r.verboseDecode {
		return done
	}
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				fmt.Printf("rewriter: captured %d blocks so far\n", r.store.Len())
			}
		}
	}()
	return done
}
