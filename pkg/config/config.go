// Package config holds the Rewriter's knobs, mirroring the teacher's
// plain-struct-with-defaults config pattern (search.Config,
// stoke.Config, gpu.SearchConfig) generalized to spec.md §6's list.
package config

// FC is a capture-policy flag naming how aggressively the emulator
// would force an operand DYNAMIC, per spec.md §6's FC_* family.
// pkg/emu does not read Config.ForceCapture, so none of the policies
// below is applied.
type FC uint8

const (
	// FCNone applies no forcing: capture states propagate normally.
	FCNone FC = iota
	// FCMemory forces every memory load to DYNAMIC, ignoring
	// pkg/memrange's constant-data registry.
	FCMemory
	// FCStackVars forces stack-relative loads to DYNAMIC once they
	// fall outside the modeled stack window, instead of silently
	// treating them as opaque.
	FCStackVars
	// FCAll combines every forcing policy above.
	FCAll
)

// ParamState records the caller's declared capture state for one
// incoming parameter register, per spec.md §6's `par_state`/`par_name`
// knob pair (state plus a human-readable name for trace output).
type ParamState struct {
	Name   string
	Static bool
}

// Config holds every knob spec.md §6 names. Zero value is usable:
// every bool defaults to its conservative (most-dynamic) setting.
type Config struct {
	// BranchesKnown is carried in the configuration but not read by
	// the capturer: a Jcc whose flags are not all STATIC always forks.
	BranchesKnown bool

	// ForceUnknown makes every parameter register not covered by
	// Params DYNAMIC; otherwise a passed value is STATIC and a register
	// with no passed value is DEAD.
	ForceUnknown bool

	// ForceCapture selects an FC policy; see FC (not read by pkg/emu).
	ForceCapture FC

	// MaxRecDepth is carried in the configuration but not read: CALL
	// inlining depth is bounded by the constant emu.MaxCallDepth, and a
	// deeper CALL fails with UnsupportedInstr.
	MaxRecDepth int

	// Params names and states the incoming parameter registers, in
	// System V order (RDI, RSI, RDX, RCX, R8, R9).
	Params []ParamState

	// KeepLargeCallAddrs is carried in the configuration but not read:
	// the capturer inlines static CALLs and never emits a CALL, so no
	// call target is materialized through a scratch register.
	KeepLargeCallAddrs bool

	// ReturnOriginalOnFailure makes Rewrite return the original
	// function's address instead of 0 when capturing/layout fails.
	ReturnOriginalOnFailure bool

	// DecodeCap bounds one DBB's instruction count (pkg/decode).
	DecodeCap int
	// CaptureCap records the capture CBB capacity. The capturer does
	// not read it: the worklist is bounded by capture.CaptureStackLen.
	CaptureCap int
	// CodeCap sizes the generated-code arena in bytes.
	CodeCap int

	// VerboseDecode/VerboseEmuState/VerboseEmuSteps record the trace
	// settings of spec.md §6's verbose(r, decode, emu_state,
	// emu_steps). The Rewriter does not read them: its trace output is
	// switched by Rewriter.Verbose.
	VerboseDecode   bool
	VerboseEmuState bool
	VerboseEmuSteps bool
	// OptVerbose records the layout-trace setting; pkg/layout prints
	// no placement trace.
	OptVerbose bool
}

// Default returns a Config with the same capacities the teacher's
// search.Config/stoke.Config structs use as starting points, scaled to
// this module's instruction/CBB sizes rather than Z80 opcode counts.
func Default() Config {
	return Config{
		MaxRecDepth: 64,
		DecodeCap:   4096,
		CaptureCap:  256,
		CodeCap:     1 << 20,
	}
}
