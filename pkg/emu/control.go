package emu

import "github.com/oisee/x86rewrite/pkg/x86inst"

// TransferKind classifies how a just-executed instruction changes
// control flow, so the Capturer driving Step knows what to do next:
// keep interpreting in place, fork the worklist, or stop the CBB.
type TransferKind uint8

const (
	// TransferNone: ordinary instruction, keep interpreting.
	TransferNone TransferKind = iota
	// TransferFold: a Jcc whose guarding flags were all STATIC — the
	// branch resolved at rewrite time, continue down the taken side
	// without forking, per spec.md §4.4's Jcc rule.
	TransferFold
	// TransferFork: a Jcc whose guarding flags were not all STATIC —
	// both successors must be queued in the capture store's worklist.
	TransferFork
	// TransferJump: unconditional JMP/JMPI — single successor.
	TransferJump
	// TransferCall: CALL — pushes a return address, recurses bounded
	// by MaxCallDepth.
	TransferCall
	// TransferReturn: RET — pops the return-address stack.
	TransferReturn
)

// Transfer describes the control-flow consequence of one executed
// instruction.
type Transfer struct {
	Kind TransferKind

	TakenAddr uint64 // branch target / call target / jump target
	FallAddr  uint64 // fallthrough address (Jcc, CALL's continuation)

	// TakenIsStatic reports whether TakenAddr is a statically known
	// value (true for direct CALL/JMP/Jcc; false for JMPI/CALL through
	// a DYNAMIC register, which the engine cannot resolve and reports
	// as a KindUnsupportedInstr error rather than a control fork).
	TakenIsStatic bool

	// CondType carries the original Jcc's InstrType (e.g. x86inst.JE)
	// through a TransferFork, so the Capturer's layout pass can encode
	// the same condition code in the CBB's terminator rather than
	// collapsing every fork into an unconditional jump.
	CondType x86inst.InstrType
}
