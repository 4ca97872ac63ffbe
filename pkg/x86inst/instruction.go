package x86inst

// InstrType is a compact identifier for an x86-64 instruction's semantic
// class (not its raw encoding — several InstrTypes can share an opcode
// byte via ModR/M.reg, and one InstrType can have several encodings).
//
// Organized by wave, the way the teacher's OpCode enumeration is:
//
//	Wave 0 (arith/logic/shift):  ADD, SUB, AND, OR, XOR, CMP, TEST, shifts
//	Wave 1 (data movement):      MOV, MOVSX, MOVZX, LEA, PUSH, POP
//	Wave 2 (control flow):       CALL, RET, JMP, 16x Jcc
//	Wave 3 (conditional data):   16x CMOVcc, 16x SETcc
//	Wave 4 (passthrough SSE):    a subset of SSE/SSE2/SSE3, re-emitted
//	                             verbatim via PassthroughDesc
type InstrType uint16

const (
	Invalid InstrType = iota

	// === Wave 0: arithmetic / logic / shift / compare ===
	ADD
	OR
	ADC
	SBB
	AND
	SUB
	XOR
	CMP
	TEST
	NOT
	NEG
	INC
	DEC
	IMUL
	IMUL2 // imul dst, src (2-operand form, 0F AF)
	IMUL3 // imul dst, src, imm (RMI form)
	MUL
	IDIV
	DIV
	SHL
	SHR
	SAR
	ROL
	ROR

	// === Wave 1: data movement ===
	MOV
	MOVSX
	MOVSXD
	MOVZX
	LEA
	PUSH
	POP
	CQO
	CDQ
	XCHG

	// === Wave 2: control flow ===
	CALL
	RET
	JMP
	JMPI // indirect jump through register/memory

	// 16 conditional jumps, condition code encoded in (Type - JO).
	// Order matches the x86 cc nibble: O,NO,B,AE,E,NE,BE,A,S,NS,P,NP,L,GE,LE,G.
	JO
	JNO
	JB
	JAE
	JE
	JNE
	JBE
	JA
	JS
	JNS
	JP
	JNP
	JL
	JGE
	JLE
	JG

	// === Wave 3: conditional data movement ===
	CMOVO
	CMOVNO
	CMOVB
	CMOVAE
	CMOVE
	CMOVNE
	CMOVBE
	CMOVA
	CMOVS
	CMOVNS
	CMOVP
	CMOVNP
	CMOVL
	CMOVGE
	CMOVLE
	CMOVG

	SETO
	SETNO
	SETB
	SETAE
	SETE
	SETNE
	SETBE
	SETA
	SETS
	SETNS
	SETP
	SETNP
	SETL
	SETGE
	SETLE
	SETG

	// === Wave 4: passthrough-only instructions ===
	Passthrough

	NumInstrTypes
)

// CondCode returns the condition-code index [0,16) for a Jcc/CMOVcc/SETcc
// instruction, via the "last opcode nibble selects within a 16-wide
// conditional family" arithmetic spec.md §4.2 describes.
func (t InstrType) CondCode() int {
	switch {
	case t >= JO && t <= JG:
		return int(t - JO)
	case t >= CMOVO && t <= CMOVG:
		return int(t - CMOVO)
	case t >= SETO && t <= SETG:
		return int(t - SETO)
	default:
		return -1
	}
}

// IsJcc, IsCMovcc, IsSetcc classify conditional families.
func (t InstrType) IsJcc() bool    { return t >= JO && t <= JG }
func (t InstrType) IsCMovcc() bool { return t >= CMOVO && t <= CMOVG }
func (t InstrType) IsSetcc() bool  { return t >= SETO && t <= SETG }

// IsTerminator reports whether this InstrType ends a decoded basic
// block, per spec.md §4.2: "any JMP, any Jcc, CALL, RET, indirect JMP".
func (t InstrType) IsTerminator() bool {
	return t == JMP || t == JMPI || t == CALL || t == RET || t.IsJcc()
}

// ValueType records the default/override width an operand is decoded or
// encoded at — distinct from Reg.Width() because immediates and memory
// accesses carry their own width independent of any register.
type ValueType uint8

const (
	VTImplicit ValueType = iota // width implied by context (e.g. PUSH is always 64-bit)
	VT8
	VT16
	VT32
	VT64
)

// Form records the arity of an instruction: how many operands it has
// and in which direction data flows, matching spec.md §3's "0/1/2/3-ary".
type Form uint8

const (
	Form0 Form = iota
	Form1
	Form2
	Form3
)

// PrefixSet is a bitmask of legacy/mandatory prefixes seen on an
// instruction (used both by the decoder, recording what it found, and
// the encoder, re-emitting a passthrough instruction's original
// prefixes).
type PrefixSet uint16

const (
	PfxOpSize  PrefixSet = 1 << iota // 0x66
	PfxRepNZ                         // 0xF2
	PfxRep                          // 0xF3
	PfxSegFS                        // 0x64
	PfxSegGS                        // 0x65
	PfxBranchHint                   // 0x2E
	PfxLock                         // 0xF0
	PfxRexW
	PfxRexR
	PfxRexX
	PfxRexB
	PfxRexPresent // an explicit REX byte was present, even if all bits clear (needed for SPL/BPL/SIL/DIL)
)

// EncodingForm names the operand-encoding schema an instruction uses,
// matching the decoder's naming and spec.md §4.5's list exactly.
type EncodingForm uint8

const (
	EncNone EncodingForm = iota
	EncMR                 // ModRM.rm is dest, ModRM.reg is src
	EncRM                 // ModRM.reg is dest, ModRM.rm is src
	EncMI                 // ModRM.rm is dest, immediate is src
	EncM1                 // ModRM.rm is dest, implicit shift-by-1
	EncMC                 // ModRM.rm is dest, implicit shift-by-CL
	EncRMI                // ModRM.reg is dest, ModRM.rm and imm are srcs (3-operand imul)
	EncOI                 // opcode+reg, immediate
	EncO                  // opcode+reg only (push/pop reg, bswap)
	EncI                  // immediate only
	EncIA                 // implicit accumulator + immediate
	EncD                  // relative displacement (jmp/jcc rel8/rel32)
	EncM                  // ModRM.rm only (single operand, e.g. neg/not/inc/dec, call/jmp indirect)
	EncNP                 // no operands
)

// VEXDesc captures the minimal VEX-prefix fields the encoder needs to
// reproduce a captured passthrough instruction's VEX encoding.
type VEXDesc struct {
	Present bool
	Use3Byte bool
	L        bool // 256-bit form
	PP       uint8 // mandatory-prefix equivalent encoded in VEX.pp
	MMMMM    uint8 // opcode-map selector (2-byte VEX only encodes 0F)
	Vvvv     uint8 // NDS/NDD register operand, ones'-complement encoded on the wire
	W        bool
}

// PassthroughDesc captures enough of a decoded instruction's raw
// encoding to re-emit it verbatim (with addressing-mode rewriting only)
// when the emulator does not model its semantics, per spec.md §3.
type PassthroughDesc struct {
	Prefixes  PrefixSet
	Opcode    [3]byte
	OpcodeLen uint8
	ModRMReg  int8 // -1 if the opcode digit is not encoded via ModRM.reg
	Encoding  EncodingForm
	VEX       *VEXDesc
}

// Instr is one x86-64 instruction, either freshly decoded or residual
// (captured by the emulator for re-encoding).
type Instr struct {
	Type InstrType

	Addr uint64 // source-program address this instruction was decoded from (0 for synthesized residuals)
	Len  uint8  // byte length as decoded; recomputed by the encoder on emission

	Form      Form
	ValueType ValueType

	NumOperands uint8
	Operands    [3]Operand

	Passthrough *PassthroughDesc
}

// IsPassthrough reports whether this instruction is re-emitted verbatim
// (with addressing-mode rewriting only) rather than semantically
// modeled by the emulator.
func (i *Instr) IsPassthrough() bool {
	return i.Type == Passthrough || i.Passthrough != nil
}
