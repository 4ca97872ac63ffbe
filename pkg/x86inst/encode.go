package x86inst

import "github.com/oisee/x86rewrite/pkg/x86rw"

// Schema names the operand-encoding form an instruction is assembled
// with, matching spec.md §4.5's exact list and the decoder's naming.
type Schema uint8

const (
	SchemaNone Schema = iota
	SchemaMR
	SchemaRM
	SchemaMI
	SchemaM1
	SchemaMC
	SchemaRMI
	SchemaOI
	SchemaO
	SchemaI
	SchemaIA
	SchemaD
	SchemaM
	SchemaNP
)

// opcodeEntry maps an (InstrType, schema) pair onto the fixed opcode
// bytes and ModRM.reg digit (when the instruction group is selected via
// ModRM.reg rather than a distinct opcode byte).
type opcodeEntry struct {
	opcode   []byte // 1-3 bytes, not including 0x0F escape handling beyond being literal here
	digit    int8   // ModRM.reg digit, or -1 when not applicable
	imm8Form []byte // alternate opcode when the immediate fits a sign-extended imm8 (MI forms)
}

// Encoder assembles captured x86inst.Instr values into raw bytes. One
// Encoder is stateless and safe to reuse across every CBB in a rewrite.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

// Encode turns one instruction into its byte encoding. It mutates
// instr.Len to the number of bytes produced (spec.md §4.5's contract:
// "each instruction's addr/len set" happens at the call site once the
// arena address is known; Len is filled in here since it depends only
// on the bytes, not the address).
func (e *Encoder) Encode(instr *Instr) ([]byte, error) {
	applyPeepholes(instr)

	if instr.IsPassthrough() {
		b, err := e.encodePassthrough(instr)
		if err == nil {
			instr.Len = uint8(len(b))
		}
		return b, err
	}

	var b []byte
	var err error
	switch {
	case instr.Type == RET:
		b = []byte{0xc3}
	case instr.Type == CQO:
		b = []byte{0x48, 0x99}
	case instr.Type == CDQ:
		b = []byte{0x99}
	case instr.Type == JMPI, instr.Type == CALL:
		// Inter-CBB terminators (direct JMP/Jcc) are never captured as
		// body instructions — they are CBB metadata, written by
		// pkg/layout's Pass3 once final addresses are known. pkg/emu
		// inlines static CALLs and emits no CALL residual; a CALL that
		// does reach the encoder is, like JMPI, encoded as indirect
		// through its register/memory operand here.
		b, err = e.encodeIndirect(instr)
	case instr.Type.IsSetcc():
		b, err = e.encodeSetcc(instr)
	case instr.Type.IsCMovcc():
		b, err = e.encodeRM(instr, []byte{0x0f, byte(0x40 + instr.Type.CondCode())})
	case instr.Type == LEA:
		b, err = e.encodeRM(instr, []byte{0x8d})
	case instr.Type == MOVZX:
		b, err = e.encodeMovx(instr, 0xb6)
	case instr.Type == MOVSX:
		b, err = e.encodeMovx(instr, 0xbe)
	case instr.Type == MOVSXD:
		b, err = e.encodeRM(instr, []byte{0x63})
	case instr.Type == IMUL2:
		b, err = e.encodeRM(instr, []byte{0x0f, 0xaf})
	case instr.Type == IMUL3:
		b, err = e.encodeRMI(instr)
	case instr.Type == PUSH:
		b, err = e.encodePushPop(instr, true)
	case instr.Type == POP:
		b, err = e.encodePushPop(instr, false)
	case instr.Type == NOT, instr.Type == NEG, instr.Type == MUL, instr.Type == IMUL,
		instr.Type == DIV, instr.Type == IDIV:
		b, err = e.encodeUnaryM(instr)
	case instr.Type == INC, instr.Type == DEC:
		b, err = e.encodeIncDec(instr)
	case isArithLogic(instr.Type):
		b, err = e.encodeArith(instr)
	case isShift(instr.Type):
		b, err = e.encodeShift(instr)
	case instr.Type == MOV:
		b, err = e.encodeMov(instr)
	case instr.Type == XCHG:
		b, err = e.encodeXchg(instr)
	default:
		err = x86rw.New(x86rw.ModuleGenerator, x86rw.KindUnsupportedInstr, "no encoding for instr type %d", instr.Type)
	}
	if err != nil {
		return nil, err
	}
	instr.Len = uint8(len(b))
	return b, nil
}

func isArithLogic(t InstrType) bool {
	switch t {
	case ADD, OR, ADC, SBB, AND, SUB, XOR, CMP, TEST:
		return true
	}
	return false
}

func isShift(t InstrType) bool {
	switch t {
	case SHL, SHR, SAR, ROL, ROR:
		return true
	}
	return false
}

// arithDigit returns the ModRM.reg digit used by the 0x80/0x81/0x83
// immediate-group and 0x00-0x39 register-group arithmetic opcodes, in
// Intel's fixed order add/or/adc/sbb/and/sub/xor/cmp.
func arithDigit(t InstrType) byte {
	switch t {
	case ADD:
		return 0
	case OR:
		return 1
	case ADC:
		return 2
	case SBB:
		return 3
	case AND:
		return 4
	case SUB:
		return 5
	case XOR:
		return 6
	case CMP:
		return 7
	}
	return 0
}

func shiftDigit(t InstrType) byte {
	switch t {
	case ROL:
		return 0
	case ROR:
		return 1
	case SHL:
		return 4
	case SHR:
		return 5
	case SAR:
		return 7
	}
	return 4
}
