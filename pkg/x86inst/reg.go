// Package x86inst is the typed instruction model shared by the decoder,
// emulator, and encoder: registers, operands, instructions, and the
// opcode/encoding catalog. It carries no notion of capture state — that
// lives in pkg/emu — only the static shape of an x86-64 instruction.
package x86inst

// RegKind distinguishes register classes. An index is only meaningful
// together with its Kind: GP64 index 0 is RAX, XMM index 0 is XMM0, etc.
type RegKind uint8

const (
	GP8 RegKind = iota // AL, CL, ... R15B
	GP8H                // AH, CH, DH, BH — legacy high-byte, no REX
	GP16
	GP32
	GP64
	XMM
	YMM
	ZMM
	FlagReg
	IPReg
)

// Reg is a register identity: kind + numeric index. REX/VEX extension
// bits are never stored here — the encoder recomputes them from the
// index, per spec.md §3.
type Reg struct {
	Kind  RegKind
	Index uint8 // 0-15 for GP and vector kinds; unused for FlagReg/IPReg
}

// Flag bit indices within Reg{Kind: FlagReg}.
const (
	FlagZF uint8 = iota
	FlagCF
	FlagSF
	FlagOF
	FlagPF
)

var gp64Names = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var gp32Names = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var gp16Names = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var gp8Names = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
var gp8hNames = [4]string{"ah", "ch", "dh", "bh"}
var flagNames = [5]string{"zf", "cf", "sf", "of", "pf"}

func (r Reg) String() string {
	switch r.Kind {
	case GP64:
		return gp64Names[r.Index&0xf]
	case GP32:
		return gp32Names[r.Index&0xf]
	case GP16:
		return gp16Names[r.Index&0xf]
	case GP8:
		return gp8Names[r.Index&0xf]
	case GP8H:
		return gp8hNames[r.Index&0x3]
	case XMM:
		return "xmm" + itoa(int(r.Index))
	case YMM:
		return "ymm" + itoa(int(r.Index))
	case ZMM:
		return "zmm" + itoa(int(r.Index))
	case FlagReg:
		return flagNames[r.Index%5]
	case IPReg:
		return "rip"
	default:
		return "?"
	}
}

// Width returns the register's width in bits, or 0 for FlagReg/IPReg
// (callers should special-case those).
func (r Reg) Width() int {
	switch r.Kind {
	case GP8, GP8H:
		return 8
	case GP16:
		return 16
	case GP32:
		return 32
	case GP64, IPReg:
		return 64
	case XMM:
		return 128
	case YMM:
		return 256
	case ZMM:
		return 512
	default:
		return 0
	}
}

// System V AMD64 calling-convention register order for integer args.
var ParamRegs = [6]Reg{
	{Kind: GP64, Index: 7}, // RDI
	{Kind: GP64, Index: 6}, // RSI
	{Kind: GP64, Index: 2}, // RDX
	{Kind: GP64, Index: 1}, // RCX
	{Kind: GP64, Index: 8}, // R8
	{Kind: GP64, Index: 9}, // R9
}

// CalleeSaved lists the registers a callee must preserve.
var CalleeSaved = []Reg{
	{Kind: GP64, Index: 3},  // RBX
	{Kind: GP64, Index: 5},  // RBP
	{Kind: GP64, Index: 12}, // R12
	{Kind: GP64, Index: 13}, // R13
	{Kind: GP64, Index: 14}, // R14
	{Kind: GP64, Index: 15}, // R15
}

const (
	RegRAX = 0
	RegRCX = 1
	RegRDX = 2
	RegRBX = 3
	RegRSP = 4
	RegRBP = 5
	RegRSI = 6
	RegRDI = 7
)

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
