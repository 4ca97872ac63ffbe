package x86inst

// SegOverride names a segment-override prefix relevant to effective
// address computation (spec.md §3: only fs/gs matter for this core).
type SegOverride uint8

const (
	SegNone SegOverride = iota
	SegFS
	SegGS
)

// OperandKind tags which variant of Operand is in play. Operand itself
// stays a single struct (Go has no tagged unions) with Kind selecting
// which fields are meaningful — mirroring the teacher's compact,
// trivially-copyable State/Instruction value types.
type OperandKind uint8

const (
	OKNone OperandKind = iota
	OKImm
	OKReg
	OKMem
)

// Operand is a tagged variant of: immediate, register, or indirect
// memory reference base+index*scale+disp, per spec.md §3.
type Operand struct {
	Kind OperandKind

	// OKImm
	ImmWidth uint8 // 8, 16, 32, 64
	ImmValue int64

	// OKReg
	Reg Reg

	// OKMem
	Base     Reg
	HasBase  bool
	Index    Reg
	HasIndex bool
	Scale    uint8 // 0, 1, 2, 4, 8 (0 meaning "no index" is also valid when HasIndex is false)
	Disp     int64
	Seg      SegOverride
	MemWidth uint8 // bits; size of the access through this memory operand
}

// Imm builds an immediate operand.
func Imm(width uint8, value int64) Operand {
	return Operand{Kind: OKImm, ImmWidth: width, ImmValue: value}
}

// RegOp builds a register operand.
func RegOp(r Reg) Operand {
	return Operand{Kind: OKReg, Reg: r}
}

// Mem builds a memory operand base+index*scale+disp.
func Mem(base Reg, hasBase bool, index Reg, hasIndex bool, scale uint8, disp int64, seg SegOverride, width uint8) Operand {
	return Operand{
		Kind: OKMem, Base: base, HasBase: hasBase, Index: index, HasIndex: hasIndex,
		Scale: scale, Disp: disp, Seg: seg, MemWidth: width,
	}
}

// IsRIPRelative reports whether this memory operand addresses
// rip+disp32 (mod=00,r/m=101 in the decoder/encoder's convention).
func (o Operand) IsRIPRelative() bool {
	return o.Kind == OKMem && !o.HasBase && !o.HasIndex
}
