package x86inst

// Terminator byte builders used by pkg/layout's Pass3, once the final
// addresses of a CBB and its successor are known. These are kept
// outside Encoder.Encode because a CBB's terminator is not one of its
// captured body instructions (spec.md §3: "Carries: ordered captured
// instructions; terminator mnemonic" are distinct fields) and because
// its displacement cannot be computed until layout has run.

// EncodeJccRel8 emits the 2-byte short form `Jcc rel8`.
func EncodeJccRel8(cc int, rel int8) []byte {
	return []byte{byte(0x70 + cc&0xf), byte(rel)}
}

// EncodeJccRel32 emits the 6-byte near form `Jcc rel32` (0F 8x).
func EncodeJccRel32(cc int, rel int32) []byte {
	b := []byte{0x0f, byte(0x80 + cc&0xf), 0, 0, 0, 0}
	copy(b[2:], encodeDisp32(rel))
	return b
}

// EncodeJmpRel32 emits the 5-byte near form `JMP rel32`.
func EncodeJmpRel32(rel int32) []byte {
	b := []byte{0xe9, 0, 0, 0, 0}
	copy(b[1:], encodeDisp32(rel))
	return b
}

// EncodeJmpRel8 emits the 2-byte short form `JMP rel8`, used for the
// fall-through-skip jump when a hole is oversized relative to its
// eventual short encoding.
func EncodeJmpRel8(rel int8) []byte {
	return []byte{0xeb, byte(rel)}
}

const (
	JccRel8Len  = 2
	JccRel32Len = 6
	JmpRel32Len = 5
	JmpRel8Len  = 2
)
