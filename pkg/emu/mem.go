package emu

import "unsafe"

// readHostMemory reads a little-endian value of the given bit width
// directly from host-process memory. Used only for loads through a
// registered constant-data range (pkg/memrange) — the same
// unsafe-pointer tradeoff pkg/decode makes to read instruction bytes
// at an arbitrary live address, and for the same reason: there is no
// safe stdlib way to read memory the Go runtime didn't allocate.
func readHostMemory(addr uintptr, width uint8) uint64 {
	n := int(width / 8)
	if n == 0 || n > 8 {
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		b := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		v |= uint64(b) << (8 * i)
	}
	return v
}
