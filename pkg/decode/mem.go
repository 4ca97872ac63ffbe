package decode

import "unsafe"

// byteAt reads one byte from host-process memory at addr+off. This is
// the only place pkg/decode touches unsafe: decoding instructions that
// live at an arbitrary address in the running process (rather than a
// byte slice the caller already owns) has no safe stdlib alternative,
// the same tradeoff pkg/codearena makes for its mmap'd pages.
func byteAt(addr uintptr, off int) byte {
	return *(*byte)(unsafe.Pointer(addr + uintptr(off)))
}

func bytesAt(addr uintptr, off, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byteAt(addr, off+i)
	}
	return out
}
