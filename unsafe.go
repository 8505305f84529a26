package hazard

import (
	"unsafe"
)

// Bytes returns the n bytes starting at addr as a byte slice.
// addr must be a live block obtained from a Memory backend and n must not exceed its size.
func Bytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(pointer(addr)), n)
}

// pointer turns a block address back into an unsafe.Pointer. Blocks of the bundled backends are mapped
// outside the Go heap, so the conversion never refers to memory the garbage collector manages.
func pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func zero(addr, n uintptr) {
	clear(unsafe.Slice((*byte)(pointer(addr)), n))
}

func addressOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
