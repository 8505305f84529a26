//go:build unix

package hazard

import "golang.org/x/sys/unix"

// mapRegion maps n bytes of anonymous memory outside the Go heap.
func mapRegion(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}
