//go:build !unix

package hazard

// mapRegion falls back to a page aligned Go heap slice, it holds no pointers and is kept alive by its owner.
func mapRegion(n int) ([]byte, error) {
	buf := make([]byte, n+int(pageSize))
	off := int(alignUp(addressOf(buf), pageSize) - addressOf(buf))
	return buf[off : off+n : off+n], nil
}

func unmapRegion(region []byte) error {
	return nil
}
