package hazard

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// freelist is a lock-free stack of slot indexes [0 - n).
// The head packs a 32 bit modification tag above the 32 bit index+1 of the top item, so a pop racing
// with a pop and push of the same index fails its CompareAndSwap instead of corrupting the stack (ABA).
type freelist struct {
	head atomic.Uint64
	_    cpu.CacheLinePad
	next []atomic.Uint32 // index+1 of the item below, 0 terminates
}

// newFreelist returns a freelist with n items.
// From start, all items are available and pop returns them in increasing order.
func newFreelist(n int) *freelist {
	f := &freelist{
		next: make([]atomic.Uint32, n),
	}
	for i := 0; i < n-1; i++ {
		f.next[i].Store(uint32(i + 2))
	}
	if n > 0 {
		f.head.Store(1)
	}
	return f
}

// pop removes an item, ok is false when the list is empty.
func (f *freelist) pop() (i int, ok bool) {
	for {
		h := f.head.Load()
		top := uint32(h)
		if top == 0 {
			return -1, false
		}
		next := f.next[top-1].Load()
		if f.head.CompareAndSwap(h, (h>>32+1)<<32|uint64(next)) {
			return int(top - 1), true
		}
	}
}

// push makes item i available again.
func (f *freelist) push(i int) {
	for {
		h := f.head.Load()
		f.next[i].Store(uint32(h))
		if f.head.CompareAndSwap(h, (h>>32+1)<<32|uint64(i+1)) {
			return
		}
	}
}

// available counts the items currently on the list. The result is only exact while the list is still.
func (f *freelist) available() (c int) {
	for top := uint32(f.head.Load()); top != 0 && c <= len(f.next); top = f.next[top-1].Load() {
		c++
	}
	return
}
