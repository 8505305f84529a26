package hazard

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

func testRoundTrip(t *testing.T, m Memory, layouts []Layout) {
	var addrs []uintptr
	for _, l := range layouts {
		addr, err := m.Allocate(l)
		assertTrue(t, err == nil, "allocate failed")
		assertTrue(t, addr != 0)
		assertEqual(t, addr%l.Align, uintptr(0))
		// the whole block is writable
		b := Bytes(addr, int(l.Size))
		for i := range b {
			b[i] = byte(i)
		}
		addrs = append(addrs, addr)
	}
	for i, l := range layouts {
		assertTrue(t, m.Deallocate(addrs[i], l) == nil, "deallocate failed")
	}
	// freed twice
	assertTrue(t, errors.Is(m.Deallocate(addrs[0], layouts[0]), ErrInvalidBlock))
}

func TestHeapMemory(t *testing.T) {
	m := NewHeapMemory()
	testRoundTrip(t, m, []Layout{
		LayoutOf(1, 1),
		LayoutOf(24, 8),
		LayoutOf(100, 64),
		LayoutOf(4096, 4096),
	})
	blocks, bytes := m.Live()
	assertEqual(t, blocks, 0)
	assertEqual(t, bytes, int64(0))

	_, err := m.Allocate(LayoutOf(0, 8))
	assertTrue(t, errors.Is(err, ErrAllocationFailure))
	_, err = m.Allocate(LayoutOf(8, 3))
	assertTrue(t, errors.Is(err, ErrAllocationFailure))

	addr, _ := m.Allocate(LayoutOf(32, 8))
	blocks, bytes = m.Live()
	assertEqual(t, blocks, 1)
	assertEqual(t, bytes, int64(32))
	// wrong layout, foreign backend, unknown address
	assertTrue(t, errors.Is(m.Deallocate(addr, LayoutOf(16, 8)), ErrInvalidBlock))
	assertTrue(t, errors.Is(NewHeapMemory().Deallocate(addr, LayoutOf(32, 8)), ErrInvalidBlock))
	assertTrue(t, errors.Is(m.Deallocate(addr+8, LayoutOf(32, 8)), ErrInvalidBlock))
	assertTrue(t, m.Deallocate(addr, LayoutOf(32, 8)) == nil)
}

func TestHeapMemoryOutsideGoHeap(t *testing.T) {
	m := NewHeapMemory()
	l := LayoutOf(24, 8)
	var addrs []uintptr
	for i := 0; i < 16; i++ {
		addr, err := m.Allocate(l)
		assertTrue(t, err == nil)
		// every block is a mapping of its own
		assertEqual(t, addr%pageSize, uintptr(0))
		*(*uint64)(pointer(addr)) = uint64(i)
		addrs = append(addrs, addr)
	}
	for i, addr := range addrs {
		assertEqual(t, *(*uint64)(pointer(addr)), uint64(i))
		assertTrue(t, m.Deallocate(addr, l) == nil)
	}

	// alignments above the page size
	big := LayoutOf(8, 4*pageSize)
	addr, err := m.Allocate(big)
	assertTrue(t, err == nil)
	assertEqual(t, addr%big.Align, uintptr(0))
	Bytes(addr, int(big.Size))[7] = 1
	assertTrue(t, m.Deallocate(addr, big) == nil)
}

func TestHeapMemoryLimits(t *testing.T) {
	m := NewHeapMemory()
	for _, l := range []Layout{
		{Size: ^uintptr(0), Align: 2},
		{Size: ^uintptr(0) >> 1, Align: 8},
		{Size: MaxBlockSize + 1, Align: 8},
		{Size: 8, Align: ^uintptr(0)>>1 + 1},
	} {
		addr, err := m.Allocate(l)
		assertTrue(t, errors.Is(err, ErrAllocationFailure), "expected ErrAllocationFailure for "+l.String())
		assertEqual(t, addr, uintptr(0))
	}
	blocks, _ := m.Live()
	assertEqual(t, blocks, 0)
}

func TestArenaMemory(t *testing.T) {
	a, err := NewArenaMemory(100, 0, 8)
	assertTrue(t, err == nil)
	defer a.Close()
	assertEqual(t, a.SlotSize(), alignUp(100, Cacheline))
	assertTrue(t, a.Mapped() >= 8*int(a.SlotSize()))

	testRoundTrip(t, a, []Layout{
		LayoutOf(100, 8),
		LayoutOf(1, 1),
		LayoutOf(64, Cacheline),
	})
	assertEqual(t, a.Allocated(), 0)
	assertEqual(t, a.Available(), 8)

	_, err = a.Allocate(LayoutOf(101, 8))
	assertTrue(t, errors.Is(err, ErrAllocationFailure), "oversized layout")
	_, err = a.Allocate(LayoutOf(8, 2*Cacheline))
	assertTrue(t, errors.Is(err, ErrAllocationFailure), "over-aligned layout")

	addr, _ := a.Allocate(LayoutOf(100, 8))
	i, ok := a.Index(addr)
	assertTrue(t, ok)
	assertTrue(t, i >= 0 && i < 8)
	_, ok = a.Index(addr + 1)
	assertFalse(t, ok)
	assertTrue(t, errors.Is(a.Deallocate(addr+1, LayoutOf(100, 8)), ErrInvalidBlock))
	assertTrue(t, errors.Is(a.Deallocate(addr, LayoutOf(200, 8)), ErrInvalidBlock))
	assertTrue(t, a.Deallocate(addr, LayoutOf(100, 8)) == nil)

	// blocks are zeroed on allocation
	addr, _ = a.Allocate(LayoutOf(100, 8))
	for _, b := range Bytes(addr, 100) {
		if b != 0 {
			t.Fatalf("slot %#x not zeroed", addr)
		}
	}
}

func TestArenaCapacity(t *testing.T) {
	l := LayoutOf(48, 16)
	a, err := NewArenaMemory(l.Size, l.Align, 4)
	assertTrue(t, err == nil)
	defer a.Close()

	var addrs []uintptr
	for i := 0; i < 4; i++ {
		addr, err := a.Allocate(l)
		assertTrue(t, err == nil)
		addrs = append(addrs, addr)
	}
	_, err = a.Allocate(l)
	assertTrue(t, errors.Is(err, ErrAllocationFailure), "expected exhausted arena")
	assertEqual(t, a.Available(), 0)

	assertTrue(t, a.Deallocate(addrs[2], l) == nil)
	addr, err := a.Allocate(l)
	assertTrue(t, err == nil)
	assertEqual(t, addr, addrs[2])
}

func TestArenaConfiguration(t *testing.T) {
	var tests = []struct {
		size, align uintptr
		capacity    int
	}{
		{0, 8, 4},
		{8, 3, 4},
		{8, 1 << 20, 4},
		{8, 8, 0},
		{8, 8, -1},
		{^uintptr(0), 8, 4},
		{MaxBlockSize + 1, 8, 1},
		{MaxBlockSize, 0, 1 << 24},
		{MaxBlockSize, 0, 8},
	}
	for _, tt := range tests {
		_, err := NewArenaMemory(tt.size, tt.align, tt.capacity)
		assertTrue(t, errors.Is(err, ErrConfiguration))
	}
}

func TestArenaLayoutMismatch(t *testing.T) {
	a, err := NewArenaMemory(64, 16, 4)
	assertTrue(t, err == nil)
	defer a.Close()

	l := LayoutOf(8, 8)
	addr, _ := a.Allocate(l)
	// fits the slot, but not the layout the block was issued with
	assertTrue(t, errors.Is(a.Deallocate(addr, LayoutOf(32, 16)), ErrInvalidBlock))
	assertTrue(t, errors.Is(a.Deallocate(addr, LayoutOf(8, 16)), ErrInvalidBlock))
	assertEqual(t, a.Allocated(), 1)
	assertTrue(t, a.Deallocate(addr, l) == nil)

	// a recycled slot takes the layout of its new block
	addr, _ = a.Allocate(LayoutOf(32, 16))
	assertTrue(t, errors.Is(a.Deallocate(addr, l), ErrInvalidBlock))
	assertTrue(t, a.Deallocate(addr, LayoutOf(32, 16)) == nil)
}

func TestArenaConcurrent(t *testing.T) {
	const (
		N       = 256
		workers = 8
	)
	a, err := NewArenaMemory(32, 0, N)
	assertTrue(t, err == nil)
	defer a.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l := LayoutOf(32, 8)
			held := make([]uintptr, 0, N/workers)
			for round := 0; round < 200; round++ {
				for len(held) < N/workers {
					addr, err := a.Allocate(l)
					if err != nil {
						t.Errorf("allocate: %v", err)
						return
					}
					// a slot handed out twice would lose this mark
					*(*uint64)(pointer(addr)) = uint64(w)
					held = append(held, addr)
				}
				for _, addr := range held {
					if *(*uint64)(pointer(addr)) != uint64(w) {
						t.Errorf("slot %#x shared between workers", addr)
					}
					if err := a.Deallocate(addr, l); err != nil {
						t.Errorf("deallocate: %v", err)
					}
				}
				held = held[:0]
			}
		}(w)
	}
	wg.Wait()
	assertEqual(t, a.Allocated(), 0)
	assertEqual(t, a.free.available(), N)
}

func TestFreelist(t *testing.T) {
	N := 100
	f := newFreelist(N)
	assertTrue(t, f.available() == N)
	reserved := make(map[int]bool)
	// remove all items, asserting they are not reserved
	for i := 0; i < N; i++ {
		a, ok := f.pop()
		assertTrue(t, ok)
		assertEqual(t, a, i)
		assertFalse(t, reserved[a])
		reserved[a] = true
	}
	_, ok := f.pop()
	assertFalse(t, ok)
	assertTrue(t, f.available() == 0)
	// return all items
	for i := 0; i < N; i++ {
		f.push(i)
	}
	assertTrue(t, f.available() == N)
	// last pushed is popped first
	a, _ := f.pop()
	assertEqual(t, a, N-1)
}
