package hazard

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"
)

// Cacheline is the cache line size of the running architecture, the default alignment of arena slots.
const Cacheline = unsafe.Sizeof(cpu.CacheLinePad{})

// maxArenaAlign bounds slot alignment to what a freshly mapped region can honour cheaply.
const maxArenaAlign = 1 << 16

const (
	slotFree uint32 = iota
	slotAllocated
)

// ArenaMemory is a Memory backend serving fixed size, aligned slots carved out of one contiguous region
// mapped at construction. It never grows: once all slots are allocated Allocate fails with
// ErrAllocationFailure until a slot is deallocated.
//
// Slots are recycled through a lock-free free-list and every slot starts on an alignment boundary, so with
// the default cache line alignment no two slots share a cache line.
//
// ArenaMemory is safe for concurrent use.
type ArenaMemory struct {
	region []byte
	base   uintptr
	stride uintptr // slot size rounded up to align
	size   uintptr
	align  uintptr

	free  *freelist
	slots []arenaSlot

	allocated atomic.Int64
	closed    atomic.Bool
}

// arenaSlot tracks a slot and the layout it was issued with.
type arenaSlot struct {
	state atomic.Uint32
	size  atomic.Uintptr
	align atomic.Uintptr
}

// NewArenaMemory maps a region of capacity slots, each able to hold a block of up to size bytes aligned to
// align bytes. A zero align means Cacheline.
func NewArenaMemory(size, align uintptr, capacity int) (*ArenaMemory, error) {
	if align == 0 {
		align = Cacheline
	}
	switch {
	case size == 0:
		return nil, errors.Wrap(ErrConfiguration, "arena slot size must be positive")
	case align&(align-1) != 0 || align > maxArenaAlign:
		return nil, errors.Wrapf(ErrConfiguration, "arena alignment %d must be a power of two up to %d", align, maxArenaAlign)
	case size > MaxBlockSize:
		return nil, errors.Wrapf(ErrConfiguration, "arena slot size %d exceeds %d", size, uintptr(MaxBlockSize))
	case capacity <= 0 || capacity > 1<<30:
		return nil, errors.Wrapf(ErrConfiguration, "arena capacity %d out of range", capacity)
	}
	stride := alignUp(size, align)
	if stride > (math.MaxInt-align)/uintptr(capacity) {
		return nil, errors.Wrapf(ErrConfiguration, "arena of %d x %d bytes too large", capacity, stride)
	}
	// map one extra alignment unit so the first slot can be moved to a boundary
	region, err := mapRegion(int(stride)*capacity + int(align))
	if err != nil {
		return nil, errors.Wrapf(ErrAllocationFailure, "mapping arena of %d x %d bytes: %v", capacity, stride, err)
	}
	a := &ArenaMemory{
		region: region,
		base:   alignUp(addressOf(region), align),
		stride: stride,
		size:   size,
		align:  align,
		free:   newFreelist(capacity),
		slots:  make([]arenaSlot, capacity),
	}
	return a, nil
}

// Allocate implements Memory.
func (a *ArenaMemory) Allocate(layout Layout) (uintptr, error) {
	if !layout.valid() {
		return 0, invalidLayout(ErrAllocationFailure, layout)
	}
	if layout.Size > a.size || layout.Align > a.align {
		return 0, errors.Wrapf(ErrAllocationFailure, "layout %v does not fit arena slot {size %d, align %d}", layout, a.size, a.align)
	}
	if a.closed.Load() {
		return 0, errors.Wrap(ErrAllocationFailure, "arena released")
	}
	i, ok := a.free.pop()
	if !ok {
		return 0, errors.Wrapf(ErrAllocationFailure, "arena exhausted, all %d slots allocated", len(a.slots))
	}
	s := &a.slots[i]
	if !s.state.CompareAndSwap(slotFree, slotAllocated) {
		panic(errors.AssertionFailedf("arena slot %d on free-list while allocated", i))
	}
	s.size.Store(layout.Size)
	s.align.Store(layout.Align)
	addr := a.base + uintptr(i)*a.stride
	zero(addr, a.stride)
	a.allocated.Add(1)
	return addr, nil
}

// Deallocate implements Memory.
func (a *ArenaMemory) Deallocate(addr uintptr, layout Layout) error {
	i, ok := a.Index(addr)
	if !ok {
		return errors.Wrapf(ErrInvalidBlock, "block %#x not issued by arena", addr)
	}
	s := &a.slots[i]
	if s.state.Load() != slotAllocated {
		return errors.Wrapf(ErrInvalidBlock, "block %#x already free", addr)
	}
	if issued := LayoutOf(s.size.Load(), s.align.Load()); issued != layout {
		return errors.Wrapf(ErrInvalidBlock, "block %#x allocated as %v, freed as %v", addr, issued, layout)
	}
	if !s.state.CompareAndSwap(slotAllocated, slotFree) {
		return errors.Wrapf(ErrInvalidBlock, "block %#x already free", addr)
	}
	a.allocated.Add(-1)
	a.free.push(i)
	return nil
}

// Index returns the slot number of addr, ok is false if addr is not the start of a slot of this arena.
func (a *ArenaMemory) Index(addr uintptr) (i int, ok bool) {
	if addr < a.base {
		return -1, false
	}
	off := addr - a.base
	if off%a.stride != 0 || off/a.stride >= uintptr(len(a.slots)) {
		return -1, false
	}
	return int(off / a.stride), true
}

// SlotSize returns the distance in bytes between two consecutive slots.
func (a *ArenaMemory) SlotSize() uintptr {
	return a.stride
}

// Capacity returns the number of slots in the arena.
func (a *ArenaMemory) Capacity() int {
	return len(a.slots)
}

// Allocated returns the number of slots currently allocated.
func (a *ArenaMemory) Allocated() int {
	return int(a.allocated.Load())
}

// Available returns the number of slots that can still be allocated.
func (a *ArenaMemory) Available() int {
	return len(a.slots) - a.Allocated()
}

// Mapped returns the size of the backing region in bytes.
func (a *ArenaMemory) Mapped() int {
	return len(a.region)
}

// Close unmaps the region. All blocks of the arena become invalid, the caller must ensure none is in use.
func (a *ArenaMemory) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unmapRegion(a.region)
}
