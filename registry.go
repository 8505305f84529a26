package hazard

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// A record is the published part of a handle. Records live in an ArenaMemory, one per cache line aligned
// slot, and are laid out as
//
//	[ active (4 bytes) - id (4 bytes) - next (8 bytes) - hazard slot 0 - ... - hazard slot n-1 ]
//
// A hazard slot holding 0 is free, any other value is an address protected from reclamation.
// Records are never unlinked: once published, a record stays on the registry list until the
// registry is released, so a walk of the list can run concurrently with insertions.
type record struct {
	active atomic.Uint32
	id     uint32
	next   uintptr // written before the record is published, never changed afterwards
}

const (
	recordHeader = unsafe.Sizeof(record{})
	slotSize     = unsafe.Sizeof(uintptr(0))

	// MaxSlotsPerHandle is the largest number of hazard slots a handle may own.
	MaxSlotsPerHandle = 64
)

func recordAt(addr uintptr) *record {
	return (*record)(pointer(addr))
}

func (r *record) addr() uintptr {
	return uintptr(unsafe.Pointer(r))
}

// slot returns hazard slot i of the record.
func (r *record) slot(i int) *atomic.Uintptr {
	return (*atomic.Uintptr)(unsafe.Add(unsafe.Pointer(r), recordHeader+uintptr(i)*slotSize))
}

// registry is the lock-free list of all records handed out by a Pointers instance.
type registry struct {
	head   atomic.Uintptr // most recently published record
	arena  *ArenaMemory
	layout Layout
	slots  int

	created atomic.Int32
	active  atomic.Int32
}

func newRegistry(maxHandles, slots int) (*registry, error) {
	layout := LayoutOf(recordHeader+uintptr(slots)*slotSize, Cacheline)
	arena, err := NewArenaMemory(layout.Size, layout.Align, maxHandles)
	if err != nil {
		return nil, err
	}
	return &registry{arena: arena, layout: layout, slots: slots}, nil
}

// acquire claims an inactive record, or publishes a new one if every record is in use.
// fresh reports whether the record was created by this call.
func (reg *registry) acquire() (r *record, fresh bool, err error) {
	for it := reg.iterator(); it.Next(); {
		r = it.record()
		if r.active.Load() == 0 && r.active.CompareAndSwap(0, 1) {
			reg.active.Add(1)
			return r, false, nil
		}
	}
	addr, err := reg.arena.Allocate(reg.layout)
	if err != nil {
		return nil, false, errors.Wrapf(err, "too many handles (max %d)", reg.arena.Capacity())
	}
	r = recordAt(addr)
	id, _ := reg.arena.Index(addr)
	r.id = uint32(id)
	r.active.Store(1)
	for {
		head := reg.head.Load()
		r.next = head
		if reg.head.CompareAndSwap(head, addr) {
			break
		}
	}
	reg.created.Add(1)
	reg.active.Add(1)
	return r, true, nil
}

// release clears every hazard slot of r and makes it available to the next acquire.
func (reg *registry) release(r *record) {
	for i := 0; i < reg.slots; i++ {
		r.slot(i).Store(0)
	}
	r.active.Store(0)
	reg.active.Add(-1)
}

// protected fills set with every address currently published in any hazard slot and returns it.
func (reg *registry) protected(set map[uintptr]struct{}) map[uintptr]struct{} {
	clear(set)
	for it := reg.iterator(); it.Next(); {
		r := it.record()
		for i := 0; i < reg.slots; i++ {
			if p := r.slot(i).Load(); p != 0 {
				set[p] = struct{}{}
			}
		}
	}
	return set
}

// hazardous reports whether any hazard slot currently holds p.
func (reg *registry) hazardous(p uintptr) bool {
	for it := reg.iterator(); it.Next(); {
		r := it.record()
		for i := 0; i < reg.slots; i++ {
			if r.slot(i).Load() == p {
				return true
			}
		}
	}
	return false
}

func (reg *registry) close() error {
	return reg.arena.Close()
}
