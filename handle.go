package hazard

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"
)

// Retired is a block waiting for reclamation, with what it takes to free it later.
type Retired struct {
	Addr   uintptr
	Layout Layout
	Memory Memory
}

// A Handle gives a goroutine its hazard slots and its list of retired blocks.
// Handles are obtained with Pointers.Acquire and given back with Release. A handle is not safe for
// concurrent use and must not be used after Release.
type Handle struct {
	p   *Pointers
	rec *record
	id  int

	retired  []Retired
	counter  int // retirements since the last pass
	released bool

	// protected addresses, reused by every pass
	protected map[uintptr]struct{}

	// retired blocks not yet freed, readable by other goroutines
	pending atomic.Int64

	// local counters, folded into the domain stats by FlushStats
	marks       uint64
	markRetries uint64
	retires     uint64

	// cache padding
	_ cpu.CacheLinePad
}

func newHandle(p *Pointers, r *record) *Handle {
	return &Handle{
		p:         p,
		rec:       r,
		id:        int(r.id),
		protected: make(map[uintptr]struct{}),
	}
}

// ID returns the handle id, stable for the lifetime of the Pointers instance.
func (h *Handle) ID() int {
	return h.id
}

// Slots returns the number of hazard slots owned by the handle.
func (h *Handle) Slots() int {
	return h.p.reg.slots
}

func (h *Handle) slot(i int) *atomic.Uintptr {
	if h.released {
		panic("hazard: use of released handle")
	}
	if i < 0 || i >= h.p.reg.slots {
		panic(fmt.Sprintf("hazard: slot %d out of range [0, %d)", i, h.p.reg.slots))
	}
	return h.rec.slot(i)
}

// Mark protects the block whose address is stored at loc using hazard slot 0 and returns that address.
// See MarkAt.
func (h *Handle) Mark(loc *atomic.Uintptr) uintptr {
	return h.MarkAt(0, loc)
}

// MarkAt loads the address stored at loc, publishes it in hazard slot i and loads loc again, repeating
// until the published value is still the current one. The returned address cannot be reclaimed until the
// slot is cleared or overwritten, even if it is unlinked and retired meanwhile.
// A zero address is returned if loc holds zero.
func (h *Handle) MarkAt(i int, loc *atomic.Uintptr) uintptr {
	s := h.slot(i)
	h.marks++
	p := loc.Load()
	for {
		s.Store(p)
		q := loc.Load()
		if q == p {
			return p
		}
		// loc changed before our hazard was visible, the block may already be retired
		h.markRetries++
		p = q
	}
}

// MarkPtr publishes addr in hazard slot 0 without validation. See MarkPtrAt.
func (h *Handle) MarkPtr(addr uintptr) uintptr {
	return h.MarkPtrAt(0, addr)
}

// MarkPtrAt publishes addr in hazard slot i without re-reading any shared location. The caller must have
// obtained addr through an operation which already proves it has not been retired, like a successful
// CompareAndSwap or a location loaded after another protected block was marked.
func (h *Handle) MarkPtrAt(i int, addr uintptr) uintptr {
	h.slot(i).Store(addr)
	h.marks++
	return addr
}

// Unmark clears hazard slot 0.
func (h *Handle) Unmark() {
	h.UnmarkAt(0)
}

// UnmarkAt clears hazard slot i, the block it protected may be reclaimed by any later pass.
func (h *Handle) UnmarkAt(i int) {
	h.slot(i).Store(0)
}

// UnmarkAll clears all hazard slots of the handle.
func (h *Handle) UnmarkAll() {
	for i := 0; i < h.p.reg.slots; i++ {
		h.slot(i).Store(0)
	}
}

// Retire hands the block at addr, already unlinked from every shared structure, over for reclamation.
// The block is freed with mem.Deallocate(addr, layout) once no hazard slot holds it; a nil mem means the
// default Memory of the Pointers instance.
//
// Every threshold retirements Retire runs a reclamation pass on the calling goroutine. Blocks whose
// Deallocate fails during that pass stay retired for the next pass, and the failures are returned.
func (h *Handle) Retire(addr uintptr, layout Layout, mem Memory) error {
	if h.released {
		panic("hazard: use of released handle")
	}
	if addr == 0 {
		return errors.Wrap(ErrInvalidBlock, "retiring zero address")
	}
	if mem == nil {
		mem = h.p.memory
	}
	h.retired = append(h.retired, Retired{Addr: addr, Layout: layout, Memory: mem})
	h.pending.Add(1)
	h.retires++
	h.counter++
	if h.counter < h.p.threshold {
		return nil
	}
	_, err := h.Reclaim()
	return err
}

// Reclaim runs a reclamation pass: every retired block not published in any hazard slot is deallocated.
// It returns the number of blocks freed; blocks whose Deallocate fails stay retired and their errors are
// combined in err.
func (h *Handle) Reclaim() (freed int, err error) {
	if h.released {
		panic("hazard: use of released handle")
	}
	h.counter = 0
	protected := h.p.reg.protected(h.protected)
	kept := h.retired[:0]
	for _, r := range h.retired {
		if _, ok := protected[r.Addr]; ok {
			kept = append(kept, r)
			continue
		}
		if e := r.Memory.Deallocate(r.Addr, r.Layout); e != nil {
			err = errors.CombineErrors(err, errors.Wrapf(e, "reclaiming %#x", r.Addr))
			kept = append(kept, r)
			continue
		}
		freed++
	}
	// drop references held by the tail
	for i := len(kept); i < len(h.retired); i++ {
		h.retired[i] = Retired{}
	}
	deferred := len(kept)
	h.retired = kept
	h.pending.Store(int64(deferred))

	h.p.stats.scans.Add(1)
	h.p.stats.reclaimed.Add(uint64(freed))
	h.p.stats.deferred.Add(uint64(deferred))
	if err != nil {
		h.p.stats.failures.Add(1)
		warnf("handle %d: reclamation pass kept %d blocks: %v", h.id, deferred, err)
	} else {
		debugf("handle %d: reclamation pass freed %d, deferred %d, %d hazards", h.id, freed, deferred, len(protected))
	}
	return freed, err
}

// Pending returns the number of blocks retired by this handle and not freed yet.
func (h *Handle) Pending() int {
	return len(h.retired)
}

// FlushStats updates the domain stats with the handle's private counters.
func (h *Handle) FlushStats() {
	h.p.stats.marks.Add(h.marks)
	h.p.stats.markRetries.Add(h.markRetries)
	h.p.stats.retired.Add(h.retires)
	h.marks, h.markRetries, h.retires = 0, 0, 0
}

// Release clears the handle's hazard slots and gives it back. Retired blocks not yet freed stay with the
// handle and are reclaimed by the next goroutine acquiring it, or by Pointers.Close.
func (h *Handle) Release() {
	if h.released {
		panic("hazard: handle released twice")
	}
	h.FlushStats()
	h.released = true
	h.p.stats.released.Add(1)
	h.p.reg.release(h.rec)
	h.p.users.Add(-1)
}
