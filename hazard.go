// Package hazard implements safe memory reclamation for lock-free data structures using hazard pointers.
//
// Readers of a lock-free structure publish the address they are about to dereference in a hazard slot
// before using it. Writers that unlink a block retire it instead of freeing it. Once a goroutine has retired
// a configurable number of blocks (the threshold) it scans all published hazard slots and hands every
// retired block nobody protects back to the Memory backend it came from.
//
// Goroutines participate through a Handle, acquired from a Pointers instance and released when done.
// A handle owns a fixed number of hazard slots and a private list of retired blocks.
//
//	hp, _ := hazard.NewPointers(64, nil)
//	h, _ := hp.Acquire()
//	defer h.Release()
//
//	node := h.Mark(&head) // head is an atomic.Uintptr holding a block address
//	...                   // node can be dereferenced until unmarked
//	h.Unmark()
//
//	if head.CompareAndSwap(node, next) {
//	  h.Retire(node, nodeLayout, nil)
//	}
//
// Block addresses are plain integers. The two bundled backends keep their blocks out of reach of the
// garbage collector: HeapMemory maps every block on its own and ArenaMemory serves slots from one region,
// both outside the Go heap.
//
// Memory ordering
//
// All hazard slot accesses use sync/atomic, which is sequentially consistent. The protocol needs the store
// publishing a hazard to be ordered before the load re-validating the shared location, a store-load
// ordering that plain acquire/release pairs would not give.
package hazard

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Options are used when creating a new Pointers instance.
type Options struct {
	// MaxHandles bounds the number of handles acquired at the same time, default is 2 * runtime.NumCPU().
	MaxHandles int
	// SlotsPerHandle is the number of hazard slots owned by each handle, default is 2.
	SlotsPerHandle int
	// Memory is the backend used when Retire is given a nil Memory, default is a HeapMemory.
	Memory Memory
}

// Pointers is a hazard pointer domain: a registry of hazard slots shared by all handles and the
// reclamation threshold they use.
type Pointers struct {
	threshold int
	memory    Memory
	reg       *registry

	// indexed by record id, a handle object is reused by every goroutine acquiring the same record
	handles []atomic.Pointer[Handle]

	// acquired handles plus acquires in flight
	users atomic.Int64
	state atomic.Int32

	stats opStats
}

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

func setDefaultOptions(options *Options) error {
	switch {
	case options.MaxHandles < 0:
		return errors.Wrapf(ErrConfiguration, "negative MaxHandles %d", options.MaxHandles)
	case options.SlotsPerHandle < 0 || options.SlotsPerHandle > MaxSlotsPerHandle:
		return errors.Wrapf(ErrConfiguration, "SlotsPerHandle %d out of range [0, %d]", options.SlotsPerHandle, MaxSlotsPerHandle)
	}
	if options.MaxHandles == 0 {
		options.MaxHandles = 2 * runtime.NumCPU()
	}
	if options.SlotsPerHandle == 0 {
		options.SlotsPerHandle = 2
	}
	if options.Memory == nil {
		options.Memory = NewHeapMemory()
	}
	return nil
}

// NewPointers creates a new hazard pointer domain. A handle runs a reclamation pass every time it has
// retired threshold blocks since its previous pass, threshold must be positive.
func NewPointers(threshold int, options *Options) (*Pointers, error) {
	if threshold <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "threshold must be positive, got %d", threshold)
	}
	var opts Options
	if options != nil {
		opts = *options
	}
	if err := setDefaultOptions(&opts); err != nil {
		return nil, err
	}
	reg, err := newRegistry(opts.MaxHandles, opts.SlotsPerHandle)
	if err != nil {
		return nil, err
	}
	p := &Pointers{
		threshold: threshold,
		memory:    opts.Memory,
		reg:       reg,
		handles:   make([]atomic.Pointer[Handle], opts.MaxHandles),
	}
	debugf("new domain: threshold %d, %d handles x %d slots", threshold, opts.MaxHandles, opts.SlotsPerHandle)
	return p, nil
}

// Threshold returns the number of retirements between two reclamation passes of a handle.
func (p *Pointers) Threshold() int {
	return p.threshold
}

// Memory returns the default backend.
func (p *Pointers) Memory() Memory {
	return p.memory
}

// Acquire reserves a handle for the calling goroutine. Handles previously released are reused before new
// ones are created; if MaxHandles handles are already acquired the error matches ErrAllocationFailure.
// The handle must be given back with Release.
func (p *Pointers) Acquire() (*Handle, error) {
	p.users.Add(1)
	for {
		st := p.state.Load()
		if st == stateOpen {
			break
		}
		if st == stateClosed {
			p.users.Add(-1)
			return nil, ErrClosed
		}
		// a Close is deciding, it either sees us and backs off or closes
		runtime.Gosched()
	}
	r, fresh, err := p.reg.acquire()
	if err != nil {
		p.users.Add(-1)
		return nil, err
	}
	h := p.handles[r.id].Load()
	if h == nil {
		h = newHandle(p, r)
		p.handles[r.id].Store(h)
	}
	h.released = false
	p.stats.acquired.Add(1)
	if fresh {
		debugf("handle %d created", r.id)
	}
	return h, nil
}

// Do acquires a handle, calls fn with it and releases it again.
func (p *Pointers) Do(fn func(h *Handle) error) error {
	h, err := p.Acquire()
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// Hazardous reports whether addr is currently published in any hazard slot.
func (p *Pointers) Hazardous(addr uintptr) bool {
	if addr == 0 || p.closed() {
		return false
	}
	return p.reg.hazardous(addr)
}

func (p *Pointers) closed() bool {
	return p.state.Load() == stateClosed
}

// Close frees every block still retired by any handle and releases the hazard slots.
// It fails with ErrBusy while handles are acquired. Blocks that cannot be deallocated are reported in the
// returned error. Acquire fails with ErrClosed afterwards.
func (p *Pointers) Close() error {
	for !p.state.CompareAndSwap(stateOpen, stateClosing) {
		if p.state.Load() == stateClosed {
			return nil
		}
		runtime.Gosched()
	}
	if n := p.users.Load(); n > 0 {
		p.state.Store(stateOpen)
		return errors.Wrapf(ErrBusy, "cannot close with %d handles acquired", n)
	}
	p.state.Store(stateClosed)
	var (
		err   error
		freed int
	)
	for i := range p.handles {
		h := p.handles[i].Load()
		if h == nil {
			continue
		}
		for _, r := range h.retired {
			if e := r.Memory.Deallocate(r.Addr, r.Layout); e != nil {
				err = errors.CombineErrors(err, e)
				continue
			}
			freed++
		}
		h.retired, h.counter = nil, 0
		h.pending.Store(0)
	}
	p.stats.reclaimed.Add(uint64(freed))
	infof("closed: %d retired blocks freed", freed)
	return errors.CombineErrors(err, p.reg.close())
}
