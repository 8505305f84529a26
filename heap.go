package hazard

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var pageSize = uintptr(os.Getpagesize())

// HeapMemory is a Memory backend serving every block with its own anonymous mapping, rounded up to whole
// pages. Blocks live outside the Go heap, so block addresses can be stored as plain integers by lock-free
// structures and turned back into pointers without the garbage collector or the pointer checks of the
// race detector getting involved.
//
// HeapMemory suits blocks of varying layouts and low allocation rates; many small blocks of one size are
// better served by an ArenaMemory.
//
// HeapMemory is safe for concurrent use.
type HeapMemory struct {
	blocks sync.Map // uintptr -> *heapBlock

	live      atomic.Int64
	liveBytes atomic.Int64
}

type heapBlock struct {
	region []byte
	layout Layout
}

// NewHeapMemory returns an empty heap backend.
func NewHeapMemory() *HeapMemory {
	return new(HeapMemory)
}

// Allocate implements Memory.
func (m *HeapMemory) Allocate(layout Layout) (uintptr, error) {
	if !layout.valid() {
		return 0, invalidLayout(ErrAllocationFailure, layout)
	}
	if layout.Size > MaxBlockSize || layout.Align > MaxBlockSize {
		return 0, errors.Wrapf(ErrAllocationFailure, "layout %v exceeds %d bytes", layout, uintptr(MaxBlockSize))
	}
	// mappings start on a page boundary, larger alignments need room to move the start
	n := alignUp(layout.Size, pageSize)
	if layout.Align > pageSize {
		n += layout.Align
	}
	region, err := mapRegion(int(n))
	if err != nil {
		return 0, errors.Wrapf(ErrAllocationFailure, "mapping %d bytes for %v: %v", n, layout, err)
	}
	addr := alignUp(addressOf(region), layout.Align)
	if _, loaded := m.blocks.LoadOrStore(addr, &heapBlock{region: region, layout: layout}); loaded {
		unmapRegion(region)
		return 0, errors.Wrapf(ErrAllocationFailure, "heap block %#x issued twice", addr)
	}
	m.live.Add(1)
	m.liveBytes.Add(int64(layout.Size))
	return addr, nil
}

// Deallocate implements Memory.
func (m *HeapMemory) Deallocate(addr uintptr, layout Layout) error {
	v, ok := m.blocks.Load(addr)
	if !ok {
		return errors.Wrapf(ErrInvalidBlock, "block %#x not issued by heap backend", addr)
	}
	b := v.(*heapBlock)
	if b.layout != layout {
		return errors.Wrapf(ErrInvalidBlock, "block %#x allocated as %v, freed as %v", addr, b.layout, layout)
	}
	if !m.blocks.CompareAndDelete(addr, b) {
		return errors.Wrapf(ErrInvalidBlock, "block %#x already freed", addr)
	}
	m.live.Add(-1)
	m.liveBytes.Add(-int64(layout.Size))
	if err := unmapRegion(b.region); err != nil {
		return errors.Wrapf(err, "unmapping block %#x", addr)
	}
	return nil
}

// Live returns the number of blocks currently allocated and their total requested size.
func (m *HeapMemory) Live() (blocks int, bytes int64) {
	return int(m.live.Load()), m.liveBytes.Load()
}
