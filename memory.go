package hazard

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
)

// MaxBlockSize is the largest block size and alignment the bundled backends accept.
const MaxBlockSize = math.MaxInt >> 2

// A Layout describes the size and alignment of a memory block.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// LayoutOf returns the layout of a block of size bytes aligned to align bytes.
func LayoutOf(size, align uintptr) Layout {
	return Layout{Size: size, Align: align}
}

func (l Layout) String() string {
	return fmt.Sprintf("{size %d, align %d}", l.Size, l.Align)
}

// valid reports whether the layout has a non-zero size and a power of two alignment.
func (l Layout) valid() bool {
	return l.Size > 0 && l.Align > 0 && l.Align&(l.Align-1) == 0
}

// Memory is implemented by the backends that allocate and free the blocks managed through hazard pointers.
//
// Allocate returns the address of a block of at least layout.Size bytes aligned to layout.Align, or an error
// matching ErrAllocationFailure. It never returns a zero address without an error.
//
// Deallocate releases a block previously returned by Allocate on the same backend with the same layout.
// Any other block is rejected with an error matching ErrInvalidBlock.
//
// Implementations must be safe for concurrent use, since blocks are typically allocated by one goroutine
// and freed by another one running a reclamation pass.
type Memory interface {
	Allocate(layout Layout) (uintptr, error)
	Deallocate(addr uintptr, layout Layout) error
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func invalidLayout(sentinel error, l Layout) error {
	return errors.Wrapf(sentinel, "bad layout %v", l)
}
