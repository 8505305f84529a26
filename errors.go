package hazard

import "github.com/cockroachdb/errors"

var (
	// ErrAllocationFailure is returned when a Memory backend cannot satisfy a size, alignment or capacity request.
	ErrAllocationFailure = errors.New("hazard: allocation failure")

	// ErrInvalidBlock is returned when a block handed to Deallocate was not issued by that backend,
	// was already freed or is described by a different layout. It always indicates a bug in the caller.
	ErrInvalidBlock = errors.New("hazard: invalid block")

	// ErrConfiguration is returned by constructors given invalid parameters, e.g. a non-positive threshold.
	ErrConfiguration = errors.New("hazard: invalid configuration")

	// ErrClosed is returned when acquiring a handle from a closed Pointers instance.
	ErrClosed = errors.New("hazard: closed")

	// ErrBusy is returned by operations requiring a quiescent instance while handles are still acquired.
	ErrBusy = errors.New("hazard: handles still acquired")
)
