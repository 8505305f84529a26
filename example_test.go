package hazard_test

import (
	"fmt"
	"sync/atomic"

	"github.com/jayloop/hazard"
)

func ExampleNewPointers() {
	_, _ = hazard.NewPointers(64, &hazard.Options{
		MaxHandles:     16,
		SlotsPerHandle: 2,
	})
}

func ExampleHandle_Mark() {
	hp, _ := hazard.NewPointers(1, nil)
	layout := hazard.LayoutOf(8, 8)

	var shared atomic.Uintptr
	addr, _ := hp.Memory().Allocate(layout)
	shared.Store(addr)

	h, _ := hp.Acquire()
	p := h.Mark(&shared)
	fmt.Println(p == addr, hp.Hazardous(p))

	// unlink and retire while still marked, the pass keeps the block
	shared.Store(0)
	h.Retire(p, layout, nil)
	fmt.Println(h.Pending())

	h.Unmark()
	freed, _ := h.Reclaim()
	fmt.Println(freed)

	h.Release()
	hp.Close()
	// Output:
	// true true
	// 1
	// 1
}
