package fuzzing

import (
	"fmt"

	"github.com/jayloop/hazard"
	"github.com/jayloop/hazard/lfstack"
)

// Fuzz drives a stack through the operations encoded in data and checks it against a plain slice.
// Each input byte is one operation: the low two bits pick push, pop, peek or reclaim, the rest is the
// value pushed. The first byte sets the reclamation threshold.
func Fuzz(data []byte) int {
	if len(data) < 2 {
		return -1
	}
	threshold := int(data[0]%16) + 1
	data = data[1:]

	arena, err := hazard.NewArenaMemory(lfstack.NodeLayout.Size, 0, len(data))
	if err != nil {
		panic(err)
	}
	hp, err := hazard.NewPointers(threshold, &hazard.Options{
		MaxHandles: 1,
		Memory:     arena,
	})
	if err != nil {
		panic(err)
	}
	s := lfstack.New(hp, nil)
	h, err := hp.Acquire()
	if err != nil {
		panic(err)
	}

	var model []uint64
	for i, b := range data {
		v := uint64(b >> 2)
		switch b & 3 {
		case 0, 1:
			if err := s.Push(h, v); err != nil {
				panic(fmt.Sprintf("op %d: push: %v", i, err))
			}
			model = append(model, v)
		case 2:
			got, ok, err := s.Pop(h)
			if err != nil {
				panic(fmt.Sprintf("op %d: pop: %v", i, err))
			}
			if ok != (len(model) > 0) {
				panic(fmt.Sprintf("op %d: pop ok %v with %d values", i, ok, len(model)))
			}
			if ok {
				want := model[len(model)-1]
				model = model[:len(model)-1]
				if got != want {
					panic(fmt.Sprintf("op %d: popped %d, expected %d", i, got, want))
				}
			}
		case 3:
			if got, ok := s.Peek(h); ok && got != model[len(model)-1] {
				panic(fmt.Sprintf("op %d: peek %d, expected %d", i, got, model[len(model)-1]))
			}
			if _, err := h.Reclaim(); err != nil {
				panic(fmt.Sprintf("op %d: reclaim: %v", i, err))
			}
		}
		if s.Len() != len(model) {
			panic(fmt.Sprintf("op %d: length %d, expected %d", i, s.Len(), len(model)))
		}
		// nothing is published between operations, so a single handle never defers a block
		if h.Pending() >= threshold {
			panic(fmt.Sprintf("op %d: %d blocks pending with threshold %d", i, h.Pending(), threshold))
		}
	}

	if err := s.Drain(h, nil); err != nil {
		panic(err)
	}
	h.Release()
	if err := hp.Close(); err != nil {
		panic(err)
	}
	if n := arena.Allocated(); n != 0 {
		panic(fmt.Sprintf("%d nodes leaked", n))
	}
	arena.Close()
	return 1
}
