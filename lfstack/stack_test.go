package lfstack

import (
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jayloop/hazard"
)

func newDomain(t *testing.T, threshold int) *hazard.Pointers {
	hp, err := hazard.NewPointers(threshold, &hazard.Options{MaxHandles: 64})
	require.NoError(t, err)
	return hp
}

func TestStackOrder(t *testing.T) {
	hp := newDomain(t, 4)
	s := New(hp, nil)
	h, err := hp.Acquire()
	require.NoError(t, err)

	_, ok, err := s.Pop(h)
	require.NoError(t, err)
	require.False(t, ok)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.Push(h, i))
	}
	require.Equal(t, 10, s.Len())

	v, ok := s.Peek(h)
	require.True(t, ok)
	require.Equal(t, uint64(10), v)

	for i := uint64(10); i >= 1; i-- {
		v, ok, err := s.Pop(h)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, s.Len())
	h.Release()
	require.NoError(t, hp.Close())
	blocks, _ := hp.Memory().(*hazard.HeapMemory).Live()
	require.Equal(t, 0, blocks)
}

func TestStackDrain(t *testing.T) {
	hp := newDomain(t, 3)
	s := New(hp, nil)
	var got []uint64
	err := hp.Do(func(h *hazard.Handle) error {
		for i := uint64(0); i < 7; i++ {
			if err := s.Push(h, i); err != nil {
				return err
			}
		}
		return s.Drain(h, func(v uint64) { got = append(got, v) })
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{6, 5, 4, 3, 2, 1, 0}, got)
	require.Equal(t, 0, s.Len())
}

func concurrentPushPop(t *testing.T, hp *hazard.Pointers, mem hazard.Memory) {
	var (
		s       = New(hp, mem)
		workers = min(runtime.NumCPU(), 8)
		perG    = 2000
		mu      sync.Mutex
		popped  []uint64
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var local []uint64
			err := hp.Do(func(h *hazard.Handle) error {
				for i := 0; i < perG; i++ {
					if err := s.Push(h, uint64(g*perG+i)); err != nil {
						return err
					}
					if i%2 == 1 {
						v, ok, err := s.Pop(h)
						if err != nil {
							return err
						}
						if ok {
							local = append(local, v)
						}
					}
				}
				return nil
			})
			errs <- err
			mu.Lock()
			popped = append(popped, local...)
			mu.Unlock()
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	err := hp.Do(func(h *hazard.Handle) error {
		return s.Drain(h, func(v uint64) { popped = append(popped, v) })
	})
	require.NoError(t, err)

	// every pushed value comes out exactly once
	require.Len(t, popped, workers*perG)
	sort.Slice(popped, func(i, j int) bool { return popped[i] < popped[j] })
	for i, v := range popped {
		require.Equal(t, uint64(i), v)
	}
	require.NoError(t, hp.Close())
}

func TestConcurrentHeap(t *testing.T) {
	hp := newDomain(t, 16)
	concurrentPushPop(t, hp, nil)
	blocks, _ := hp.Memory().(*hazard.HeapMemory).Live()
	require.Equal(t, 0, blocks)
}

func TestConcurrentArena(t *testing.T) {
	arena, err := hazard.NewArenaMemory(NodeLayout.Size, 0, 1<<16)
	require.NoError(t, err)
	defer arena.Close()

	hp := newDomain(t, 16)
	concurrentPushPop(t, hp, arena)
	require.Equal(t, 0, arena.Allocated())
}

func TestPushAllocationFailure(t *testing.T) {
	arena, err := hazard.NewArenaMemory(NodeLayout.Size, 0, 2)
	require.NoError(t, err)
	defer arena.Close()

	hp := newDomain(t, 100)
	s := New(hp, arena)
	h, err := hp.Acquire()
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, s.Push(h, 1))
	require.NoError(t, s.Push(h, 2))
	require.ErrorIs(t, s.Push(h, 3), hazard.ErrAllocationFailure)

	// popped nodes stay retired until a pass runs
	_, ok, err := s.Pop(h)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, s.Push(h, 3), hazard.ErrAllocationFailure)

	freed, err := h.Reclaim()
	require.NoError(t, err)
	require.Equal(t, 1, freed)
	require.NoError(t, s.Push(h, 3))
	require.Equal(t, 2, s.Len())
}
