// Package lfstack implements a lock-free LIFO stack of uint64 values (a Treiber stack) whose nodes are
// allocated from a hazard.Memory backend and reclaimed through hazard pointers.
package lfstack

import (
	"sync/atomic"
	"unsafe"

	"github.com/jayloop/hazard"
)

type node struct {
	value uint64
	next  uintptr // immutable once the node is pushed
}

// NodeLayout is the layout of a stack node, backends must be able to serve it.
var NodeLayout = hazard.LayoutOf(unsafe.Sizeof(node{}), unsafe.Alignof(node{}))

func nodeAt(addr uintptr) *node {
	return (*node)(unsafe.Pointer(addr))
}

// Stack is a concurrent safe LIFO stack. Every operation takes the hazard handle of the calling goroutine.
type Stack struct {
	head atomic.Uintptr
	len  atomic.Int64
	mem  hazard.Memory
}

// New returns an empty stack allocating nodes from mem, or from the default backend of hp if mem is nil.
func New(hp *hazard.Pointers, mem hazard.Memory) *Stack {
	if mem == nil {
		mem = hp.Memory()
	}
	return &Stack{mem: mem}
}

// Push adds v on top of the stack. It fails only if a node cannot be allocated.
func (s *Stack) Push(h *hazard.Handle, v uint64) error {
	addr, err := s.mem.Allocate(NodeLayout)
	if err != nil {
		return err
	}
	n := nodeAt(addr)
	n.value = v
	for {
		head := s.head.Load()
		n.next = head
		if s.head.CompareAndSwap(head, addr) {
			s.len.Add(1)
			return nil
		}
	}
}

// Pop removes the top value, ok is false if the stack was empty. The popped node is retired with h, err
// reports a failed reclamation pass triggered by that retirement, the pop itself has succeeded.
func (s *Stack) Pop(h *hazard.Handle) (v uint64, ok bool, err error) {
	for {
		head := h.Mark(&s.head)
		if head == 0 {
			h.Unmark()
			return 0, false, nil
		}
		// head is protected, reading its fields is safe even if another goroutine pops it now
		n := nodeAt(head)
		next := n.next
		if s.head.CompareAndSwap(head, next) {
			v = n.value
			h.Unmark()
			s.len.Add(-1)
			return v, true, h.Retire(head, NodeLayout, s.mem)
		}
	}
}

// Peek returns the top value without removing it.
func (s *Stack) Peek(h *hazard.Handle) (v uint64, ok bool) {
	head := h.Mark(&s.head)
	if head != 0 {
		v, ok = nodeAt(head).value, true
	}
	h.Unmark()
	return
}

// Len returns the number of values in the stack.
func (s *Stack) Len() int {
	return int(s.len.Load())
}

// Drain pops every value, calling fn for each of them if fn is not nil.
func (s *Stack) Drain(h *hazard.Handle, fn func(v uint64)) (err error) {
	for {
		v, ok, e := s.Pop(h)
		if e != nil && err == nil {
			err = e
		}
		if !ok {
			return err
		}
		if fn != nil {
			fn(v)
		}
	}
}
