package heap

import "container/heap"

type underlying[T any] struct {
	items []T
	less  func(a, b T) bool
}

// Min is a binary min-heap ordered by the supplied comparison.
type Min[T any] struct {
	h *underlying[T]
}

// NewMin returns an empty heap. less must report whether a goes before b.
func NewMin[T any](less func(a, b T) bool) Min[T] {
	h := &underlying[T]{less: less}
	heap.Init(h)
	return Min[T]{h: h}
}

func (h *Min[T]) Push(x T) {
	heap.Push(h.h, x)
}

func (h *Min[T]) Pop() T {
	return heap.Pop(h.h).(T)
}

func (h *Min[T]) Len() int {
	return len(h.h.items)
}

func (h *underlying[T]) Len() int           { return len(h.items) }
func (h *underlying[T]) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *underlying[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *underlying[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *underlying[T]) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[0 : n-1]
	return x
}
