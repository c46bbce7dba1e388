package queue

import (
	"cmp"
	"container/heap"
)

// compareReady orders by priority descending, then sequence ascending.
func compareReady(a, b *Item) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// compareDelayed orders by NextRetryAt ascending, then sequence.
func compareDelayed(a, b *Item) int {
	if c := a.NextRetryAt.Compare(b.NextRetryAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

type readyHeap []*Item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool { return compareReady(h[i], h[j]) < 0 }

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type delayedHeap []*Item

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool { return compareDelayed(h[i], h[j]) < 0 }

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var (
	_ heap.Interface = (*readyHeap)(nil)
	_ heap.Interface = (*delayedHeap)(nil)
)
