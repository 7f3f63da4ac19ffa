package connection

import "github.com/marmos91/edgeflow/pkg/flowfile"

// queued is a record waiting in a connection.
type queued struct {
	rec *flowfile.Record

	// seq is the enqueue order. Requeued records get sequence numbers below
	// every other record so they return to the front.
	seq int64

	index int // needed for container/heap
}

// recordHeap implements heap.Interface ordered by the prioritizer, then by
// sequence.
type recordHeap struct {
	items       []*queued
	prioritizer Prioritizer
}

func (h *recordHeap) Len() int {
	return len(h.items)
}

func (h *recordHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.prioritizer.Compare(a.rec, b.rec); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

func (h *recordHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *recordHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *recordHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}
