package pagetable

import "container/heap"

// FrameHeap is an indexed min-heap of page indices keyed by frame index.
// Equal keys pop in ascending page order.
type FrameHeap struct {
	data frameHeapData
}

type frameHeapItem struct {
	key   uint32
	index int
}

type frameHeapData struct {
	items []frameHeapItem
	// pos[index] is the heap position + 1, 0 when absent.
	pos []int
}

func (h *frameHeapData) Len() int { return len(h.items) }

func (h *frameHeapData) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.key != b.key {
		return a.key < b.key
	}
	return a.index < b.index
}

func (h *frameHeapData) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.pos[h.items[i].index] = i + 1
	h.pos[h.items[j].index] = j + 1
}

func (h *frameHeapData) Push(x any) {
	it := x.(frameHeapItem)
	h.pos[it.index] = len(h.items) + 1
	h.items = append(h.items, it)
}

func (h *frameHeapData) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	h.pos[it.index] = 0
	return it
}

func (h *FrameHeap) Len() int { return len(h.data.items) }

func (h *FrameHeap) Contains(index int) bool {
	return index >= 0 && index < len(h.data.pos) && h.data.pos[index] != 0
}

// Key returns the key of index, or 0 when it is not in the heap.
func (h *FrameHeap) Key(index int) uint32 {
	if !h.Contains(index) {
		return 0
	}
	return h.data.items[h.data.pos[index]-1].key
}

// Add inserts index, or updates its key when already present.
func (h *FrameHeap) Add(index int, key uint32) {
	if h.Contains(index) {
		h.Update(index, key)
		return
	}
	for len(h.data.pos) <= index {
		h.data.pos = append(h.data.pos, 0)
	}
	heap.Push(&h.data, frameHeapItem{key: key, index: index})
}

func (h *FrameHeap) Update(index int, key uint32) {
	if !h.Contains(index) {
		return
	}
	p := h.data.pos[index] - 1
	h.data.items[p].key = key
	heap.Fix(&h.data, p)
}

func (h *FrameHeap) Remove(index int) {
	if !h.Contains(index) {
		return
	}
	heap.Remove(&h.data, h.data.pos[index]-1)
}

func (h *FrameHeap) Top() (index int, key uint32, ok bool) {
	if len(h.data.items) == 0 {
		return -1, 0, false
	}
	it := h.data.items[0]
	return it.index, it.key, true
}

func (h *FrameHeap) Pop() (index int, key uint32, ok bool) {
	if len(h.data.items) == 0 {
		return -1, 0, false
	}
	it := heap.Pop(&h.data).(frameHeapItem)
	return it.index, it.key, true
}

func (h *FrameHeap) Clear() {
	h.data.items = h.data.items[:0]
	clear(h.data.pos)
}
