package core

// SparseArray stores values in a contiguous slice and recycles removed slots
// through a LIFO free list. Each slot carries a generation that is bumped on
// removal so stale indices can be detected.
type SparseArray[T any] struct {
	items       []T
	allocated   []bool
	generations []uint32
	free        []int
	num         int
}

func (a *SparseArray[T]) Add(v T) int {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		a.items[idx] = v
	} else {
		idx = len(a.items)
		a.items = append(a.items, v)
		a.allocated = append(a.allocated, false)
		a.generations = append(a.generations, 0)
	}
	a.allocated[idx] = true
	a.num++
	return idx
}

func (a *SparseArray[T]) Remove(idx int) {
	if !a.IsAllocated(idx) {
		return
	}
	var zero T
	a.items[idx] = zero
	a.allocated[idx] = false
	a.generations[idx]++
	a.free = append(a.free, idx)
	a.num--
}

func (a *SparseArray[T]) IsAllocated(idx int) bool {
	return idx >= 0 && idx < len(a.allocated) && a.allocated[idx]
}

// At returns nil for unallocated slots.
func (a *SparseArray[T]) At(idx int) *T {
	if !a.IsAllocated(idx) {
		return nil
	}
	return &a.items[idx]
}

func (a *SparseArray[T]) Generation(idx int) uint32 {
	if idx < 0 || idx >= len(a.generations) {
		return 0
	}
	return a.generations[idx]
}

// Valid reports whether idx is allocated and has not been recycled since gen was read.
func (a *SparseArray[T]) Valid(idx int, gen uint32) bool {
	return a.IsAllocated(idx) && a.generations[idx] == gen
}

// Num is the number of live elements.
func (a *SparseArray[T]) Num() int { return a.num }

// Cap is the number of slots, live or free.
func (a *SparseArray[T]) Cap() int { return len(a.items) }

// Each visits live elements in index order until fn returns false.
func (a *SparseArray[T]) Each(fn func(idx int, v *T) bool) {
	for i := range a.items {
		if a.allocated[i] && !fn(i, &a.items[i]) {
			return
		}
	}
}

func (a *SparseArray[T]) Clear() {
	a.items = a.items[:0]
	a.allocated = a.allocated[:0]
	a.generations = a.generations[:0]
	a.free = a.free[:0]
	a.num = 0
}

// SparseSpanArray hands out contiguous index spans. Holes left by removed
// spans are reused first-fit.
type SparseSpanArray[T any] struct {
	items     []T
	allocated []bool
	num       int
}

func (a *SparseSpanArray[T]) AddSpan(n int) int {
	if n <= 0 {
		return -1
	}
	run := 0
	for i := range a.allocated {
		if a.allocated[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			a.markSpan(first, n)
			return first
		}
	}

	// Extend, reusing a trailing hole if there is one.
	first := len(a.items) - run
	var zero T
	for len(a.items) < first+n {
		a.items = append(a.items, zero)
		a.allocated = append(a.allocated, false)
	}
	a.markSpan(first, n)
	return first
}

func (a *SparseSpanArray[T]) markSpan(first, n int) {
	var zero T
	for i := first; i < first+n; i++ {
		a.items[i] = zero
		a.allocated[i] = true
	}
	a.num += n
}

func (a *SparseSpanArray[T]) RemoveSpan(first, n int) {
	var zero T
	for i := first; i < first+n; i++ {
		if !a.IsAllocated(i) {
			continue
		}
		a.items[i] = zero
		a.allocated[i] = false
		a.num--
	}
	// Trim the tail so the array shrinks back after trailing removals.
	end := len(a.allocated)
	for end > 0 && !a.allocated[end-1] {
		end--
	}
	a.items = a.items[:end]
	a.allocated = a.allocated[:end]
}

func (a *SparseSpanArray[T]) IsAllocated(idx int) bool {
	return idx >= 0 && idx < len(a.allocated) && a.allocated[idx]
}

func (a *SparseSpanArray[T]) At(idx int) *T {
	if !a.IsAllocated(idx) {
		return nil
	}
	return &a.items[idx]
}

func (a *SparseSpanArray[T]) Num() int { return a.num }
func (a *SparseSpanArray[T]) Cap() int { return len(a.items) }

func (a *SparseSpanArray[T]) Each(fn func(idx int, v *T) bool) {
	for i := range a.items {
		if a.allocated[i] && !fn(i, &a.items[i]) {
			return
		}
	}
}

func (a *SparseSpanArray[T]) Clear() {
	a.items = a.items[:0]
	a.allocated = a.allocated[:0]
	a.num = 0
}
