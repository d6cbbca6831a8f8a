package pagetable

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeapOrder(t *testing.T) {
	var h FrameHeap
	h.Add(5, 30)
	h.Add(2, 10)
	h.Add(9, 10)
	h.Add(1, 20)

	idx, key, ok := h.Top()
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, uint32(10), key)

	h.Update(5, 1)
	assert.Equal(t, uint32(1), h.Key(5))
	h.Add(1, 0) // Add on a present index updates
	assert.Equal(t, 4, h.Len())

	var order []int
	for h.Len() > 0 {
		i, _, _ := h.Pop()
		order = append(order, i)
	}
	assert.Equal(t, []int{1, 5, 2, 9}, order)

	_, _, ok = h.Pop()
	assert.False(t, ok)
}

func TestFrameHeapRemove(t *testing.T) {
	var h FrameHeap
	for i := 0; i < 10; i++ {
		h.Add(i, uint32(10-i))
	}
	h.Remove(9)
	h.Remove(3)
	h.Remove(42)
	assert.False(t, h.Contains(9))
	assert.Equal(t, uint32(0), h.Key(9))
	assert.Equal(t, 8, h.Len())

	idx, _, _ := h.Top()
	assert.Equal(t, 8, idx)

	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.Contains(0))
}

func TestFrameHeapRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var h FrameHeap
	keys := map[int]uint32{}
	for i := 0; i < 2000; i++ {
		idx := rng.Intn(300)
		switch rng.Intn(3) {
		case 0, 1:
			k := uint32(rng.Intn(50))
			h.Add(idx, k)
			keys[idx] = k
		case 2:
			h.Remove(idx)
			delete(keys, idx)
		}
	}

	type kv struct {
		idx int
		key uint32
	}
	var want []kv
	for i, k := range keys {
		want = append(want, kv{i, k})
	}
	sort.Slice(want, func(a, b int) bool {
		if want[a].key != want[b].key {
			return want[a].key < want[b].key
		}
		return want[a].idx < want[b].idx
	})

	require.Equal(t, len(want), h.Len())
	for _, w := range want {
		idx, key, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, w.idx, idx)
		assert.Equal(t, w.key, key)
	}
}
