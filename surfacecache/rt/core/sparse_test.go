package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseArrayRecycling(t *testing.T) {
	var a SparseArray[string]
	i0 := a.Add("a")
	i1 := a.Add("b")
	i2 := a.Add("c")
	assert.Equal(t, []int{0, 1, 2}, []int{i0, i1, i2})

	gen := a.Generation(i1)
	a.Remove(i1)
	assert.False(t, a.IsAllocated(i1))
	assert.Nil(t, a.At(i1))
	assert.Equal(t, 2, a.Num())
	assert.False(t, a.Valid(i1, gen))

	// Freed slots are reused before the array grows.
	i3 := a.Add("d")
	assert.Equal(t, i1, i3)
	assert.Equal(t, 3, a.Cap())
	assert.False(t, a.Valid(i3, gen), "stale generation must not validate a recycled slot")
	assert.True(t, a.Valid(i3, a.Generation(i3)))

	var seen []string
	a.Each(func(_ int, v *string) bool {
		seen = append(seen, *v)
		return true
	})
	assert.Equal(t, []string{"a", "d", "c"}, seen)

	a.Remove(42)
	assert.Equal(t, 3, a.Num())
}

func TestSparseSpanArray(t *testing.T) {
	var a SparseSpanArray[int]

	first := a.AddSpan(4)
	second := a.AddSpan(2)
	require.Equal(t, 0, first)
	require.Equal(t, 4, second)
	assert.Equal(t, 6, a.Num())
	assert.Equal(t, -1, a.AddSpan(0))

	a.RemoveSpan(first, 4)
	assert.Equal(t, 2, a.Num())
	assert.Equal(t, 6, a.Cap(), "head hole does not shrink the array")

	// Fits into the hole.
	assert.Equal(t, 0, a.AddSpan(3))
	// Does not fit into the remaining single slot hole.
	assert.Equal(t, 6, a.AddSpan(2))

	a.RemoveSpan(6, 2)
	assert.Equal(t, 6, a.Cap(), "trailing removal trims the tail")

	a.RemoveSpan(4, 2)
	assert.Equal(t, 3, a.Cap())
	// Extends through the trailing hole.
	assert.Equal(t, 3, a.AddSpan(5))
	assert.Equal(t, 8, a.Cap())

	*a.At(4) = 7
	assert.Equal(t, 7, *a.At(4))
	assert.Nil(t, a.At(100))
}
