package core

// GPUMask selects the GPUs a frame renders on. Bit i is GPU i.
type GPUMask uint32

func AllGPUs(n int) GPUMask {
	if n <= 0 {
		return 0
	}
	return GPUMask(1)<<uint(min(n, MaxGPUs)) - 1
}

func (m GPUMask) Has(gpu int) bool { return m&(1<<uint(gpu)) != 0 }

// Each calls fn for every GPU in the mask below n.
func (m GPUMask) Each(n int, fn func(gpu int)) {
	for i := 0; i < n; i++ {
		if m.Has(i) {
			fn(i)
		}
	}
}
