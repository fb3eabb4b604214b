package mathx

import "math/rand/v2"

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// HashString folds s into a 64-bit value (FNV-1a, then mixed).
func HashString(seed int64, s string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return mix64(uint64(seed) ^ h)
}

// NewRand returns a generator whose stream depends only on (seed, stream).
// Every agent gets its own stream so concurrent ticks never share RNG state.
func NewRand(seed int64, stream string) *rand.Rand {
	a := HashString(seed, stream)
	b := mix64(a ^ 0xc2b2ae3d27d4eb4f)
	return rand.New(rand.NewPCG(a, b))
}
