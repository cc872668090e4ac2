package rope

import (
	"math"
	"testing"
)

// TestApplyQKPreservesNorm implements spec.md §8 property 5: rotation is an
// orthogonal transform, so it preserves the pair's (and hence the vector's)
// norm.
func TestApplyQKPreservesNorm(t *testing.T) {
	headSize := 8
	table := NewTable(headSize, DefaultBase)
	q := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	before := norm(q)
	table.ApplyQK(q, nil, 17, 1, 0)
	after := norm(q)
	if math.Abs(float64(before-after)) > 1e-4 {
		t.Errorf("norm changed from %v to %v", before, after)
	}
}

// TestApplyQKRoundTrip checks that rotating by pos then by -pos restores the
// original vector, per spec.md §8 property 5.
func TestApplyQKRoundTrip(t *testing.T) {
	headSize := 8
	table := NewTable(headSize, DefaultBase)
	original := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	q := append([]float32(nil), original...)

	table.ApplyQK(q, nil, 5, 1, 0)
	table.ApplyQK(q, nil, -5, 1, 0)

	for i := range q {
		if math.Abs(float64(q[i]-original[i])) > 1e-3 {
			t.Errorf("index %d: got %v, want %v", i, q[i], original[i])
		}
	}
}

// TestApplyQKLeavesKUntouchedBeyondKvDim checks spec.md §4.4: "if i < kvDim,
// rotate the key pair identically; otherwise leave k untouched."
func TestApplyQKLeavesKUntouchedBeyondKvDim(t *testing.T) {
	headSize := 8
	table := NewTable(headSize, DefaultBase)
	q := make([]float32, headSize)
	k := []float32{1, 2, 3, 4}
	original := append([]float32(nil), k...)

	table.ApplyQK(q, k, 3, 1, 2) // kvDim=2: only the first pair may rotate

	for i := 2; i < len(k); i++ {
		if k[i] != original[i] {
			t.Errorf("k[%d] changed from %v to %v, should be untouched", i, original[i], k[i])
		}
	}
}

func norm(x []float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}
