package tensor

import (
	"math"
	"testing"

	"github.com/carrick-ai/ember/internal/weights"
)

// TestMatVecLinearity implements spec.md §8 property 2: matmul(W, a+b) ≈
// matmul(W, a) + matmul(W, b) within f32 tolerance.
func TestMatVecLinearity(t *testing.T) {
	rows, cols := 16, 12
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	w, err := weights.NewMatF32(rows, cols, data)
	if err != nil {
		t.Fatal(err)
	}

	a := make([]float32, cols)
	b := make([]float32, cols)
	for i := range a {
		a[i] = float32(i) * 0.1
		b[i] = float32(cols-i) * 0.05
	}
	sum := make([]float32, cols)
	for i := range sum {
		sum[i] = a[i] + b[i]
	}

	outA := make([]float32, rows)
	outB := make([]float32, rows)
	outSum := make([]float32, rows)
	MatVec(outA, w, a)
	MatVec(outB, w, b)
	MatVec(outSum, w, sum)

	var normW, normA, normB float32
	for _, v := range data {
		normW += v * v
	}
	normW = float32(math.Sqrt(float64(normW)))
	for _, v := range a {
		normA += v * v
	}
	normA = float32(math.Sqrt(float64(normA)))
	for _, v := range b {
		normB += v * v
	}
	normB = float32(math.Sqrt(float64(normB)))
	maxNorm := normA
	if normB > maxNorm {
		maxNorm = normB
	}
	tol := 1e-4 * normW * maxNorm

	for r := 0; r < rows; r++ {
		got := outSum[r]
		want := outA[r] + outB[r]
		if math.Abs(float64(got-want)) > float64(tol)+1e-5 {
			t.Errorf("row %d: matmul(a+b)=%v, matmul(a)+matmul(b)=%v (tol %v)", r, got, want, tol)
		}
	}
}

// TestMatVecAddReadsOldValueOnce checks spec.md §4.2 wrapper 2's contract.
func TestMatVecAddReadsOldValueOnce(t *testing.T) {
	w, err := weights.NewMatF32(2, 2, []float32{1, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	out := []float32{10, 20}
	MatVecAdd(out, w, []float32{3, 4})
	if out[0] != 13 || out[1] != 24 {
		t.Errorf("got %v, want [13 24]", out)
	}
}

// TestSwiGLUMatchesManualComputation checks the fused SwiGLU path against a
// manually computed SiLU-gated product, per spec.md §4.5.
func TestSwiGLUMatchesManualComputation(t *testing.T) {
	dim, hidden := 3, 4
	w1Data := make([]float32, hidden*dim)
	w3Data := make([]float32, hidden*dim)
	for i := range w1Data {
		w1Data[i] = float32(i%3) * 0.1
		w3Data[i] = float32((i+1)%3) * 0.2
	}
	w1, _ := weights.NewMatF32(hidden, dim, w1Data)
	w3, _ := weights.NewMatF32(hidden, dim, w3Data)
	x := []float32{0.5, -0.25, 1.0}

	gate := make([]float32, hidden)
	up := make([]float32, hidden)
	MatVec(gate, w1, x)
	MatVec(up, w3, x)
	want := make([]float32, hidden)
	for i := range want {
		want[i] = Silu(gate[i]) * up[i]
	}

	hb := make([]float32, hidden)
	gateScratch := make([]float32, hidden)
	upScratch := make([]float32, hidden)
	SwiGLU(hb, gateScratch, upScratch, w1, w3, x)

	for i := range hb {
		if math.Abs(float64(hb[i]-want[i])) > 1e-5 {
			t.Errorf("index %d: got %v, want %v", i, hb[i], want[i])
		}
	}
}
