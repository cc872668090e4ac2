// Package rope implements rotary position embedding rotation (spec.md §4.4),
// grounded on the per-pair rotation in TransformerComputeKernelsLayered.java's
// ropeRotation and the table-building idea in the teacher's
// internal/model/rope.go (stripped of its llama3/yarn scaling, out of scope
// here).
package rope

import "math"

// DefaultBase resolves spec.md §9's open question: the fused kernel path
// hard-codes 50000, not the conventional 10000, so this module defaults to
// 50000 and makes it overridable via config.Config.RopeBase.
const DefaultBase = 50000.0

// Table precomputes the inverse frequencies 1/base^(d/headSize), indexed by
// d/2 for even d in [0, headSize). It stores no (cos, sin) values: ApplyQK
// computes cos and sin of pos*invFreq on every call.
type Table struct {
	headSize int
	base     float64
	invFreq  []float64 // length headSize/2
}

// NewTable builds the inverse-frequency table for a given headSize and base.
func NewTable(headSize int, base float64) *Table {
	half := headSize / 2
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		d := float64(2*i) / float64(headSize)
		invFreq[i] = 1.0 / math.Pow(base, d)
	}
	return &Table{headSize: headSize, base: base, invFreq: invFreq}
}

// ApplyQK rotates q in place over nHead heads of headSize each, and rotates
// the first kvDim elements of k identically, per spec.md §4.4: "if i < kvDim,
// rotate the key pair identically in place; otherwise leave k untouched."
func (t *Table) ApplyQK(q, k []float32, pos, nHead, kvDim int) {
	headSize := t.headSize
	half := headSize / 2
	for h := 0; h < nHead; h++ {
		base := h * headSize
		for i := 0; i < half; i++ {
			theta := float64(pos) * t.invFreq[i]
			c, s := float32(math.Cos(theta)), float32(math.Sin(theta))
			i0 := base + 2*i
			i1 := i0 + 1
			rotatePair(q, i0, i1, c, s)
			if i0 < kvDim {
				rotatePair(k, i0, i1, c, s)
			}
		}
	}
}

func rotatePair(x []float32, i0, i1 int, c, s float32) {
	x0, x1 := x[i0], x[i1]
	x[i0] = x0*c - x1*s
	x[i1] = x0*s + x1*c
}
