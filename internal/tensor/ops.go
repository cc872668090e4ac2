// Package tensor implements spec.md §4.1, §4.2, and §4.5's numeric
// primitives: RMS normalization, dense matrix-vector multiplication, and the
// fused SwiGLU feed-forward (quantized matmul lives alongside these in
// matvec.go, dispatching through weights.Mat.DotRow). Grounded on the
// teacher's internal/tensor/ops.go, adapted to match spec.md's exact
// underflow-fallback and activation contracts.
package tensor

import "math"

// RMSNorm computes out[i] = weight[i] * x[i] / sqrt(mean(x^2) + eps),
// tolerating out and x being the same slice, per spec.md §4.1.
func RMSNorm(out, x, weight []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	mean := sum / float32(len(x))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range x {
		out[i] = x[i] * scale * weight[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Add performs dst += src element-wise (the residual-stream accumulation in
// spec.md §4.8 steps 6 and 8).
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit activation: silu(z) = z / (1 + e^-z).
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// GELU computes the tanh approximation of the Gaussian Error Linear Unit
// from spec.md §4.5, provided for parity with alternate-architecture FFNs in
// the corpus but unused by the default path, exactly as the spec requires.
func GELU(z float32) float32 {
	const sqrt2OverPi = 0.7978845608028654
	zf := float64(z)
	inner := sqrt2OverPi * (zf + 0.044715*zf*zf*zf)
	return float32(0.5 * zf * (1 + math.Tanh(inner)))
}

// Softmax applies softmax to x in place with max-subtraction for numerical
// stability. If the sum of exponentials is zero (including when every score
// is -Inf), falls back to a uniform distribution over len(x) elements, per
// spec.md §4.6's NumericUnderflow recovery ("1/(pos+1)" for an attention row
// of length pos+1).
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		uniform := float32(1.0 / float64(len(x)))
		for i := range x {
			x[i] = uniform
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		uniform := float32(1.0 / float64(len(x)))
		for i := range x {
			x[i] = uniform
		}
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}
