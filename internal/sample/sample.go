// Package sample implements the sampler contract from spec.md §6 (a pure
// function from logits to a token id) plus two default, minimal
// implementations. Full sampler-strategy breadth — repetition penalty
// windows, min-p, seedable RNG plumbing through a config file — is out of
// scope per spec.md §1 and is not reproduced here beyond what exercises the
// contract; see the teacher's internal/logits/sampler.go for that breadth.
package sample

import (
	"math"
	"math/rand"
	"sort"
)

// Sampler is the pure function from logits to a chosen token id described
// in spec.md §6: "given logits[vocab], return a single token id; pure
// function from the core's perspective."
type Sampler func(logits []float32) int

// Greedy always returns the argmax index, ties broken by lowest index.
func Greedy(logits []float32) int {
	best := 0
	bestVal := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestVal {
			bestVal = logits[i]
			best = i
		}
	}
	return best
}

// TemperatureConfig configures NewTemperature.
type TemperatureConfig struct {
	Temperature float32 // <= 0 behaves as Greedy
	TopK        int     // <= 0 disables top-k filtering
	TopP        float32 // <= 0 or >= 1 disables top-p filtering
	Rand        *rand.Rand
}

// NewTemperature returns a Sampler applying temperature scaling followed by
// optional top-k and top-p filtering before sampling from the resulting
// distribution. This is the minimal default sampler this module ships;
// repetition penalty and min-p (present in the teacher's sampler) are out of
// scope here.
func NewTemperature(cfg TemperatureConfig) Sampler {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return func(logits []float32) int {
		if cfg.Temperature <= 0 {
			return Greedy(logits)
		}

		probs := make([]float32, len(logits))
		var maxLogit float32 = logits[0]
		for _, v := range logits[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sum float64
		for i, v := range logits {
			e := math.Exp(float64(v-maxLogit) / float64(cfg.Temperature))
			probs[i] = float32(e)
			sum += e
		}
		if sum == 0 {
			return Greedy(logits)
		}
		for i := range probs {
			probs[i] = float32(float64(probs[i]) / sum)
		}

		order := applyTopK(probs, cfg.TopK)
		order = applyTopP(probs, order, cfg.TopP)

		return sampleFrom(probs, order, rng)
	}
}

// applyTopK returns the indices of the top k probabilities (by descending
// probability), or all indices in descending order if k <= 0.
func applyTopK(probs []float32, k int) []int {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })
	if k > 0 && k < len(order) {
		order = order[:k]
	}
	return order
}

// applyTopP trims order (already sorted by descending probability) to the
// smallest prefix whose cumulative probability reaches p, or returns order
// unchanged if p disables filtering.
func applyTopP(probs []float32, order []int, p float32) []int {
	if p <= 0 || p >= 1 {
		return order
	}
	var cum float32
	for i, idx := range order {
		cum += probs[idx]
		if cum >= p {
			return order[:i+1]
		}
	}
	return order
}

func sampleFrom(probs []float32, order []int, rng *rand.Rand) int {
	var total float32
	for _, idx := range order {
		total += probs[idx]
	}
	if total == 0 {
		return order[0]
	}
	r := rng.Float32() * total
	var cum float32
	for _, idx := range order {
		cum += probs[idx]
		if r <= cum {
			return idx
		}
	}
	return order[len(order)-1]
}
