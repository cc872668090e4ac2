// Package attention implements spec.md §4.6 (reference per-head attention)
// and §4.7 (tiled flash attention with online softmax), operating directly
// on state.State's KV cache slices. Grounded on the teacher's
// internal/backend/simd/attention.go and attnpool.go worker-pool fan-out,
// and on processHeadsParallel / processHeadsFlashAttention in
// TransformerComputeKernelsLayered.java for the exact per-tile algorithm.
package attention

import (
	"math"
	"runtime"
	"sync"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/tensor"
)

// Inputs bundles the per-call-site slices both Naive and Flash need: the
// query vector for this position, this layer's full key/value caches
// (contextLength*kvDim each), the attention-score scratch (at least
// numberOfHeads*contextLength), and the output activation buffer (dim).
type Inputs struct {
	Cfg       config.Config
	Q         []float32 // [dim]
	KeyCache  []float32 // [contextLength*kvDim], this layer only
	ValCache  []float32 // [contextLength*kvDim], this layer only
	Att       []float32 // [numberOfHeads*contextLength] scratch
	Xb        []float32 // [dim] output
	Pos       int       // current position, inclusive upper bound of attended range
}

// Naive implements spec.md §4.6: per head, score against every cached
// position, softmax with max-subtraction and uniform-fallback, weighted sum
// of V. Heads are embarrassingly parallel and fanned across a worker pool.
func Naive(in Inputs) {
	nHead := in.Cfg.NumberOfHeads
	headSize := in.Cfg.HeadSize()
	kvDim := in.Cfg.KvDim()
	kvMul := in.Cfg.KvMul()
	contextLength := in.Cfg.ContextLength

	runHeads(nHead, func(h int) {
		kvHead := h / kvMul
		qh := in.Q[h*headSize : h*headSize+headSize]
		scores := in.Att[h*contextLength : h*contextLength+in.Pos+1]

		invSqrt := float32(1.0 / math.Sqrt(float64(headSize)))
		for t := 0; t <= in.Pos; t++ {
			k := in.KeyCache[t*kvDim+kvHead*headSize : t*kvDim+kvHead*headSize+headSize]
			scores[t] = tensor.Dot(qh, k) * invSqrt
		}
		tensor.Softmax(scores)

		out := in.Xb[h*headSize : h*headSize+headSize]
		for i := range out {
			out[i] = 0
		}
		for t := 0; t <= in.Pos; t++ {
			v := in.ValCache[t*kvDim+kvHead*headSize : t*kvDim+kvHead*headSize+headSize]
			w := scores[t]
			for i := range out {
				out[i] += w * v[i]
			}
		}
	})
}

// runHeads fans headFn(h) for h in [0, nHead) across a worker pool, grounded
// on the teacher's AttnPool/RunAttnHeads shape. Each head writes disjoint
// output regions, so no synchronization beyond the final join is needed.
func runHeads(nHead int, headFn func(h int)) {
	workers := min(max(runtime.GOMAXPROCS(0), 1), nHead)
	if workers <= 1 {
		for h := 0; h < nHead; h++ {
			headFn(h)
		}
		return
	}
	var wg sync.WaitGroup
	heads := make(chan int, nHead)
	for h := 0; h < nHead; h++ {
		heads <- h
	}
	close(heads)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for h := range heads {
				headFn(h)
			}
		}()
	}
	wg.Wait()
}
