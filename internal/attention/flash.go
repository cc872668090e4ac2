package attention

import "math"

// TileSize is the number of sequence positions processed together in one
// flash-attention tile, matching the teacher's fused kernel constant
// (BLOCK_SIZE_C = 4 in TransformerComputeKernelsLayered.java).
const TileSize = 4

// Flash implements spec.md §4.7: the same inputs/outputs as Naive, but via a
// single tiled pass with online-softmax (running max/sum/output) instead of
// two passes over the scores. This is the CPU-sequential rendition of the
// algorithm; internal/accel.FlashAttention implements the work-group version
// with explicit barriers for the accelerator path.
func Flash(in Inputs) {
	nHead := in.Cfg.NumberOfHeads
	headSize := in.Cfg.HeadSize()
	kvDim := in.Cfg.KvDim()
	kvMul := in.Cfg.KvMul()
	invSqrt := float32(1.0 / math.Sqrt(float64(headSize)))

	runHeads(nHead, func(h int) {
		kvHead := h / kvMul
		qh := in.Q[h*headSize : h*headSize+headSize]
		out := in.Xb[h*headSize : h*headSize+headSize]

		runningMax := float32(math.Inf(-1))
		runningSum := float32(0)
		for i := range out {
			out[i] = 0
		}

		var tileScores [TileSize]float32

		for tileStart := 0; tileStart <= in.Pos; tileStart += TileSize {
			tileEnd := min(tileStart+TileSize, in.Pos+1)
			validCount := tileEnd - tileStart

			for i := 0; i < validCount; i++ {
				t := tileStart + i
				k := in.KeyCache[t*kvDim+kvHead*headSize : t*kvDim+kvHead*headSize+headSize]
				var dot float32
				for d := 0; d < headSize; d++ {
					dot += qh[d] * k[d]
				}
				tileScores[i] = dot * invSqrt
			}

			tileMax := tileScores[0]
			for i := 1; i < validCount; i++ {
				if tileScores[i] > tileMax {
					tileMax = tileScores[i]
				}
			}

			newMax := tileMax
			if !math.IsInf(float64(runningMax), -1) && runningMax > newMax {
				newMax = runningMax
			}
			if newMax > runningMax && !math.IsInf(float64(runningMax), -1) {
				rescale := float32(math.Exp(float64(runningMax - newMax)))
				runningSum *= rescale
				for i := range out {
					out[i] *= rescale
				}
			}
			runningMax = newMax

			for i := 0; i < validCount; i++ {
				t := tileStart + i
				w := float32(math.Exp(float64(tileScores[i] - runningMax)))
				runningSum += w
				v := in.ValCache[t*kvDim+kvHead*headSize : t*kvDim+kvHead*headSize+headSize]
				for d := 0; d < headSize; d++ {
					out[d] += w * v[d]
				}
			}
		}

		if runningSum == 0 {
			for i := range out {
				out[i] = 0
			}
			return
		}
		inv := 1 / runningSum
		for i := range out {
			out[i] *= inv
		}
	})
}
