package accel

import "math"

// FlashAttentionTileSize mirrors internal/attention.TileSize; kept as a
// separate constant since this package stays independent of internal/tensor
// and internal/attention (it only consumes raw slices).
const FlashAttentionTileSize = 4

// FlashAttentionInputs bundles one head's query/cache slices for
// FlashAttention, mirroring internal/attention.Inputs but scoped to a single
// head since the accelerator dispatches one work group per head.
type FlashAttentionInputs struct {
	Q        []float32 // [headSize]
	KeyCache []float32 // [contextLength*kvDim], this layer
	ValCache []float32 // [contextLength*kvDim], this layer
	Out      []float32 // [headSize]
	KvDim    int
	KvHead   int
	HeadSize int
	Pos      int
}

// FlashAttention implements spec.md §4.7's work-group version with the exact
// barrier placement spec.md §4.7/§5 mandate: (B1) after the cooperative load
// of q into shared memory, (B2) after tile loads of K/V, (B3) after writing
// per-thread scores, (B4) after publishing the tile-max broadcast cell, (B5)
// before reusing tile buffers for the next iteration. One work group per
// head, groupSize threads cooperating over the tile. Grounded on
// processHeadsFlashAttention in TransformerComputeKernelsLayered.java,
// including its dedicated tile-max broadcast cell kept separate from the
// per-thread score buffer — spec.md calls that separation mandatory.
func FlashAttention(groupID, groupSize int, in FlashAttentionInputs) {
	headSize := in.HeadSize
	sharedQ := make([]float32, headSize)
	sTile := make([]float32, FlashAttentionTileSize)
	tileMaxCell := make([]float32, 1) // dedicated broadcast cell, distinct from sTile
	threadOutputs := make([][]float32, groupSize)
	for i := range threadOutputs {
		threadOutputs[i] = make([]float32, headSize)
	}
	runningMax := make([]float32, 1)
	runningSum := make([]float32, 1)

	invSqrt := float32(1.0 / math.Sqrt(float64(headSize)))

	RunWorkGroup(groupID, groupSize, func(kc *KernelContext) {
		for d := kc.LocalID; d < headSize; d += kc.GroupSize {
			sharedQ[d] = in.Q[d]
		}
		kc.Barrier() // B1: q loaded into shared memory

		if kc.LocalID == 0 {
			runningMax[0] = float32(math.Inf(-1))
			runningSum[0] = 0
		}
		for d := range threadOutputs[kc.LocalID] {
			threadOutputs[kc.LocalID][d] = 0
		}

		for tileStart := 0; tileStart <= in.Pos; tileStart += FlashAttentionTileSize {
			tileEnd := min(tileStart+FlashAttentionTileSize, in.Pos+1)
			validCount := tileEnd - tileStart

			kc.Barrier() // B2: tile K/V rows are conceptually (re)loaded by this point

			if kc.LocalID < validCount {
				t := tileStart + kc.LocalID
				k := in.KeyCache[t*in.KvDim+in.KvHead*headSize : t*in.KvDim+in.KvHead*headSize+headSize]
				var dot float32
				for d := 0; d < headSize; d++ {
					dot += sharedQ[d] * k[d]
				}
				sTile[kc.LocalID] = dot * invSqrt
			}
			kc.Barrier() // B3: per-thread scores written

			if kc.LocalID == 0 {
				tileMax := sTile[0]
				for i := 1; i < validCount; i++ {
					if sTile[i] > tileMax {
						tileMax = sTile[i]
					}
				}
				tileMaxCell[0] = tileMax
			}
			kc.Barrier() // B4: tile-max broadcast cell published

			if kc.LocalID == 0 {
				tileMax := tileMaxCell[0]
				newMax := tileMax
				if !math.IsInf(float64(runningMax[0]), -1) && runningMax[0] > newMax {
					newMax = runningMax[0]
				}
				if newMax > runningMax[0] && !math.IsInf(float64(runningMax[0]), -1) {
					rescale := float32(math.Exp(float64(runningMax[0] - newMax)))
					runningSum[0] *= rescale
					for th := 0; th < groupSize; th++ {
						for d := 0; d < headSize; d++ {
							threadOutputs[th][d] *= rescale
						}
					}
				}
				runningMax[0] = newMax

				for i := 0; i < validCount; i++ {
					t := tileStart + i
					w := float32(math.Exp(float64(sTile[i] - runningMax[0])))
					runningSum[0] += w
					v := in.ValCache[t*in.KvDim+in.KvHead*headSize : t*in.KvDim+in.KvHead*headSize+headSize]
					for d := 0; d < headSize; d++ {
						threadOutputs[0][d] += w * v[d]
					}
				}
			}
			kc.Barrier() // B5: before reusing tile storage on the next iteration
		}

		if kc.LocalID == 0 {
			if runningSum[0] == 0 {
				for d := range in.Out {
					in.Out[d] = 0
				}
			} else {
				inv := 1 / runningSum[0]
				for d := range in.Out {
					in.Out[d] = threadOutputs[0][d] * inv
				}
			}
		}
	})
}
