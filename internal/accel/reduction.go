package accel

import "math"

// ReductionOneBlock implements spec.md §4.1's phase P1: a reduction that
// writes partial block-sums of x[i]^2 to scratch[1..numBlocks] using
// numBlocks work groups of localMemSize threads each, tree-reducing through
// a local buffer with barriers between halvings (B6). Grounded on
// reductionOneBlockWithLayer in TransformerComputeKernelsLayered.java.
//
// scratch must have length >= numBlocks+1; numBlocks = ceil(len(x)/localMemSize).
func ReductionOneBlock(x []float32, scratch []float32, localMemSize int) {
	size := len(x)
	numBlocks := (size + localMemSize - 1) / localMemSize

	RunWorkGroups(numBlocks, localMemSize, func(groupID int) {
		local := make([]float32, localMemSize) // allocated once per group, closed over below
		base := groupID * localMemSize

		RunWorkGroup(groupID, localMemSize, func(kc *KernelContext) {
			idx := base + kc.LocalID
			if idx < size {
				v := x[idx]
				local[kc.LocalID] = v * v
			} else {
				local[kc.LocalID] = 0
			}
			kc.Barrier() // B6: local writes visible before the tree reduction reads them

			for stride := kc.GroupSize / 2; stride > 0; stride /= 2 {
				if kc.LocalID < stride {
					local[kc.LocalID] += local[kc.LocalID+stride]
				}
				kc.Barrier() // B6: this level's writes visible before the next level reads
			}

			if kc.LocalID == 0 {
				scratch[1+groupID] = local[0]
			}
		})
	})
}

// ReductionOneBlockCombine implements spec.md §4.1's phase P2 final combine:
// sum the numBlocks partial sums in scratch[1..numBlocks] and store
// 1/sqrt(sum/size + eps) at scratch[0]. This resolves spec.md §9's open
// question generally: divide the true size, not the truncated
// size/localMemSize, so it is correct whether or not localMemSize evenly
// divides size.
func ReductionOneBlockCombine(scratch []float32, numBlocks, size int, eps float32) {
	var sum float64
	for i := 1; i <= numBlocks; i++ {
		sum += float64(scratch[i])
	}
	mean := sum / float64(size)
	scratch[0] = float32(1.0 / math.Sqrt(mean+float64(eps)))
}

// ApplyScale implements spec.md §4.1's P2 elementwise kernel: reads the
// scalar at scratch[0] and applies weight[i]*x[i]*scale.
func ApplyScale(out, x, weight, scratch []float32) {
	scale := scratch[0]
	for i := range x {
		out[i] = x[i] * scale * weight[i]
	}
}
