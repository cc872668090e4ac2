package layer

import (
	"github.com/carrick-ai/ember/internal/accel"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

// accelLocalMemSize is the work-group size used for the reduction and
// matvec kernels below; chosen as a power of two so the tree reductions in
// internal/accel halve evenly.
const accelLocalMemSize = 64

// accelRMSNorm runs spec.md §4.1's two-phase reduction on accel's simulated
// work groups. Per spec.md §9's resolved open question, x is copied into an
// accelerator-visible buffer before the kernels run and the result is
// copied back into dst afterward — a no-op-cost copy here since the
// "accelerator" is in-process, but it keeps the boundary explicit the way a
// real device backend's copy-in/copy-out would be.
func (d *Driver) accelRMSNorm(dst, x, weight []float32) {
	deviceX := append([]float32(nil), x...) // copy in
	size := len(deviceX)
	numBlocks := (size + accelLocalMemSize - 1) / accelLocalMemSize
	scratch := make([]float32, numBlocks+1)

	accel.ReductionOneBlock(deviceX, scratch, accelLocalMemSize)
	accel.ReductionOneBlockCombine(scratch, numBlocks, size, d.cfg.RmsNormEps)

	deviceOut := make([]float32, size)
	accel.ApplyScale(deviceOut, deviceX, weight, scratch)
	copy(dst, deviceOut) // copy out
}

// accelMatVec runs spec.md §4.2's work-group-per-row tree reduction on the
// decoded rows of w. Rows are decoded up front (rather than dequantized
// lazily per access) because internal/accel's kernel operates on a flat
// dense buffer, standing in for a real device's own on-device dequantize
// step.
func (d *Driver) accelMatVec(dst []float32, w *weights.Mat, x []float32) {
	deviceX := append([]float32(nil), x...)
	data := make([]float32, w.R*w.C)
	for r := 0; r < w.R; r++ {
		copy(data[r*w.C:r*w.C+w.C], w.Row(r, w.C))
	}
	m := accel.NewRowMajorMat(w.R, w.C, data)

	groupSize := accelLocalMemSize
	for groupSize > 1 && groupSize > w.C {
		groupSize /= 2
	}
	deviceOut := make([]float32, w.R)
	accel.MatVecRowMajor(deviceOut, m, deviceX, w.R, groupSize)
	copy(dst, deviceOut)
}

// accelAttention runs spec.md §4.7's work-group flash-attention kernel, one
// work group per head, over this layer's KV cache.
func (d *Driver) accelAttention(st *state.State, l, pos int) {
	cfg := d.cfg
	headSize := cfg.HeadSize()
	kvDim := cfg.KvDim()
	kvMul := cfg.KvMul()

	deviceQ := append([]float32(nil), st.Q...)
	deviceKeyCache := append([]float32(nil), st.KeyCache[l]...)
	deviceValCache := append([]float32(nil), st.ValueCache[l]...)
	deviceXb := make([]float32, cfg.Dim)

	accel.RunWorkGroups(cfg.NumberOfHeads, 1, func(h int) {
		kvHead := h / kvMul
		accel.FlashAttention(h, accel.FlashAttentionTileSize, accel.FlashAttentionInputs{
			Q:        deviceQ[h*headSize : h*headSize+headSize],
			KeyCache: deviceKeyCache,
			ValCache: deviceValCache,
			Out:      deviceXb[h*headSize : h*headSize+headSize],
			KvDim:    kvDim,
			KvHead:   kvHead,
			HeadSize: headSize,
			Pos:      pos,
		})
	})

	copy(st.Xb, deviceXb)
}
