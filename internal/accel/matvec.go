package accel

// MatVecRowMajor implements spec.md §4.2's accelerator strategy: one work
// group per output row; each thread computes a strided partial dot over the
// input dimension, results are tree-reduced through a local buffer with
// barriers between halvings, and the leader thread writes the row. Launched
// work groups may exceed rows; groups with rowID >= rows exit cleanly.
// Grounded on matrixVectorRowMajorOptimized in
// TransformerComputeKernelsLayered.java.
func MatVecRowMajor(out []float32, w *rowMajorMat, x []float32, numGroups, groupSize int) {
	RunWorkGroups(numGroups, groupSize, func(rowID int) {
		if rowID >= w.rows {
			return
		}
		local := make([]float32, groupSize)
		row := w.row(rowID)

		RunWorkGroup(rowID, groupSize, func(kc *KernelContext) {
			var partial float32
			for j := kc.LocalID; j < w.cols; j += kc.GroupSize {
				partial += row[j] * x[j]
			}
			local[kc.LocalID] = partial
			kc.Barrier()

			for stride := kc.GroupSize / 2; stride > 0; stride /= 2 {
				if kc.LocalID < stride {
					local[kc.LocalID] += local[kc.LocalID+stride]
				}
				kc.Barrier()
			}

			if kc.LocalID == 0 {
				out[rowID] = local[0] // leader write; no other thread touches out[rowID]
			}
		})
	})
}

// rowMajorMat is the minimal dense-f32 row view MatVecRowMajor needs; it
// avoids importing internal/weights here so internal/accel stays a pure
// kernel-simulation package independent of the weights/quant data model,
// exercised directly by its own tests with synthetic data.
type rowMajorMat struct {
	rows, cols int
	data       []float32
}

// NewRowMajorMat wraps a flat row-major f32 slice for use with MatVecRowMajor.
func NewRowMajorMat(rows, cols int, data []float32) *rowMajorMat {
	return &rowMajorMat{rows: rows, cols: cols, data: data}
}

func (m *rowMajorMat) row(r int) []float32 {
	return m.data[r*m.cols : r*m.cols+m.cols]
}
