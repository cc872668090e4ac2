package tensor

import (
	"runtime"
	"sync"

	"github.com/carrick-ai/ember/internal/weights"
)

// matVecTask is one contiguous range of output rows assigned to a worker,
// grounded on the teacher's internal/tensor/matvec.go matVecTask/matVecPool.
type matVecTask struct {
	dst      []float32
	w        *weights.Mat
	x        []float32
	residual bool
	rs, re   int
	done     chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

func newMatVecPool() *matVecPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.residual, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var globalMatVecPool = newMatVecPool()

func matVecRange(dst []float32, w *weights.Mat, x []float32, residual bool, rs, re int) {
	for r := rs; r < re; r++ {
		dot := w.DotRow(r, x)
		if residual {
			dst[r] += dot
		} else {
			dst[r] = dot
		}
	}
}

// dispatch fans a [0, rows) loop out across the pool when it's worth the
// synchronization cost, falling back to a direct call for small matrices.
func dispatch(dst []float32, w *weights.Mat, x []float32, residual bool) {
	rows := w.R
	if rows == 0 {
		return
	}
	const minRowsForPool = 64
	workers := globalMatVecPool.size
	if rows < minRowsForPool || workers <= 1 {
		matVecRange(dst, w, x, residual, 0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	done := <-globalMatVecPool.doneSlots
	launched := 0
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		globalMatVecPool.tasks <- matVecTask{dst: dst, w: w, x: x, residual: residual, rs: rs, re: re, done: done}
		launched++
	}
	for range launched {
		<-done
	}
	globalMatVecPool.doneSlots <- done
}

// MatVec computes out[r] = dot(W[r,:], x) for r in [0, rows), per spec.md
// §4.2 wrapper 1.
func MatVec(out []float32, w *weights.Mat, x []float32) {
	dispatch(out, w, x, false)
}

// MatVecAdd computes out[r] += dot(W[r,:], x), reading old out[r] exactly
// once, per spec.md §4.2 wrapper 2.
func MatVecAdd(out []float32, w *weights.Mat, x []float32) {
	dispatch(out, w, x, true)
}

// SwiGLU computes the fused feed-forward of spec.md §4.5: g = w1·x, u = w3·x,
// hb[i] = silu(g[i]) * u[i]. gateScratch and upScratch are caller-owned
// scratch buffers of length hiddenDim, avoiding allocation on the hot path.
func SwiGLU(hb, gateScratch, upScratch []float32, w1, w3 *weights.Mat, x []float32) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		MatVec(gateScratch, w1, x)
	}()
	go func() {
		defer wg.Done()
		MatVec(upScratch, w3, x)
	}()
	wg.Wait()

	for i := range hb {
		hb[i] = Silu(gateScratch[i]) * upScratch[i]
	}
}
