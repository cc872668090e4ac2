// Package layer composes the eight per-layer steps of spec.md §4.8 into a
// full forward pass, routing between a pure-CPU implementation
// (internal/tensor, internal/attention) and an accelerator-offloaded
// implementation (internal/accel), chosen once at driver construction.
// Grounded on Llama.java's forward() method for step ordering and on
// internal/backend.Backend for the CPU/accelerator enum shape.
package layer

import (
	"fmt"

	"github.com/carrick-ai/ember/internal/attention"
	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/rope"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/tensor"
	"github.com/carrick-ai/ember/internal/weights"
)

// Backend selects which implementation of the per-layer kernels a Driver
// uses. Chosen explicitly at construction time rather than read from a
// process-wide flag, per spec.md §9's design note.
type Backend int

const (
	BackendCPU Backend = iota
	BackendAccelerator
)

func (b Backend) String() string {
	switch b {
	case BackendCPU:
		return "cpu"
	case BackendAccelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// UseFlashAttention selects between the reference (§4.6) and tiled (§4.7)
// attention kernel on the CPU path; the accelerator path always uses the
// work-group flash kernel, since that is the one with explicit barriers.
type Driver struct {
	cfg     config.Config
	backend Backend
	rope    *rope.Table

	UseFlashAttention bool
}

// NewDriver builds a Driver for cfg, bound to backend for its lifetime.
func NewDriver(cfg config.Config, backend Backend) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		cfg:     cfg,
		backend: backend,
		rope:    rope.NewTable(cfg.HeadSize(), cfg.EffectiveRopeBase()),
	}, nil
}

// Backend reports the driver's execution path.
func (d *Driver) Backend() Backend { return d.backend }

// Forward runs one token through every layer and the final classifier,
// mutating st and returning a view of st.Logits valid until the next call,
// per spec.md §6's forward(weights, state, tokenId, position) contract.
func (d *Driver) Forward(w *weights.Weights, st *state.State, token, position int) ([]float32, error) {
	if err := st.CheckPosition(position); err != nil {
		return nil, err
	}

	embeddingRow := w.TokenEmbedding.Row(token, d.cfg.Dim)
	copy(st.X, embeddingRow)

	for l, layerWeights := range w.Layers {
		if err := d.forwardLayer(w, &layerWeights, st, l, position); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
	}

	tensor.RMSNorm(st.X, st.X, w.RmsFinalWeight, d.cfg.RmsNormEps)
	tensor.MatVec(st.Logits, w.Wcls, st.X)

	return st.Logits, nil
}

func (d *Driver) forwardLayer(w *weights.Weights, lw *weights.Layer, st *state.State, l, pos int) error {
	cfg := d.cfg

	// 1. rmsnorm(xb, x, rmsAttWeight[l])
	switch d.backend {
	case BackendAccelerator:
		d.accelRMSNorm(st.Xb, st.X, lw.RmsAttWeight)
	default:
		tensor.RMSNorm(st.Xb, st.X, lw.RmsAttWeight, cfg.RmsNormEps)
	}

	// 2. q, k, v projections
	switch d.backend {
	case BackendAccelerator:
		d.accelMatVec(st.Q, lw.Wq, st.Xb)
		d.accelMatVec(st.K, lw.Wk, st.Xb)
		d.accelMatVec(st.V, lw.Wv, st.Xb)
	default:
		tensor.MatVec(st.Q, lw.Wq, st.Xb)
		tensor.MatVec(st.K, lw.Wk, st.Xb)
		tensor.MatVec(st.V, lw.Wv, st.Xb)
	}

	// 3. RoPE on q and (conditionally) k
	d.rope.ApplyQK(st.Q, st.K, pos, cfg.NumberOfHeads, cfg.KvDim())

	// 4. write k, v into this layer's cache slots at position pos
	copy(st.CacheSlot(st.KeyCache, l, pos), st.K)
	copy(st.CacheSlot(st.ValueCache, l, pos), st.V)

	// 5. attention into xb
	switch d.backend {
	case BackendAccelerator:
		d.accelAttention(st, l, pos)
	default:
		in := attention.Inputs{
			Cfg:      cfg,
			Q:        st.Q,
			KeyCache: st.KeyCache[l],
			ValCache: st.ValueCache[l],
			Att:      st.Att,
			Xb:       st.Xb,
			Pos:      pos,
		}
		if d.UseFlashAttention {
			attention.Flash(in)
		} else {
			attention.Naive(in)
		}
	}

	// 6. xb2 <- wo*xb; x += xb2
	switch d.backend {
	case BackendAccelerator:
		d.accelMatVec(st.Xb2, lw.Wo, st.Xb)
	default:
		tensor.MatVec(st.Xb2, lw.Wo, st.Xb)
	}
	tensor.Add(st.X, st.Xb2)

	// 7. rmsnorm(xb, x, rmsFfnWeight[l])
	switch d.backend {
	case BackendAccelerator:
		d.accelRMSNorm(st.Xb, st.X, lw.RmsFfnWeight)
	default:
		tensor.RMSNorm(st.Xb, st.X, lw.RmsFfnWeight, cfg.RmsNormEps)
	}

	// 8. SwiGLU into hb; xb <- w2*hb; x += xb
	tensor.SwiGLU(st.Hb, st.Hb2, st.Hb3, lw.W1, lw.W3, st.Xb)
	switch d.backend {
	case BackendAccelerator:
		d.accelMatVec(st.Xb, lw.W2, st.Hb)
	default:
		tensor.MatVec(st.Xb, lw.W2, st.Hb)
	}
	tensor.Add(st.X, st.Xb)

	return nil
}
