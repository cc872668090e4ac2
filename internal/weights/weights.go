package weights

import (
	"fmt"

	"github.com/carrick-ai/ember/internal/config"
)

// Layer holds the per-layer weight matrices named in spec.md §3.
type Layer struct {
	RmsAttWeight []float32
	Wq, Wk, Wv   *Mat
	Wo           *Mat
	RmsFfnWeight []float32
	W1, W3       *Mat // gate, up
	W2           *Mat // down
}

// Weights is the immutable-for-a-session collection of matrices spec.md §3
// names. Wcls may alias TokenEmbedding.
type Weights struct {
	TokenEmbedding *Mat
	Layers         []Layer
	RmsFinalWeight []float32
	Wcls           *Mat
}

// New validates every matrix's shape against cfg and returns a Weights ready
// for use by layer.Driver. Any disagreement is ErrShapeMismatch, fatal at
// load time per spec.md §7.
func New(cfg config.Config, tokenEmbedding *Mat, layers []Layer, rmsFinalWeight []float32, wcls *Mat) (*Weights, error) {
	dim, hidden, kvDim := cfg.Dim, cfg.HiddenDim, cfg.KvDim()

	if err := checkShape("tokenEmbedding", tokenEmbedding, cfg.VocabularySize, dim); err != nil {
		return nil, err
	}
	if len(rmsFinalWeight) != dim {
		return nil, fmt.Errorf("%w: rmsFinalWeight has %d elements, want %d", ErrShapeMismatch, len(rmsFinalWeight), dim)
	}
	if err := checkShape("wcls", wcls, cfg.VocabularySize, dim); err != nil {
		return nil, err
	}
	if len(layers) != cfg.NumberOfLayers {
		return nil, fmt.Errorf("%w: got %d layers, want %d", ErrShapeMismatch, len(layers), cfg.NumberOfLayers)
	}
	for i, l := range layers {
		if len(l.RmsAttWeight) != dim {
			return nil, fmt.Errorf("%w: layer %d rmsAttWeight has %d elements, want %d", ErrShapeMismatch, i, len(l.RmsAttWeight), dim)
		}
		if len(l.RmsFfnWeight) != dim {
			return nil, fmt.Errorf("%w: layer %d rmsFfnWeight has %d elements, want %d", ErrShapeMismatch, i, len(l.RmsFfnWeight), dim)
		}
		if err := checkShape(fmt.Sprintf("layer %d wq", i), l.Wq, dim, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d wk", i), l.Wk, kvDim, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d wv", i), l.Wv, kvDim, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d wo", i), l.Wo, dim, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d w1", i), l.W1, hidden, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d w3", i), l.W3, hidden, dim); err != nil {
			return nil, err
		}
		if err := checkShape(fmt.Sprintf("layer %d w2", i), l.W2, dim, hidden); err != nil {
			return nil, err
		}
	}

	return &Weights{
		TokenEmbedding: tokenEmbedding,
		Layers:         layers,
		RmsFinalWeight: rmsFinalWeight,
		Wcls:           wcls,
	}, nil
}

func checkShape(name string, m *Mat, rows, cols int) error {
	if m == nil {
		return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, name)
	}
	if m.R != rows || m.C != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShapeMismatch, name, m.R, m.C, rows, cols)
	}
	return nil
}
