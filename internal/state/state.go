// Package state holds the mutable per-session tensors spec.md §3 names: the
// residual stream, activation/FFN scratch, per-step Q/K/V projections,
// attention scratch, logits, and the KV caches. Grounded on spec.md §3's
// State section directly; the teacher has no single equivalent type (its
// runtime instance combined state with model weights), so this is a fresh
// package in the teacher's naming/error-wrapping idiom
// (internal/api/errors.go's sentinel style).
package state

import (
	"fmt"

	"github.com/carrick-ai/ember/internal/config"
)

// ErrPositionOutOfRange is returned when position >= contextLength, fatal
// for the session per spec.md §7.
var ErrPositionOutOfRange = fmt.Errorf("state: position out of range")

// State is the mutable, per-session collection of scratch and cache arrays
// from spec.md §3. It is owned by exactly one caller and is not safe for
// concurrent forward passes (spec.md §5).
type State struct {
	Config config.Config

	X   []float32 // [dim] current residual stream
	Xb  []float32 // [dim] activation scratch
	Xb2 []float32 // [dim] activation scratch
	Hb  []float32 // [hiddenDim] FFN scratch (gate*up, SiLU-gated)
	Hb2 []float32 // [hiddenDim] FFN scratch (gate projection)
	Hb3 []float32 // [hiddenDim] FFN scratch (up projection)

	Q []float32 // [dim] query projection
	K []float32 // [kvDim] key projection
	V []float32 // [kvDim] value projection

	Att []float32 // [numberOfHeads * contextLength] attention scores scratch

	Logits []float32 // [vocabularySize] final output

	KeyCache   [][]float32 // [numberOfLayers][contextLength * kvDim]
	ValueCache [][]float32 // [numberOfLayers][contextLength * kvDim]

	// LatestToken is the last token id emitted; the caller seeds it at
	// creation (the core has no notion of a beginning-of-text id — that
	// belongs to the tokenizer, out of scope per spec.md §1).
	LatestToken int
	Position    int
}

// NewState allocates all scratch and cache arrays to the sizes in spec.md
// §3, seeded with seedToken (the caller's beginning-of-text token id).
func NewState(cfg config.Config, seedToken int) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dim, hidden, kvDim := cfg.Dim, cfg.HiddenDim, cfg.KvDim()

	keyCache := make([][]float32, cfg.NumberOfLayers)
	valueCache := make([][]float32, cfg.NumberOfLayers)
	for l := range keyCache {
		keyCache[l] = make([]float32, cfg.ContextLength*kvDim)
		valueCache[l] = make([]float32, cfg.ContextLength*kvDim)
	}

	return &State{
		Config:      cfg,
		X:           make([]float32, dim),
		Xb:          make([]float32, dim),
		Xb2:         make([]float32, dim),
		Hb:          make([]float32, hidden),
		Hb2:         make([]float32, hidden),
		Hb3:         make([]float32, hidden),
		Q:           make([]float32, dim),
		K:           make([]float32, kvDim),
		V:           make([]float32, kvDim),
		Att:         make([]float32, cfg.NumberOfHeads*cfg.ContextLength),
		Logits:      make([]float32, cfg.VocabularySize),
		KeyCache:    keyCache,
		ValueCache:  valueCache,
		LatestToken: seedToken,
		Position:    0,
	}, nil
}

// CheckPosition enforces I4: at most contextLength distinct positions may be
// processed in one session.
func (s *State) CheckPosition(pos int) error {
	if pos < 0 || pos >= s.Config.ContextLength {
		return fmt.Errorf("%w: position %d (contextLength %d)", ErrPositionOutOfRange, pos, s.Config.ContextLength)
	}
	return nil
}

// CacheSlot returns the key/value cache slice for layer l at position pos,
// per I5's slot addressing: [l][p*kvDim .. (p+1)*kvDim).
func (s *State) CacheSlot(cache [][]float32, l, pos int) []float32 {
	kvDim := s.Config.KvDim()
	start := pos * kvDim
	return cache[l][start : start+kvDim]
}
