package layer

import (
	"math"
	"testing"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/quant"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

// smallConfig builds the S1 configuration from spec.md §8: 2-layer, dim=8,
// numberOfHeads=2, headSize=4, hiddenDim=16, vocab=10.
func smallConfig() config.Config {
	return config.Config{
		Dim:                   8,
		HiddenDim:             16,
		NumberOfLayers:        2,
		NumberOfHeads:         2,
		NumberOfKeyValueHeads: 2,
		VocabularySize:        10,
		ContextLength:         8,
		RmsNormEps:            1e-5,
	}
}

// fixedMat builds a deterministic small-integer f32 matrix for seed tests.
func fixedMat(t *testing.T, rows, cols int, gen func(r, c int) float32) *weights.Mat {
	t.Helper()
	data := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[r*cols+c] = gen(r, c)
		}
	}
	m, err := weights.NewMatF32(rows, cols, data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func smallWeights(t *testing.T, cfg config.Config) *weights.Weights {
	t.Helper()
	gen := func(r, c int) float32 { return float32((r+c)%3) - 1 }
	tokEmb := fixedMat(t, cfg.VocabularySize, cfg.Dim, gen)
	rmsFinal := make([]float32, cfg.Dim)
	for i := range rmsFinal {
		rmsFinal[i] = 1
	}
	wcls := fixedMat(t, cfg.VocabularySize, cfg.Dim, gen)

	layers := make([]weights.Layer, cfg.NumberOfLayers)
	for l := range layers {
		rmsAtt := make([]float32, cfg.Dim)
		rmsFfn := make([]float32, cfg.Dim)
		for i := range rmsAtt {
			rmsAtt[i] = 1
			rmsFfn[i] = 1
		}
		layers[l] = weights.Layer{
			RmsAttWeight: rmsAtt,
			Wq:           fixedMat(t, cfg.Dim, cfg.Dim, gen),
			Wk:           fixedMat(t, cfg.KvDim(), cfg.Dim, gen),
			Wv:           fixedMat(t, cfg.KvDim(), cfg.Dim, gen),
			Wo:           fixedMat(t, cfg.Dim, cfg.Dim, gen),
			RmsFfnWeight: rmsFfn,
			W1:           fixedMat(t, cfg.HiddenDim, cfg.Dim, gen),
			W3:           fixedMat(t, cfg.HiddenDim, cfg.Dim, gen),
			W2:           fixedMat(t, cfg.Dim, cfg.HiddenDim, gen),
		}
	}

	w, err := weights.New(cfg, tokEmb, layers, rmsFinal, wcls)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// TestForwardDeterministic implements spec.md §8 property 8 on the S1
// configuration and prompt: two independent sessions fed the same prompt
// produce identical logits bit-for-bit on the pure f32 CPU path. It does not
// compare the logits against fixed expected values.
func TestForwardDeterministic(t *testing.T) {
	cfg := smallConfig()
	w := smallWeights(t, cfg)
	prompt := []int{1, 2}

	run := func() []float32 {
		st, err := state.NewState(cfg, 0)
		if err != nil {
			t.Fatal(err)
		}
		d, err := NewDriver(cfg, BackendCPU)
		if err != nil {
			t.Fatal(err)
		}
		var logits []float32
		for pos, tok := range prompt {
			var err error
			logits, err = d.Forward(w, st, tok, pos)
			if err != nil {
				t.Fatal(err)
			}
		}
		return append([]float32(nil), logits...)
	}

	a := run()
	b := run()
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("index %d: %v != %v (not bit-for-bit deterministic)", i, a[i], b[i])
		}
	}
}

// TestForwardQ8_0IdentityMatchesF32 implements scenario S2: wq stored as
// Q8_0 with scale 1.0 and identity quantization must match the f32 path.
// Quantized matrices need cols to be a multiple of 32 (weights.NewMatQuantized),
// so this test widens the S1 configuration to dim=32.
func TestForwardQ8_0IdentityMatchesF32(t *testing.T) {
	cfg := smallConfig()
	cfg.Dim = 32
	wF32 := smallWeights(t, cfg)

	// Replace layer 0's wq with an identity-quantized Q8_0 encoding of the
	// same values.
	origWq := wF32.Layers[0].Wq
	raw := make([]byte, origWq.R*(origWq.C/32)*34)
	blocksPerRow := origWq.C / 32
	for r := 0; r < origWq.R; r++ {
		for b := 0; b < blocksPerRow; b++ {
			off := (r*blocksPerRow + b) * 34
			raw[off], raw[off+1] = 0x00, 0x3C // half(1.0)
			for i := 0; i < 32; i++ {
				v := origWq.Data[r*origWq.C+b*32+i]
				raw[off+2+i] = byte(int8(v))
			}
		}
	}
	qWq, err := weights.NewMatQuantized(origWq.R, origWq.C, quant.EncodingQ8_0, raw)
	if err != nil {
		t.Fatal(err)
	}
	wF32.Layers[0].Wq = qWq

	wRef := smallWeights(t, cfg)

	prompt := []int{1, 2}
	runLogits := func(w *weights.Weights) []float32 {
		st, err := state.NewState(cfg, 0)
		if err != nil {
			t.Fatal(err)
		}
		d, err := NewDriver(cfg, BackendCPU)
		if err != nil {
			t.Fatal(err)
		}
		var logits []float32
		for pos, tok := range prompt {
			logits, err = d.Forward(w, st, tok, pos)
			if err != nil {
				t.Fatal(err)
			}
		}
		return logits
	}

	got := runLogits(wF32)
	want := runLogits(wRef)
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Errorf("logit %d: got %v, want %v (Q8_0 identity should match f32)", i, got[i], want[i])
		}
	}
}

// TestForwardRejectsPositionOutOfRange checks spec.md §7's PositionOutOfRange
// error kind.
func TestForwardRejectsPositionOutOfRange(t *testing.T) {
	cfg := smallConfig()
	w := smallWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDriver(cfg, BackendCPU)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Forward(w, st, 0, cfg.ContextLength); err == nil {
		t.Fatal("expected PositionOutOfRange error")
	}
}

// TestForwardAcceleratorMatchesCPU checks that BackendAccelerator produces
// the same final logits as BackendCPU after a three-token prompt, per
// spec.md §4.8's routing requirement, within an absolute tolerance of 1e-2.
func TestForwardAcceleratorMatchesCPU(t *testing.T) {
	cfg := smallConfig()
	wCPU := smallWeights(t, cfg)
	wAccel := smallWeights(t, cfg)
	prompt := []int{1, 2, 3}

	runLogits := func(w *weights.Weights, backend Backend) []float32 {
		st, err := state.NewState(cfg, 0)
		if err != nil {
			t.Fatal(err)
		}
		d, err := NewDriver(cfg, backend)
		if err != nil {
			t.Fatal(err)
		}
		var logits []float32
		for pos, tok := range prompt {
			logits, err = d.Forward(w, st, tok, pos)
			if err != nil {
				t.Fatal(err)
			}
		}
		return logits
	}

	cpuLogits := runLogits(wCPU, BackendCPU)
	accelLogits := runLogits(wAccel, BackendAccelerator)

	for i := range cpuLogits {
		if math.Abs(float64(cpuLogits[i]-accelLogits[i])) > 1e-2 {
			t.Errorf("logit %d: cpu=%v accelerator=%v", i, cpuLogits[i], accelLogits[i])
		}
	}
}
