package generate

import (
	"context"
	"testing"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/sample"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

func testConfig() config.Config {
	return config.Config{
		Dim:                   8,
		HiddenDim:             16,
		NumberOfLayers:        2,
		NumberOfHeads:         2,
		NumberOfKeyValueHeads: 2,
		VocabularySize:        10,
		ContextLength:         6,
		RmsNormEps:            1e-5,
	}
}

func testMat(t *testing.T, rows, cols int) *weights.Mat {
	t.Helper()
	data := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[r*cols+c] = float32((r+c)%3) - 1
		}
	}
	m, err := weights.NewMatF32(rows, cols, data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testWeights(t *testing.T, cfg config.Config) *weights.Weights {
	t.Helper()
	tokEmb := testMat(t, cfg.VocabularySize, cfg.Dim)
	wcls := testMat(t, cfg.VocabularySize, cfg.Dim)
	rmsFinal := make([]float32, cfg.Dim)
	for i := range rmsFinal {
		rmsFinal[i] = 1
	}

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
			Wq:           testMat(t, cfg.Dim, cfg.Dim),
			Wk:           testMat(t, cfg.KvDim(), cfg.Dim),
			Wv:           testMat(t, cfg.KvDim(), cfg.Dim),
			Wo:           testMat(t, cfg.Dim, cfg.Dim),
			RmsFfnWeight: rmsFfn,
			W1:           testMat(t, cfg.HiddenDim, cfg.Dim),
			W3:           testMat(t, cfg.HiddenDim, cfg.Dim),
			W2:           testMat(t, cfg.Dim, cfg.HiddenDim),
		}
	}

	w, err := weights.New(cfg, tokEmb, layers, rmsFinal, wcls)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func newTestDriver(t *testing.T, cfg config.Config) *layer.Driver {
	t.Helper()
	d, err := layer.NewDriver(cfg, layer.BackendCPU)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// TestRunPromptForcingNotAppended checks that prompt-forced tokens are
// excluded from GeneratedTokens, per spec.md §4.9. MaxTokens is large enough
// to cover the whole prompt plus room for generation, so the assertion
// isolates the "not appended" behavior from the shared-budget truncation
// TestRunMaxTokensBoundsPromptIngestion covers separately.
func TestRunPromptForcingNotAppended(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	res, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: []int{1, 2, 3},
		MaxTokens:    5, // 3 prompt steps + 2 generation steps
		Sampler:      sample.Greedy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.GeneratedTokens) != 2 {
		t.Fatalf("expected 2 generated tokens, got %d: %v", len(res.GeneratedTokens), res.GeneratedTokens)
	}
	if res.PromptTokenCount != 3 {
		t.Fatalf("expected PromptTokenCount 3, got %d", res.PromptTokenCount)
	}
}

// TestRunMaxTokensBoundsPromptIngestion implements the Llama.java
// generateTokens semantics: MaxTokens is a single position budget shared by
// prompt forcing and generation, so a prompt longer than the budget
// truncates ingestion itself and may leave nothing to generate.
func TestRunMaxTokensBoundsPromptIngestion(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	res, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: []int{1, 2, 3},
		MaxTokens:    2,
		Sampler:      sample.Greedy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.GeneratedTokens) != 0 {
		t.Fatalf("expected no generated tokens when the budget is consumed by prompt ingestion, got %v", res.GeneratedTokens)
	}
	if st.Position != 2 {
		t.Fatalf("expected position to advance by only 2 of the 3 prompt tokens, got %d", st.Position)
	}
}

// TestRunEchoDoesNotAppendPromptTokens checks that Echo is a side-channel
// trace only: it never changes GeneratedTokens, for prompt-forced tokens or
// generated ones.
func TestRunEchoDoesNotAppendPromptTokens(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	res, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: []int{1, 2},
		MaxTokens:    3,
		Sampler:      sample.Greedy,
		Echo:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.GeneratedTokens) != 1 {
		t.Fatalf("expected 1 generated token regardless of Echo, got %d: %v", len(res.GeneratedTokens), res.GeneratedTokens)
	}
}

// TestRunPromptFillsContext implements spec.md §8 scenario S4: a prompt
// whose length equals contextLength leaves no room for generation, so
// GeneratedTokens is empty.
func TestRunPromptFillsContext(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	prompt := make([]int, cfg.ContextLength)
	for i := range prompt {
		prompt[i] = (i + 1) % cfg.VocabularySize
	}

	res, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: prompt,
		Sampler:      sample.Greedy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.GeneratedTokens) != 0 {
		t.Fatalf("expected no generated tokens when prompt fills the context, got %v", res.GeneratedTokens)
	}
}

// TestRunStopTokenTerminatesImmediately implements spec.md §8 scenario S5: a
// stop-token set containing the first sampled token yields a single-element
// result.
func TestRunStopTokenTerminatesImmediately(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	probe, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: []int{1},
		MaxTokens:    2, // 1 prompt step + 1 generation step
		Sampler:      sample.Greedy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(probe.GeneratedTokens) != 1 {
		t.Fatalf("expected exactly one probe token, got %v", probe.GeneratedTokens)
	}
	firstToken := probe.GeneratedTokens[0]

	st2, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st2,
		PromptTokens: []int{1},
		MaxTokens:    cfg.ContextLength,
		Sampler:      sample.Greedy,
		StopTokens:   map[int]struct{}{firstToken: {}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.GeneratedTokens) != 1 {
		t.Fatalf("expected generation to stop after 1 token, got %v", res.GeneratedTokens)
	}
	if !res.StoppedOnToken {
		t.Fatal("expected StoppedOnToken to be true")
	}
}

// TestRunInvokesCallbackPerGeneratedToken checks OnToken is called once per
// generated token, in order, and never for prompt-forced tokens.
func TestRunInvokesCallbackPerGeneratedToken(t *testing.T) {
	cfg := testConfig()
	w := testWeights(t, cfg)
	st, err := state.NewState(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDriver(t, cfg)

	var calls []int
	_, err = Run(context.Background(), Options{
		Driver:       d,
		Weights:      w,
		State:        st,
		PromptTokens: []int{1, 2},
		MaxTokens:    4, // 2 prompt steps + 2 generation steps
		Sampler:      sample.Greedy,
		OnToken:      func(pos, token int) { calls = append(calls, token) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(calls))
	}
}
