// Package generate implements the token generation loop of spec.md §4.9:
// prompt forcing followed by sampler-driven decoding, with stop-token and
// max-token-budget termination, plus the ambient rate-limiting addition from
// SPEC_FULL.md §4.9. Grounded on the teacher's internal/inference Generator
// (now removed from this tree, since its surrounding engine abstraction is
// out of scope) and on Llama.java's generateTokens loop for step ordering.
package generate

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/sample"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

// Callback is invoked once per generated (non-prompt-forced) token, in the
// order the tokens were produced.
type Callback func(position, token int)

// Options configures a single call to Run, matching spec.md §4.9's inputs:
// a prompt token list, a stop-token set, a max-token budget, a sampler, an
// echo flag, and an optional per-token callback.
type Options struct {
	Driver  *layer.Driver
	Weights *weights.Weights
	State   *state.State

	PromptTokens []int
	StopTokens   map[int]struct{}
	MaxTokens    int // clamped to the positions left in the session's context (contextLength - State.Position) if <= 0 or too large; bounds prompt ingestion and generation together, as one shared position budget
	Sampler      sample.Sampler
	// Echo, when true, prints every token processed (prompt-forced and
	// generated) to stderr for debugging. It never changes what Run
	// returns: GeneratedTokens and OnToken still see only generated tokens.
	Echo    bool
	OnToken Callback

	// Limiter, when non-nil, is waited on before every forward pass this
	// call makes — prompt-forced steps included — so a caller can bound the
	// tokens/sec rate of a long-running session without touching the core's
	// forward path. Not present in spec.md; an ambient addition per
	// SPEC_FULL.md §4.9.
	Limiter *rate.Limiter
}

// Result reports what Run produced plus the throughput metrics spec.md §4.9
// requires on exit.
type Result struct {
	GeneratedTokens []int
	StoppedOnToken  bool // true if termination was due to a stop token

	PromptTokenCount     int
	GeneratedTokenCount  int
	PromptEvalDuration   time.Duration
	GenerationDuration   time.Duration
	PromptTokensPerSec   float64
	GenerationTokensPerSec float64
}

// Run executes the loop described in spec.md §4.9: while prompt tokens
// remain, the next token is forced from opts.PromptTokens and is not
// appended to the result nor passed to OnToken; once the prompt is
// exhausted, opts.Sampler selects the next token from the forward pass's
// logits. opts.MaxTokens is a single position budget shared by both phases,
// so a prompt longer than the budget truncates ingestion itself and may
// leave no room for generation. Generation stops when a sampled token is in
// opts.StopTokens, when the budget is exhausted, or when the session runs
// out of context positions.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Driver == nil || opts.Weights == nil || opts.State == nil {
		return Result{}, fmt.Errorf("generate: Driver, Weights, and State are required")
	}
	if opts.Sampler == nil {
		opts.Sampler = sample.Greedy
	}

	maxTokens := opts.MaxTokens
	contextBudget := opts.State.Config.ContextLength - opts.State.Position
	if maxTokens <= 0 || maxTokens > contextBudget {
		maxTokens = contextBudget
	}

	var result Result
	result.PromptTokenCount = len(opts.PromptTokens)

	token := opts.State.LatestToken
	pos := opts.State.Position

	// stepsUsed counts every position advanced in either phase; it is the
	// single budget opts.MaxTokens bounds, matching Llama.java's
	// generateTokens, where one position loop spans both prompt forcing and
	// sampling.
	stepsUsed := 0

	promptStart := time.Now()
	promptIndex := 0
	for promptIndex < len(opts.PromptTokens) && stepsUsed < maxTokens {
		if err := waitLimiter(ctx, opts.Limiter); err != nil {
			return result, err
		}
		logits, err := opts.Driver.Forward(opts.Weights, opts.State, token, pos)
		if err != nil {
			return result, fmt.Errorf("generate: prompt step at position %d: %w", pos, err)
		}
		_ = logits // forced step: the sampled distribution is discarded

		next := opts.PromptTokens[promptIndex]
		promptIndex++
		pos++
		stepsUsed++
		token = next

		if opts.Echo {
			echoToken(next)
		}
	}
	result.PromptEvalDuration = time.Since(promptStart)

	genStart := time.Now()
	for stepsUsed < maxTokens && pos < opts.State.Config.ContextLength {
		if err := waitLimiter(ctx, opts.Limiter); err != nil {
			return result, err
		}
		logits, err := opts.Driver.Forward(opts.Weights, opts.State, token, pos)
		if err != nil {
			return result, fmt.Errorf("generate: generation step at position %d: %w", pos, err)
		}

		next := opts.Sampler(logits)
		pos++
		stepsUsed++
		token = next

		if opts.Echo {
			echoToken(next)
		}

		result.GeneratedTokens = append(result.GeneratedTokens, next)
		result.GeneratedTokenCount++
		if opts.OnToken != nil {
			opts.OnToken(pos-1, next)
		}

		if _, stop := opts.StopTokens[next]; stop {
			result.StoppedOnToken = true
			break
		}
	}
	result.GenerationDuration = time.Since(genStart)

	opts.State.LatestToken = token
	opts.State.Position = pos

	if s := result.PromptEvalDuration.Seconds(); s > 0 {
		result.PromptTokensPerSec = float64(result.PromptTokenCount) / s
	}
	if s := result.GenerationDuration.Seconds(); s > 0 {
		result.GenerationTokensPerSec = float64(result.GeneratedTokenCount) / s
	}

	return result, nil
}

func waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// echoToken writes a debug trace of token to stderr. Decoding to text is the
// tokenizer's job, out of scope here, so this prints the raw token id.
func echoToken(token int) {
	fmt.Fprintf(os.Stderr, "%d ", token)
}
