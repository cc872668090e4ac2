package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/carrick-ai/ember/internal/generate"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/logger"
	"github.com/carrick-ai/ember/internal/sample"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

// benchCmd runs standardized throughput benchmarks over a loaded model
// using a synthetic prompt, grounded on the teacher's cmd/mantle/benchmark.go
// warmup/runs loop and summary table. The prompt is a fixed token sequence
// rather than text, since tokenization is out of scope per spec.md §1.
func benchCmd() *cli.Command {
	var (
		bundlePath  string
		backendName string
		warmupRuns  int64
		benchRuns   int64
		steps       int64
		promptLen   int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "run standardized throughput benchmarks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "bundle", Aliases: []string{"b"},
				Usage: "path to the weights manifest YAML file", Destination: &bundlePath,
			},
			&cli.StringFlag{
				Name: "backend", Value: "cpu", Destination: &backendName,
			},
			&cli.Int64Flag{
				Name: "warmup", Value: 1, Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name: "runs", Value: 3, Destination: &benchRuns,
			},
			&cli.Int64Flag{
				Name: "steps", Aliases: []string{"n"}, Usage: "position budget per run, shared by prompt ingestion and generation",
				Value: 64, Destination: &steps,
			},
			&cli.Int64Flag{
				Name: "prompt-len", Usage: "synthetic prompt length in tokens",
				Value: 16, Destination: &promptLen,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if bundlePath == "" {
				return cli.Exit("error: --bundle is required", 1)
			}

			log.Info("loading model for benchmark", "path", bundlePath)
			loadStart := time.Now()
			bundle, err := weights.LoadManifest(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load manifest: %v", err), 1)
			}
			w, err := weights.LoadWeights(bundle)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: assemble weights: %v", err), 1)
			}
			loadDuration := time.Since(loadStart)

			backend, err := parseBackend(backendName)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			driver, err := layer.NewDriver(bundle.Config, backend)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			prompt := syntheticPrompt(int(promptLen), bundle.Config.VocabularySize)

			fmt.Println("=== Throughput Benchmark ===")
			fmt.Printf("Bundle:     %s\n", bundlePath)
			fmt.Printf("Backend:    %s\n", backend)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Prompt:     %d tokens (synthetic)\n", len(prompt))
			fmt.Printf("Steps:      %d tokens\n", steps)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			runOnce := func() (generate.Result, error) {
				st, err := state.NewState(bundle.Config, prompt[0])
				if err != nil {
					return generate.Result{}, err
				}
				return generate.Run(ctx, generate.Options{
					Driver: driver, Weights: w, State: st,
					PromptTokens: prompt[1:], MaxTokens: int(steps), Sampler: sample.Greedy,
				})
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := runOnce(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]generate.Result, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				res, err := runOnce()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, res)
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %10s\n", "Run", "Prompt TPS", "Gen TPS", "Tokens")
			var sumPrompt, sumGen float64
			for i, r := range results {
				fmt.Printf("%-6d %12.2f %12.2f %10d\n", i+1, r.PromptTokensPerSec, r.GenerationTokensPerSec, r.GeneratedTokenCount)
				sumPrompt += r.PromptTokensPerSec
				sumGen += r.GenerationTokensPerSec
			}
			n := float64(len(results))
			fmt.Printf("\n%-6s %12.2f %12.2f\n", "Avg", sumPrompt/n, sumGen/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024), float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

func syntheticPrompt(n, vocab int) []int {
	if n <= 0 {
		n = 1
	}
	prompt := make([]int, n)
	for i := range prompt {
		prompt[i] = i % vocab
	}
	return prompt
}
