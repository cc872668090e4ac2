package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/carrick-ai/ember/internal/generate"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/logger"
	"github.com/carrick-ai/ember/internal/sample"
	"github.com/carrick-ai/ember/internal/state"
	"github.com/carrick-ai/ember/internal/weights"
)

func runCmd() *cli.Command {
	cfg := LoadDefaults()

	var (
		bundlePath   string
		backendName  string
		promptTokens string
		stopTokens   string
		seedToken    int64
		maxTokens    int64
		temp         float64
		topK         int64
		topP         float64
		seed         int64
		echoPrompt   bool
		flash        bool
		interactive  bool
		logLevel     string
		logFormat    string
		cpuProfile   string
		memProfile   string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "run the forward pass over a prompt token sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "bundle", Aliases: []string{"b"},
				Usage: "path to the weights manifest YAML file", Destination: &bundlePath,
			},
			&cli.StringFlag{
				Name: "backend", Usage: "cpu or accelerator", Value: valueOr(cfg.Backend, "cpu"),
				Destination: &backendName,
			},
			&cli.StringFlag{
				Name: "prompt-tokens", Aliases: []string{"p"},
				Usage: "comma-separated prompt token ids (the tokenizer is out of scope for this module)",
				Destination: &promptTokens,
			},
			&cli.StringFlag{
				Name: "stop-tokens", Usage: "comma-separated stop token ids", Destination: &stopTokens,
			},
			&cli.Int64Flag{
				Name: "seed-token", Usage: "beginning-of-text token id seeding the session",
				Destination: &seedToken,
			},
			&cli.Int64Flag{
				Name: "max-tokens", Aliases: []string{"n"},
				Usage: "shared position budget for prompt ingestion plus generation (<=0 means fill the remaining context)",
				Value: int64Or(cfg.MaxTokens, 0), Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name: "temp", Aliases: []string{"temperature", "t"},
				Usage: "sampling temperature (<=0 selects greedy decoding)",
				Value: float64Or(cfg.Temperature, 0), Destination: &temp,
			},
			&cli.Int64Flag{
				Name: "top-k", Value: int64Or(cfg.TopK, 0), Destination: &topK,
			},
			&cli.Float64Flag{
				Name: "top-p", Value: float64Or(cfg.TopP, 0), Destination: &topP,
			},
			&cli.Int64Flag{
				Name: "seed", Usage: "sampler RNG seed", Value: int64Or(cfg.Seed, 1), Destination: &seed,
			},
			&cli.BoolFlag{
				Name: "echo", Usage: "include prompt tokens in the printed output", Destination: &echoPrompt,
			},
			&cli.BoolFlag{
				Name: "flash-attention", Usage: "use the tiled online-softmax attention kernel on the CPU backend",
				Destination: &flash,
			},
			&cli.BoolFlag{
				Name: "interactive", Aliases: []string{"i"},
				Usage: "read prompt token lines from stdin instead of --prompt-tokens",
				Destination: &interactive,
			},
			&cli.StringFlag{
				Name: "log-level", Value: valueOr(cfg.LogLevel, "info"), Destination: &logLevel,
			},
			&cli.StringFlag{
				Name: "log-format", Value: valueOr(cfg.LogFormat, "pretty"), Destination: &logFormat,
			},
			&cli.StringFlag{
				Name: "cpuprofile", Destination: &cpuProfile,
			},
			&cli.StringFlag{
				Name: "memprofile", Destination: &memProfile,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := newLogger(logFormat, logLevel)
			ctx = logger.WithContext(ctx, log)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("create cpu profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("start cpu profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer writeMemProfile(memProfile)
			}

			if bundlePath == "" {
				return cli.Exit("error: --bundle is required", 1)
			}

			loadStart := time.Now()
			bundle, err := weights.LoadManifest(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load manifest: %v", err), 1)
			}
			w, err := weights.LoadWeights(bundle)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: assemble weights: %v", err), 1)
			}
			log.Info("model loaded", "duration", time.Since(loadStart), "dim", bundle.Config.Dim,
				"layers", bundle.Config.NumberOfLayers, "vocab", bundle.Config.VocabularySize)

			backend, err := parseBackend(backendName)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			driver, err := layer.NewDriver(bundle.Config, backend)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			driver.UseFlashAttention = flash

			stop, err := parseIntList(stopTokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: parse --stop-tokens: %v", err), 1)
			}
			stopSet := make(map[int]struct{}, len(stop))
			for _, t := range stop {
				stopSet[t] = struct{}{}
			}

			sampler := samplerFromFlags(temp, topK, topP, seed)

			st, err := state.NewState(bundle.Config, int(seedToken))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			runOnce := func(prompt []int) error {
				res, err := generate.Run(ctx, generate.Options{
					Driver: driver, Weights: w, State: st,
					PromptTokens: prompt, StopTokens: stopSet, MaxTokens: int(maxTokens),
					Sampler: sampler, Echo: echoPrompt,
					OnToken: func(_, token int) { fmt.Printf("%d ", token) },
				})
				if err != nil {
					return err
				}
				fmt.Println()
				log.Info("generation complete",
					"generated_tokens", res.GeneratedTokenCount,
					"generation_tokens_per_sec", res.GenerationTokensPerSec,
					"prompt_tokens_per_sec", res.PromptTokensPerSec,
					"stopped_on_token", res.StoppedOnToken)
				return nil
			}

			if interactive {
				fmt.Fprintln(os.Stderr, "Interactive mode. Enter space-separated token ids, or /exit to quit.")
				for {
					line, err := readInteractiveLine("tokens> ")
					if err != nil {
						break
					}
					if strings.TrimSpace(line) == "/exit" {
						break
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					prompt, err := parseIntList(strings.ReplaceAll(line, " ", ","))
					if err != nil {
						fmt.Fprintln(os.Stderr, "error: parse tokens:", err)
						continue
					}
					if err := runOnce(prompt); err != nil {
						fmt.Fprintln(os.Stderr, "error: generate:", err)
					}
				}
				return nil
			}

			prompt, err := parseIntList(promptTokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: parse --prompt-tokens: %v", err), 1)
			}
			if len(prompt) == 0 {
				return cli.Exit("error: --prompt-tokens or --interactive is required", 1)
			}
			return runOnce(prompt)
		},
	}
}

func parseBackend(s string) (layer.Backend, error) {
	switch strings.ToLower(s) {
	case "", "cpu":
		return layer.BackendCPU, nil
	case "accelerator", "accel", "gpu":
		return layer.BackendAccelerator, nil
	default:
		return 0, fmt.Errorf("error: unknown backend %q (want cpu or accelerator)", s)
	}
}

func samplerFromFlags(temp float64, topK int64, topP float64, seed int64) sample.Sampler {
	if temp <= 0 {
		return sample.Greedy
	}
	return sample.NewTemperature(sample.TemperatureConfig{
		Temperature: float32(temp),
		TopK:        int(topK),
		TopP:        float32(topP),
		Rand:        newSeededRand(seed),
	})
}

func parseIntList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func newLogger(format, level string) logger.Logger {
	w := os.Stderr
	lvl := parseLevel(level)
	switch format {
	case "json":
		return logger.JSON(w, lvl)
	case "text":
		return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		return logger.Pretty(w, lvl)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeMemProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create memory profile: %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()
	if err := pprof.WriteHeapProfile(f); err != nil {
		fmt.Fprintf(os.Stderr, "write memory profile: %v\n", err)
	}
}

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func int64Or(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}

func float64Or(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
