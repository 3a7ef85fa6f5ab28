package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/conduit/internal/engine"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/logits"
)

// randomSeed seeds the sampler when --seed is negative.
var randomSeed = rand.Uint64

type sampleOptions struct {
	temp          float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	maxTokens     int64
}

func sampleFlags(o *sampleOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "temp", Aliases: []string{"t"}, Usage: "sampling temperature (0 = greedy)", Value: 0.8, Destination: &o.temp},
		&cli.Int64Flag{Name: "top-k", Usage: "top-k sampling (0 = off)", Value: 40, Destination: &o.topK},
		&cli.Float64Flag{Name: "top-p", Usage: "nucleus sampling threshold", Value: 0.95, Destination: &o.topP},
		&cli.Float64Flag{Name: "min-p", Usage: "min-p sampling threshold (0 = off)", Destination: &o.minP},
		&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (1 = off)", Value: 1.1, Destination: &o.repeatPenalty},
		&cli.Int64Flag{Name: "repeat-last-n", Usage: "tokens the repetition penalty looks back over", Value: 64, Destination: &o.repeatLastN},
		&cli.Int64Flag{Name: "seed", Usage: "RNG seed (-1 = random)", Value: -1, Destination: &o.seed},
		&cli.Int64Flag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "tokens to generate", Value: 64, Destination: &o.maxTokens},
	}
}

func (o sampleOptions) config(random func() uint64) logits.Config {
	seed := uint64(o.seed)
	if o.seed < 0 {
		seed = random()
	}
	return logits.Config{
		Seed:          seed,
		Temperature:   float32(o.temp),
		TopK:          int(o.topK),
		TopP:          float32(o.topP),
		MinP:          float32(o.minP),
		RepeatPenalty: float32(o.repeatPenalty),
		RepeatLastN:   int(o.repeatLastN),
	}
}

func runCmd() *cli.Command {
	var (
		o          execOptions
		so         sampleOptions
		tokens     string
		stopTokens string
		stopSeqs   []string
	)
	flags := append(append(storeFlags(), backendFlags()...), execFlags(&o)...)
	flags = append(flags, sampleFlags(&so)...)
	flags = append(flags,
		&cli.StringFlag{Name: "tokens", Usage: "prompt token ids, comma separated (reads stdin when empty)", Destination: &tokens},
		&cli.StringFlag{Name: "stop", Usage: "stop token ids, comma separated", Destination: &stopTokens},
		&cli.StringSliceFlag{Name: "stop-seq", Usage: "stop sequence of token ids, comma separated (repeatable)", Destination: &stopSeqs},
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Load a model and generate token ids from a token prompt",
		ArgsUsage: "[model-id]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySamplingConfig(cmd, activeConfig, &so)

			prompt, err := readPrompt(tokens, os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := engine.GenerateOptions{MaxTokens: int(so.maxTokens)}
			if opts.StopTokens, err = parseTokens(stopTokens); err != nil {
				return cli.Exit(fmt.Sprintf("error: --stop: %v", err), 1)
			}
			for _, s := range stopSeqs {
				seq, err := parseTokens(s)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: --stop-seq: %v", err), 1)
				}
				opts.StopSequences = append(opts.StopSequences, seq)
			}

			rt, err := loadModel(ctx, cmd, &o)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = rt.Close() }()

			sess, err := rt.loader.NewSession(engine.Options{MaxSeqLen: int(o.maxSeq), KVHalf: o.kvHalf, Logger: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()

			// Ctrl-C ends generation between decode steps and still prints
			// what was produced.
			genCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := os.Stdout
			opts.OnToken = func(tok int) error {
				_, err := fmt.Fprintf(out, "%d ", tok)
				return err
			}
			res, err := sess.Generate(genCtx, prompt, logits.New(so.config(randomSeed)), opts)
			_, _ = fmt.Fprintln(out)
			if err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if res != nil {
				log.Info("generation finished",
					"stop", res.StopReason,
					"prompt_tokens", res.Stats.PromptTokens,
					"generated", res.Stats.GeneratedTokens,
					"prefill", res.Stats.PrefillDuration.String(),
					"tok_s", strconv.FormatFloat(res.Stats.TokensPerSecond(), 'f', 2, 64),
				)
			}
			if rt.loader.IsMoE() {
				log.Debug("expert cache", "stats", rt.loader.ExpertCacheStats().String())
			}
			return nil
		},
	}
}

// readPrompt parses flag, or stdin when flag is empty.
func readPrompt(flag string, stdin io.Reader) ([]int, error) {
	src := strings.TrimSpace(flag)
	if src == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		src = string(data)
	}
	toks, err := parseTokens(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, errors.New("empty prompt; pass --tokens or token ids on stdin")
	}
	return toks, nil
}
