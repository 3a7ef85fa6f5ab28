package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/samcharles93/conduit/internal/kvcache"
)

// Sampler picks the next token from logits.
type Sampler interface {
	Sample(logits []float32, history []int) int
}

type StopReason string

const (
	StopMaxTokens    StopReason = "max_tokens"
	StopToken        StopReason = "stop_token"
	StopSequence     StopReason = "stop_sequence"
	StopCancelled    StopReason = "cancelled"
	StopContextLimit StopReason = "context_limit"
)

type GenerateOptions struct {
	// MaxTokens bounds generated tokens; 0 runs until another stop.
	MaxTokens  int
	StopTokens []int
	// StopSequences end generation when the output ends with one of them.
	// The matched tokens are trimmed from the result.
	StopSequences [][]int
	// OnToken sees each accepted token as it is sampled. A non-nil error
	// aborts generation.
	OnToken func(token int) error
}

type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
}

// TokensPerSecond is the decode rate.
func (s Stats) TokensPerSecond() float64 {
	if s.DecodeDuration <= 0 {
		return 0
	}
	return float64(s.GeneratedTokens) / s.DecodeDuration.Seconds()
}

type Result struct {
	Tokens     []int
	StopReason StopReason
	Stats      Stats
}

// Generate prefills prompt and decodes until a stop condition. Cancellation
// is observed between decode steps only.
func (s *Session) Generate(ctx context.Context, prompt []int, sampler Sampler, opts GenerateOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{Stats: Stats{PromptTokens: len(prompt)}}

	t0 := time.Now()
	logits, err := s.Prefill(ctx, prompt)
	if err != nil {
		return nil, err
	}
	res.Stats.PrefillDuration = time.Since(t0)

	t1 := time.Now()
	defer func() {
		res.Stats.DecodeDuration = time.Since(t1)
		res.Stats.GeneratedTokens = len(res.Tokens)
	}()
	for {
		if opts.MaxTokens > 0 && len(res.Tokens) >= opts.MaxTokens {
			res.StopReason = StopMaxTokens
			return res, nil
		}
		tok := sampler.Sample(logits, s.history)
		if slices.Contains(opts.StopTokens, tok) {
			res.StopReason = StopToken
			return res, nil
		}
		res.Tokens = append(res.Tokens, tok)
		if opts.OnToken != nil {
			if err := opts.OnToken(tok); err != nil {
				return res, err
			}
		}
		if n := matchStop(res.Tokens, opts.StopSequences); n > 0 {
			res.Tokens = res.Tokens[:len(res.Tokens)-n]
			res.StopReason = StopSequence
			return res, nil
		}
		if opts.MaxTokens > 0 && len(res.Tokens) >= opts.MaxTokens {
			res.StopReason = StopMaxTokens
			return res, nil
		}
		if ctx.Err() != nil {
			res.StopReason = StopCancelled
			return res, nil
		}
		logits, err = s.Decode(ctx, tok)
		if errors.Is(err, kvcache.ErrFull) {
			res.StopReason = StopContextLimit
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

// matchStop returns the length of the stop sequence out ends with, or 0.
func matchStop(out []int, seqs [][]int) int {
	for _, seq := range seqs {
		if len(seq) > 0 && len(out) >= len(seq) && slices.Equal(out[len(out)-len(seq):], seq) {
			return len(seq)
		}
	}
	return 0
}
