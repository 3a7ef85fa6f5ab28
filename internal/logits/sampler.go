// Package logits turns a logits vector into the next token id.
package logits

import (
	"math"
	"math/rand/v2"
)

// Config configures a Sampler. A zero Temperature samples greedily.
type Config struct {
	Seed          uint64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler is not safe for concurrent use; each session owns one.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	cand []candidate
	seen map[int]struct{}
}

type candidate struct {
	id int
	v  float32
	p  float64
}

func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int]struct{}),
	}
}

// Greedy returns a sampler that always picks the largest logit.
func Greedy() *Sampler { return New(Config{}) }

// Sample picks a token id. history holds the tokens generated or consumed
// so far; the repeat penalty looks at its tail. logits may be modified.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	s.penalize(logits, history)
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return argmax(logits)
	}

	cand := s.shortlist(logits, min(s.cfg.TopK, len(logits)), 1/s.cfg.Temperature)
	softmax(cand)
	if s.cfg.MinP > 0 {
		cand = cutMinP(cand, float64(s.cfg.MinP))
	}
	if s.cfg.TopP < 1 {
		cand = cutTopP(cand, float64(s.cfg.TopP))
	}

	var total float64
	for _, c := range cand {
		total += c.p
	}
	r := s.rng.Float64() * total
	var acc float64
	for _, c := range cand {
		acc += c.p
		if r < acc {
			return c.id
		}
	}
	return cand[len(cand)-1].id
}

func (s *Sampler) penalize(logits []float32, history []int) {
	if s.cfg.RepeatPenalty <= 1 || len(history) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range history[max(len(history)-s.cfg.RepeatLastN, 0):] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// shortlist keeps the k largest scaled logits, largest first. Ties keep the
// lower id.
func (s *Sampler) shortlist(logits []float32, k int, invTemp float32) []candidate {
	cand := s.cand[:0]
	for id, l := range logits {
		v := l * invTemp
		pos := len(cand)
		for pos > 0 && cand[pos-1].v < v {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(cand) < k {
			cand = append(cand, candidate{})
		}
		copy(cand[pos+1:], cand[pos:len(cand)-1])
		cand[pos] = candidate{id: id, v: v}
	}
	s.cand = cand
	return cand
}

func softmax(cand []candidate) {
	peak := cand[0].v
	var sum float64
	for i := range cand {
		cand[i].p = math.Exp(float64(cand[i].v - peak))
		sum += cand[i].p
	}
	for i := range cand {
		cand[i].p /= sum
	}
}

// cutMinP drops candidates below minP times the top probability.
func cutMinP(cand []candidate, minP float64) []candidate {
	floor := cand[0].p * minP
	n := 1
	for n < len(cand) && cand[n].p >= floor {
		n++
	}
	return cand[:n]
}

// cutTopP keeps the smallest prefix whose mass reaches topP.
func cutTopP(cand []candidate, topP float64) []candidate {
	var acc float64
	for i, c := range cand {
		acc += c.p
		if acc >= topP {
			return cand[:i+1]
		}
	}
	return cand
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
