package logits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	s1 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for range 20 {
		a := s1.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		b := s2.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		assert.Equal(t, a, b)
	}
}

func TestGreedy(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, Greedy().Sample([]float32{-1, 5, 3, 7, 2}, nil))
	assert.Equal(t, 3, New(Config{Temperature: 1, TopK: 1}).Sample([]float32{-1, 5, 3, 7, 2}, nil))
	// ties resolve to the first index
	assert.Equal(t, 1, Greedy().Sample([]float32{0, 4, 4}, nil))
	assert.Equal(t, 0, Greedy().Sample(nil, nil))
}

func TestTopKRestrictsCandidates(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 3, Temperature: 5, TopK: 2})
	for range 50 {
		id := s.Sample([]float32{1, 9, 0, 8, 2}, nil)
		assert.Contains(t, []int{1, 3}, id)
	}
}

func TestTopPKeepsDominantToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for range 10 {
		assert.Equal(t, 0, s.Sample([]float32{10, 0, 0, 0, 0}, nil))
	}
}

func TestMinP(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 11, Temperature: 1, TopK: 10, MinP: 0.5})
	for range 20 {
		// exp(-3) is far below half of the top probability
		id := s.Sample([]float32{3, 3, 0, 0}, nil)
		assert.Contains(t, []int{0, 1}, id)
	}
}

func TestRepeatPenalty(t *testing.T) {
	t.Parallel()
	s := New(Config{RepeatPenalty: 4})
	logits := []float32{2, 1.5, -1}
	// token 0 is penalized below token 1
	assert.Equal(t, 1, s.Sample(logits, []int{0, 0, 2}))
	assert.Equal(t, float32(0.5), logits[0])
	assert.Equal(t, float32(-4), logits[2])
}

func TestShortlistOrder(t *testing.T) {
	t.Parallel()
	s := New(Config{Temperature: 1})
	cand := s.shortlist([]float32{1, 3, 2, 3, 0}, 3, 1)
	ids := make([]int, len(cand))
	for i, c := range cand {
		ids[i] = c.id
	}
	assert.Equal(t, []int{1, 3, 2}, ids)
}
