package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probLogits returns logits whose softmax at temperature one recovers
// probs.
func probLogits(probs ...float64) []float32 {
	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = float32(math.Log(p))
	}
	return logits
}

func TestSamplerGreedy(t *testing.T) {
	s := newSampler(0, 0.75, 1)
	assert.Equal(t, int32(2), s.next([]float32{0.1, 0.3, 2.5, -1}))
	// The first maximum wins on ties.
	assert.Equal(t, int32(0), s.next([]float32{4, 4, 3}))
}

func TestSamplerNucleus(t *testing.T) {
	logits := probLogits(0.5, 0.3, 0.15, 0.05)

	// topP 0.6 keeps the two most likely tokens: the mass before the
	// third entry is already 0.8.
	s := newSampler(1, 0.6, 42)
	seen := make(map[int32]int)
	for i := 0; i < 200; i++ {
		seen[s.next(logits)]++
	}
	assert.Len(t, seen, 2)
	assert.Contains(t, seen, int32(0))
	assert.Contains(t, seen, int32(1))

	// A tiny bound degenerates to the most likely token.
	s = newSampler(1, 0.01, 42)
	for i := 0; i < 50; i++ {
		assert.Equal(t, int32(0), s.next(logits))
	}
}

func TestSamplerSeeded(t *testing.T) {
	logits := probLogits(0.4, 0.3, 0.2, 0.1)
	a := newSampler(0.8, 1, 7)
	b := newSampler(0.8, 1, 7)
	var first, second []int32
	for i := 0; i < 32; i++ {
		first = append(first, a.next(logits))
		second = append(second, b.next(logits))
	}
	assert.Equal(t, first, second)
}

func TestSoftmaxTemperature(t *testing.T) {
	flat := softmax([]float32{1, 1, 1, 1}, 0.5)
	for _, p := range flat {
		assert.InDelta(t, 0.25, p, 1e-12)
	}

	// A lower temperature sharpens the distribution.
	sharp := softmax([]float32{2, 0}, 0.25)
	soft := softmax([]float32{2, 0}, 1)
	assert.Greater(t, sharp[0], soft[0])
	require.InDelta(t, 1, sharp[0]+sharp[1], 1e-12)
}
