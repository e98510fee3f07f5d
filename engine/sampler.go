// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"math/rand/v2"
	"sort"
)

// sampler draws next tokens from logits on the host: temperature scaling
// and softmax in float64, then a categorical draw restricted to the
// nucleus of cumulative mass topP.
type sampler struct {
	temperature float64
	topP        float64
	rng         *rand.Rand
}

func newSampler(temperature, topP float64, seed uint64) *sampler {
	src := rand.NewPCG(seed, 0)
	if seed == 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &sampler{temperature: temperature, topP: topP, rng: rand.New(src)}
}

// next picks one token id from a row of logits. Temperature at or below
// zero is greedy argmax.
func (s *sampler) next(logits []float32) int32 {
	if s.temperature <= 0 {
		return argmax(logits)
	}
	return s.topPDraw(softmax(logits, s.temperature))
}

func argmax(logits []float32) int32 {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return int32(maxIdx)
}

// softmax scales by 1/temperature and normalizes in float64, subtracting
// the maximum for numerical stability.
func softmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		maxVal = max(maxVal, probs[i])
	}
	var sum float64
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// topPDraw samples from the nucleus: probabilities sorted descending, an
// entry is kept while the mass before it does not exceed topP, and the
// draw is over the kept entries renormalized. The most likely token is
// always kept.
func (s *sampler) topPDraw(probs []float64) int32 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	cut := len(idx)
	var mass float64
	for rank, i := range idx {
		if mass > s.topP {
			cut = rank
			break
		}
		mass += probs[i]
	}

	r := s.rng.Float64() * mass
	var cumulative float64
	for _, i := range idx[:cut] {
		cumulative += probs[i]
		if r < cumulative {
			return int32(i)
		}
	}
	return int32(idx[cut-1])
}
