// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pooling

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/hyperlora"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestBuildMasks(t *testing.T) {
	promptMask := [][]bool{
		{true, true, true, false, false},
		{true, true, true, true, true},
	}
	spans := []Spans{
		{Instruction: Span{Start: 1, End: 3}, Document: Span{Start: 3, End: 5}},
		{Instruction: Span{Start: 0, End: 2}, Document: Span{Start: 2, End: 4}},
	}

	t.Run("document_uses_prompt_mask", func(t *testing.T) {
		m, err := BuildMasks(hyperlora.SpanModeDocument, nil, promptMask, 5)
		require.NoError(t, err)
		assert.Nil(t, m.Secondary)
		assert.Equal(t, []float32{1, 1, 1, 0, 0}, m.Primary[0])
		assert.Equal(t, []float32{1, 1, 1, 1, 1}, m.Primary[1])
	})

	t.Run("document_clips_to_width", func(t *testing.T) {
		m, err := BuildMasks(hyperlora.SpanModeDocument, nil, promptMask, 2)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 1}, m.Primary[0])
	})

	t.Run("instruction_spans", func(t *testing.T) {
		m, err := BuildMasks(hyperlora.SpanModeInstruction, spans, nil, 5)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 1, 1, 0, 0}, m.Primary[0])
		assert.Equal(t, []float32{1, 1, 0, 0, 0}, m.Primary[1])
	})

	t.Run("both_builds_two_masks", func(t *testing.T) {
		m, err := BuildMasks(hyperlora.SpanModeBoth, spans, promptMask, 5)
		require.NoError(t, err)
		require.NotNil(t, m.Secondary)
		assert.Equal(t, []float32{0, 1, 1, 0, 0}, m.Primary[0])
		assert.Equal(t, []float32{0, 0, 0, 1, 1}, m.Secondary[0])
	})

	t.Run("span_beyond_segment_bound", func(t *testing.T) {
		_, err := BuildMasks(hyperlora.SpanModeInstruction, spans, nil, 2)
		require.Error(t, err)
		assert.True(t, errors.Is(err, hyperlora.ErrConfiguration), "got %v", err)
	})

	t.Run("negative_span", func(t *testing.T) {
		bad := []Spans{{Instruction: Span{Start: -1, End: 2}}}
		_, err := BuildMasks(hyperlora.SpanModeInstruction, bad, nil, 5)
		require.Error(t, err)
		assert.True(t, errors.Is(err, hyperlora.ErrConfiguration))
	})

	t.Run("empty_span_row", func(t *testing.T) {
		empty := []Spans{{Instruction: Span{Start: 2, End: 2}}}
		_, err := BuildMasks(hyperlora.SpanModeInstruction, empty, nil, 5)
		require.Error(t, err)
		assert.True(t, errors.Is(err, hyperlora.ErrDivisionByZero), "got %v", err)
	})

	t.Run("empty_prompt_row", func(t *testing.T) {
		_, err := BuildMasks(hyperlora.SpanModeDocument, nil, [][]bool{{false, false}}, 2)
		require.Error(t, err)
		assert.True(t, errors.Is(err, hyperlora.ErrDivisionByZero))
	})
}

func TestMaskedMean(t *testing.T) {
	// Hidden states [1, 3, 2]: position p holds the vector {p+1, 10(p+1)}.
	h := [][][]float32{{{1, 10}, {2, 20}, {3, 30}}}

	graphtest.RunTestGraphFn(t, "single_position_identity",
		func(g *Graph) (inputs, outputs []*Node) {
			hN := Const(g, h)
			mask := Const(g, [][]float32{{0, 1, 0}})
			return []*Node{hN, mask}, []*Node{MaskedMean(hN, mask)}
		},
		[]any{[][]float32{{2, 20}}}, 0)

	graphtest.RunTestGraphFn(t, "mean_of_selected",
		func(g *Graph) (inputs, outputs []*Node) {
			hN := Const(g, h)
			mask := Const(g, [][]float32{{1, 0, 1}})
			return []*Node{hN, mask}, []*Node{MaskedMean(hN, mask)}
		},
		[]any{[][]float32{{2, 20}}}, 1e-6)

	// Swapping the order in which the selected positions appear does not
	// change the pooled vector.
	swapped := [][][]float32{{{3, 30}, {2, 20}, {1, 10}}}
	graphtest.RunTestGraphFn(t, "order_invariance",
		func(g *Graph) (inputs, outputs []*Node) {
			mask := Const(g, [][]float32{{1, 0, 1}})
			a := MaskedMean(Const(g, h), mask)
			b := MaskedMean(Const(g, swapped), mask)
			return []*Node{mask}, []*Node{Sub(a, b)}
		},
		[]any{[][]float32{{0, 0}}}, 1e-6)
}

func TestPool(t *testing.T) {
	h := [][][]float32{{{1, 10}, {2, 20}, {3, 30}}}

	graphtest.RunTestGraphFn(t, "both_concatenates",
		func(g *Graph) (inputs, outputs []*Node) {
			hN := Const(g, h)
			primary := Const(g, [][]float32{{1, 0, 0}})
			secondary := Const(g, [][]float32{{0, 0, 1}})
			return []*Node{hN}, []*Node{Pool(hN, primary, secondary)}
		},
		[]any{[][]float32{{1, 10, 3, 30}}}, 1e-6)

	graphtest.RunTestGraphFn(t, "single_mode_width",
		func(g *Graph) (inputs, outputs []*Node) {
			hN := Const(g, h)
			primary := Const(g, [][]float32{{0, 1, 0}})
			return []*Node{hN}, []*Node{Pool(hN, primary, nil)}
		},
		[]any{[][]float32{{2, 20}}}, 0)
}
