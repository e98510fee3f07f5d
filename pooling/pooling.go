// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pooling selects token spans of the prompt and reduces their
// hidden states to the fixed-size vectors that condition the hypernetwork.
//
// Masks are built host-side from half-open spans, validated before any
// graph executes; the masked mean itself is a graph function applied inside
// the segment forward pass.
package pooling

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/hyperlora"
	"github.com/pkg/errors"
)

// Span is a half-open [Start, End) interval over token positions.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of positions covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Spans carries one sequence's hypernetwork input spans in token space.
// Which of the two is consumed depends on the configured SpanMode; the
// prompt encoder fills both so the mode can be chosen at generation time.
type Spans struct {
	Instruction Span `json:"instruction"`
	Document    Span `json:"document"`
}

// Masks holds the per-sequence pooling masks over one segment, row-major
// [batch][width]. Secondary is nil except under SpanModeBoth, where Primary
// selects the instruction span and Secondary the document span.
type Masks struct {
	Primary   [][]float32
	Secondary [][]float32
}

// BuildMasks materializes the pooling masks for the first segment of a
// generation. width is the number of positions the segment covers, already
// clipped to the segment length bound. promptMask marks original prompt
// tokens and is required for SpanModeDocument; spans are required for the
// other modes.
//
// Span bounds outside [0, width] fail with ErrConfiguration. A mask row
// that selects no position fails with ErrDivisionByZero: it would turn into
// a NaN pooled vector downstream.
func BuildMasks(mode hyperlora.SpanMode, spans []Spans, promptMask [][]bool, width int) (*Masks, error) {
	m := &Masks{}
	switch mode {
	case hyperlora.SpanModeDocument:
		m.Primary = promptRows(promptMask, width)
	case hyperlora.SpanModeInstruction:
		rows, err := spanRows(spans, width, func(s Spans) Span { return s.Instruction })
		if err != nil {
			return nil, err
		}
		m.Primary = rows
	case hyperlora.SpanModeBoth:
		rows, err := spanRows(spans, width, func(s Spans) Span { return s.Instruction })
		if err != nil {
			return nil, err
		}
		m.Primary = rows
		if rows, err = spanRows(spans, width, func(s Spans) Span { return s.Document }); err != nil {
			return nil, err
		}
		m.Secondary = rows
	default:
		return nil, errors.Wrapf(hyperlora.ErrConfiguration, "unknown span mode %v", mode)
	}

	if err := checkNonEmpty(m.Primary); err != nil {
		return nil, err
	}
	if m.Secondary != nil {
		if err := checkNonEmpty(m.Secondary); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func promptRows(promptMask [][]bool, width int) [][]float32 {
	rows := make([][]float32, len(promptMask))
	for i, pm := range promptMask {
		row := make([]float32, width)
		for p := 0; p < width && p < len(pm); p++ {
			if pm[p] {
				row[p] = 1
			}
		}
		rows[i] = row
	}
	return rows
}

func spanRows(spans []Spans, width int, pick func(Spans) Span) ([][]float32, error) {
	rows := make([][]float32, len(spans))
	for i, s := range spans {
		span := pick(s)
		if span.Start < 0 || span.End < span.Start {
			return nil, errors.Wrapf(hyperlora.ErrConfiguration, "sequence %d: malformed span [%d, %d)", i, span.Start, span.End)
		}
		if span.End > width {
			return nil, errors.Wrapf(hyperlora.ErrConfiguration, "sequence %d: span end %d exceeds segment width %d", i, span.End, width)
		}
		row := make([]float32, width)
		for p := span.Start; p < span.End; p++ {
			row[p] = 1
		}
		rows[i] = row
	}
	return rows, nil
}

func checkNonEmpty(rows [][]float32) error {
	for i, row := range rows {
		var sum float32
		for _, v := range row {
			sum += v
		}
		if sum == 0 {
			return errors.Wrapf(hyperlora.ErrDivisionByZero, "sequence %d", i)
		}
	}
	return nil
}

// MaskedMean reduces hidden states h, shaped [batch, positions, dim], to
// [batch, dim]: positions selected by mask ([batch, positions]) are
// summed and divided by the per-row selection count. Rows with an empty
// mask are rejected by BuildMasks before the graph runs.
func MaskedMean(h, mask *Node) *Node {
	mask = ConvertDType(mask, h.DType())
	sum := ReduceSum(Mul(h, InsertAxes(mask, -1)), 1)
	denom := InsertAxes(ReduceSum(mask, -1), -1)
	return Div(sum, denom)
}

// Pool computes the hypernetwork input: the masked mean over the primary
// mask, concatenated with the secondary pool when present (SpanModeBoth).
// The result crosses a no-gradient boundary before reaching the
// hypernetwork.
func Pool(h, primary, secondary *Node) *Node {
	pooled := MaskedMean(h, primary)
	if secondary != nil {
		pooled = Concatenate([]*Node{pooled, MaskedMean(h, secondary)}, -1)
	}
	return StopGradient(pooled)
}
