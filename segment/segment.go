// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segment plans how a long prompt is split into bounded chunks and
// sequences the forward calls that thread compressive memory through them.
//
// The controller is transport-agnostic: it never touches graphs or tokens
// itself, it decides chunk boundaries, fold points and synthesis points,
// and drives a Forward callback with an explicit State.
package segment

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Range is a half-open span of absolute token positions [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of positions covered.
func (r Range) Len() int { return r.End - r.Start }

// Plan splits [prevPos, curPos) into consecutive chunks with cut points at
// multiples of bound from prevPos. Every chunk except possibly the last has
// exactly bound positions; the chunks cover the span exactly, in order. An
// empty or inverted span yields no chunks.
func Plan(prevPos, curPos, bound int) []Range {
	if curPos <= prevPos || bound <= 0 {
		return nil
	}
	n := (curPos - prevPos + bound - 1) / bound
	out := make([]Range, 0, n)
	for start := prevPos; start < curPos; start += bound {
		end := start + bound
		if end > curPos {
			end = curPos
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Call describes one forward invocation.
type Call struct {
	// Tokens is the chunk's absolute position span in the token grid.
	Tokens Range

	// First marks the chunk that starts at position zero. Pooling and
	// parameter synthesis happen on this call.
	First bool

	// Fold tells the forward to absorb the full local window into the
	// compressive memory before processing the chunk. The controller
	// raises it exactly when the window has reached the bound.
	Fold bool
}

// Forward runs one chunk through the model, updating st's tensors in
// place (via State.SetFlat) and returning the logits of the chunk's last
// position, shaped (batch, vocabSize).
//
// When called, st.WindowLen is the append offset for the chunk: the
// number of window positions that remain valid after any requested fold.
type Forward func(call Call, st *State) (*tensors.Tensor, error)

// Controller sequences the forward calls of one generation. Errors from
// the Forward are fatal: the controller never retries, and a State that
// saw a failed call must be discarded.
type Controller struct {
	// Bound is the segment size: the maximum chunk length and the local
	// window capacity.
	Bound int

	// Run executes one chunk.
	Run Forward
}

// call dispatches one chunk, maintaining the window-fill invariant:
// WindowLen never exceeds Bound, and a fold is requested exactly when the
// window is full going in.
func (c *Controller) call(st *State, tokens Range, first bool) (*tensors.Tensor, error) {
	fold := st.WindowLen == c.Bound
	if fold {
		st.WindowLen = 0
	}
	logits, err := c.Run(Call{Tokens: tokens, First: first, Fold: fold}, st)
	if err != nil {
		return nil, errors.WithMessagef(err, "forward of chunk [%d,%d)", tokens.Start, tokens.End)
	}
	st.WindowLen += tokens.Len()
	return logits, nil
}

// Prefill runs the prompt span [0, promptLen) through the model in
// planned chunks and returns the logits after the last prompt position.
// The first chunk is the synthesis point; every later chunk starts a new
// segment, so it folds the previous one into memory.
func (c *Controller) Prefill(st *State, promptLen int) (*tensors.Tensor, error) {
	var logits *tensors.Tensor
	for _, chunk := range Plan(0, promptLen, c.Bound) {
		var err error
		logits, err = c.call(st, chunk, chunk.Start == 0)
		if err != nil {
			return nil, err
		}
	}
	return logits, nil
}

// Step runs the single position pos through the model, folding first if
// the window is full, and returns its logits.
func (c *Controller) Step(st *State, pos int) (*tensors.Tensor, error) {
	return c.call(st, Range{Start: pos, End: pos + 1}, false)
}
