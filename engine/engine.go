// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine drives segmented autoregressive generation: it owns the
// decoding loop, host-side sampling and the executable cache over the
// forward-graph variants of the model.
//
// A Generate call is a single logical thread. The prompt grid is
// prefilled in bounded chunks through the segment controller, then
// positions are decoded one step at a time; prompt positions of
// shorter-than-longest sequences are forced from the grid rather than
// sampled. Every error is fatal for the call: nothing is retried and the
// carried state is discarded.
package engine

import (
	"context"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/adapters"
	"github.com/gomlx/hyperlora/pooling"
	"github.com/gomlx/hyperlora/segment"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Request is one batched generation call.
type Request struct {
	// Prompts holds the tokenized input sequences, one per batch entry,
	// already carrying any beginning-of-sentence marker.
	Prompts [][]int32

	// Spans locates the instruction and document spans of each prompt in
	// token positions. Required for the instruction span modes, ignored
	// otherwise.
	Spans []pooling.Spans

	// MaxGenLen bounds the number of generated positions per sequence.
	MaxGenLen int

	// Temperature scales the logits before sampling. Zero or negative
	// selects greedy decoding.
	Temperature float64

	// TopP is the nucleus mass bound, applied whenever Temperature is
	// positive. At or below zero it degenerates to the most likely token;
	// at or above one it is plain categorical sampling.
	TopP float64

	// Seed fixes the sampling stream. Zero draws a fresh one.
	Seed uint64
}

// Response is the outcome of one generation call.
type Response struct {
	// Tokens holds the generated continuations, prompt excluded, cut
	// before the first end-of-sentence token.
	Tokens [][]int32

	// Texts holds the decoded continuations, in Tokens order.
	Texts []string

	Stats Stats
}

// Stats counts the work of one generation call.
type Stats struct {
	// Chunks is the number of forward calls: prefill chunks plus decode
	// steps.
	Chunks int

	// Folds counts the forwards that absorbed a full local window into
	// the compressive stores.
	Folds int

	// HypernetCalls counts parameter-synthesis passes through the
	// generator.
	HypernetCalls int

	// Steps is the number of grid positions decoded, teacher-forced ones
	// included.
	Steps int
}

// Generate runs one batched generation to completion and returns the
// decoded continuations.
//
// ctx is consulted between steps only: cancellation aborts the call with
// the context's error, never mid-chunk.
func (e *Engine) Generate(ctx context.Context, req *Request) (*Response, error) {
	cfg := e.model.Config()
	batchSize := len(req.Prompts)
	if batchSize == 0 {
		return nil, errors.Wrap(hyperlora.ErrConfiguration, "request carries no prompts")
	}
	if batchSize > cfg.MaxBatchSize {
		return nil, errors.Wrapf(hyperlora.ErrBatchSizeExceeded,
			"%d prompts, max_batch_size=%d", batchSize, cfg.MaxBatchSize)
	}
	if req.MaxGenLen < 1 {
		return nil, errors.Wrapf(hyperlora.ErrConfiguration, "max_gen_len=%d must be at least 1", req.MaxGenLen)
	}
	minPrompt, maxPrompt := len(req.Prompts[0]), 0
	for i, prompt := range req.Prompts {
		if len(prompt) == 0 {
			return nil, errors.Wrapf(hyperlora.ErrConfiguration, "prompt %d is empty", i)
		}
		minPrompt = min(minPrompt, len(prompt))
		maxPrompt = max(maxPrompt, len(prompt))
	}
	if maxPrompt > cfg.MaxSeqLen {
		return nil, errors.Wrapf(hyperlora.ErrConfiguration,
			"prompt of %d tokens exceeds max_seq_len=%d", maxPrompt, cfg.MaxSeqLen)
	}
	totalLen := min(cfg.MaxSeqLen, req.MaxGenLen+maxPrompt)

	// The token grid is left-aligned and padded to totalLen; the prompt
	// flags drive teacher forcing and the document pooling mask.
	gen := &generation{
		engine:   e,
		grid:     make([][]int32, batchSize),
		isPrompt: make([][]bool, batchSize),
	}
	padID := e.tok.PadID()
	for b, prompt := range req.Prompts {
		row := make([]int32, totalLen)
		for i := range row {
			row[i] = padID
		}
		copy(row, prompt)
		flags := make([]bool, totalLen)
		for i := range prompt {
			flags[i] = true
		}
		gen.grid[b] = row
		gen.isPrompt[b] = flags
	}

	if cfg.HyperLayers > 0 {
		if cfg.SpanMode != hyperlora.SpanModeDocument && len(req.Spans) != batchSize {
			return nil, errors.Wrapf(hyperlora.ErrConfiguration,
				"%d span sets for %d prompts", len(req.Spans), batchSize)
		}
		width := min(minPrompt, cfg.SegmentSize)
		masks, err := pooling.BuildMasks(cfg.SpanMode, req.Spans, gen.isPrompt, width)
		if err != nil {
			return nil, err
		}
		gen.masks = masks
		gen.store = adapters.NewStore(cfg.HyperLayers)
	}

	st := segment.NewState(cfg, batchSize)
	ctrl := &segment.Controller{Bound: cfg.SegmentSize, Run: gen.run}
	smp := newSampler(req.Temperature, req.TopP, req.Seed)
	eosID := e.tok.EOSID()

	// One iteration per grid position from the shortest prompt on: the
	// first forwards the whole known prefix, each later one forwards the
	// single previous position.
	prev := 0
	for pos := minPrompt; pos < totalLen; pos++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithMessage(err, "generation interrupted")
		}
		var logits *tensors.Tensor
		var err error
		if prev == 0 {
			logits, err = ctrl.Prefill(st, pos)
		} else {
			logits, err = ctrl.Step(st, prev)
		}
		if err != nil {
			return nil, err
		}
		rows, err := logitRows(logits, batchSize, cfg.VocabSize)
		if err != nil {
			return nil, err
		}
		var last int32
		for b := range gen.grid {
			if !gen.isPrompt[b][pos] {
				gen.grid[b][pos] = smp.next(rows[b])
			}
			last = gen.grid[b][pos]
		}
		gen.stats.Steps++
		if batchSize == 1 && last == eosID {
			break
		}
		prev = pos
	}

	resp := &Response{
		Tokens: make([][]int32, batchSize),
		Texts:  make([]string, batchSize),
		Stats:  gen.stats,
	}
	for b, prompt := range req.Prompts {
		start := len(prompt)
		end := min(start+req.MaxGenLen, totalLen)
		generated := slices.Clone(gen.grid[b][start:end])
		if cut := slices.Index(generated, eosID); cut >= 0 {
			generated = generated[:cut]
		}
		resp.Tokens[b] = generated
		resp.Texts[b] = e.tok.Decode(generated)
	}

	klog.V(1).Infof("generation done: %d sequences, %d steps, %d chunks (%d folds), %d hypernet calls",
		batchSize, gen.stats.Steps, gen.stats.Chunks, gen.stats.Folds, gen.stats.HypernetCalls)
	return resp, nil
}

// logitRows copies the (batch, vocab) logits to the host, one row per
// sequence.
func logitRows(logits *tensors.Tensor, batchSize, vocabSize int) ([][]float32, error) {
	rows := make([][]float32, batchSize)
	err := tensors.ConstFlatData(logits, func(flat []float32) {
		for b := range rows {
			rows[b] = slices.Clone(flat[b*vocabSize : (b+1)*vocabSize])
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reading logits")
	}
	return rows, nil
}
