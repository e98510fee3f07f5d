// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package prompts renders instruction/document pairs into the Alpaca
// prompt template and locates the two parts in token space, where the
// pooling spans are defined.
package prompts

import (
	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/pooling"
	"github.com/gomlx/hyperlora/tokens"
	"github.com/pkg/errors"
)

// The Alpaca instruction template, split at its two insertion points.
const (
	header = "Below is an instruction that describes a task, paired with an input that provides further context. " +
		"Write a response that appropriately completes the request.\n\n### Instruction:\n"
	documentMarker = "\n\n### Input:\n"
	responseMarker = "\n\n### Response:"
)

// Encoded is one rendered prompt: the token sequence fed to the engine and
// the half-open spans locating its instruction and document parts. Both
// spans are filled regardless of the configured span mode, so the mode can
// be chosen at generation time.
type Encoded struct {
	Tokens []int32
	Spans  pooling.Spans
}

// Encoder renders prompts against one tokenizer and sequence budget.
type Encoder struct {
	Tokenizer tokens.Tokenizer

	// MaxSeqLen bounds the rendered prompt plus the reserved generation
	// room.
	MaxSeqLen int

	// MinGenLen is the generation room reserved when deciding how much of
	// the document fits. Only the document is ever truncated; the
	// instruction and the template are kept whole.
	MinGenLen int
}

// Encode renders one instruction/document pair. The leading template piece
// carries the beginning-of-sentence token. A document that does not fit is
// cut at the token budget; an instruction that leaves no budget at all
// fails with ErrConfiguration.
func (e *Encoder) Encode(instruction, document string) (Encoded, error) {
	head := e.Tokenizer.Encode(header, true, false)
	inst := e.Tokenizer.Encode(instruction, false, false)
	marker := e.Tokenizer.Encode(documentMarker, false, false)
	tail := e.Tokenizer.Encode(responseMarker, false, false)

	instructionSpan := pooling.Span{Start: len(head), End: len(head) + len(inst)}

	lead := len(head) + len(inst) + len(marker)
	budget := e.MaxSeqLen - (lead + len(tail) + e.MinGenLen)
	if budget < 0 {
		return Encoded{}, errors.Wrapf(hyperlora.ErrConfiguration,
			"instruction of %d tokens leaves no document room within max_seq_len=%d", len(inst), e.MaxSeqLen)
	}

	doc := e.Tokenizer.Encode(document, false, false)
	if len(doc) > budget {
		doc = doc[:budget]
	}
	documentSpan := pooling.Span{Start: lead, End: lead + len(doc)}

	seq := make([]int32, 0, lead+len(doc)+len(tail))
	seq = append(seq, head...)
	seq = append(seq, inst...)
	seq = append(seq, marker...)
	seq = append(seq, doc...)
	seq = append(seq, tail...)

	return Encoded{
		Tokens: seq,
		Spans:  pooling.Spans{Instruction: instructionSpan, Document: documentSpan},
	}, nil
}
