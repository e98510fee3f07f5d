// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokens is the tokenizer boundary of the generation engine.
//
// The engine itself works on int32 token ids and only consults the
// tokenizer for the pad and end-of-sentence markers and for decoding the
// finished sequences. HuggingFace adapts a tokenizer loaded from a hub
// repository; Stub is a numeric tokenizer for tests and dry runs.
package tokens

import (
	"strconv"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode turns text into token ids, optionally wrapped with the
	// beginning and end of sentence markers.
	Encode(text string, addBOS, addEOS bool) []int32

	// Decode turns token ids back into text.
	Decode(ids []int32) string

	// PadID returns the grid filler id. It never appears in encoded text
	// and may be negative.
	PadID() int32

	// BOSID returns the beginning of sentence id.
	BOSID() int32

	// EOSID returns the end of sentence id; generation cuts at its first
	// occurrence.
	EOSID() int32

	// VocabSize returns the number of ids the model's output covers.
	VocabSize() int
}

// HuggingFace wraps a go-huggingface tokenizer. The vocabulary size comes
// from the model configuration: the tokenizers api does not expose it.
type HuggingFace struct {
	tok           api.Tokenizer
	pad, bos, eos int32
	vocabSize     int
}

var _ Tokenizer = (*HuggingFace)(nil)

// FromHub loads the tokenizer files of a HuggingFace repository,
// downloading them if needed.
func FromHub(repo *hub.Repo, vocabSize int) (*HuggingFace, error) {
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessage(err, "loading tokenizer from hub repository")
	}
	return NewHuggingFace(tok, vocabSize), nil
}

// NewHuggingFace adapts an already constructed tokenizer. Special ids
// missing from the tokenizer files fall back to the LLaMA SentencePiece
// convention: bos 1, eos 2 and pad -1.
func NewHuggingFace(tok api.Tokenizer, vocabSize int) *HuggingFace {
	return &HuggingFace{
		tok:       tok,
		bos:       specialOr(tok, api.TokBeginningOfSentence, 1),
		eos:       specialOr(tok, api.TokEndOfSentence, 2),
		pad:       specialOr(tok, api.TokPad, -1),
		vocabSize: vocabSize,
	}
}

func specialOr(tok api.Tokenizer, token api.SpecialToken, fallback int32) int32 {
	id, err := tok.SpecialTokenID(token)
	if err != nil {
		return fallback
	}
	return int32(id)
}

func (h *HuggingFace) Encode(text string, addBOS, addEOS bool) []int32 {
	encoded := h.tok.Encode(text)
	ids := make([]int32, 0, len(encoded)+2)
	if addBOS {
		ids = append(ids, h.bos)
	}
	for _, id := range encoded {
		ids = append(ids, int32(id))
	}
	if addEOS {
		ids = append(ids, h.eos)
	}
	return ids
}

func (h *HuggingFace) Decode(ids []int32) string {
	raw := make([]int, len(ids))
	for i, id := range ids {
		raw[i] = int(id)
	}
	return h.tok.Decode(raw)
}

func (h *HuggingFace) PadID() int32   { return h.pad }
func (h *HuggingFace) BOSID() int32   { return h.bos }
func (h *HuggingFace) EOSID() int32   { return h.eos }
func (h *HuggingFace) VocabSize() int { return h.vocabSize }

// Stub is a numeric tokenizer: Encode parses whitespace-separated decimal
// ids, Decode prints them back. The zero value is unusable; set the
// special ids and vocabulary explicitly.
type Stub struct {
	Pad, BOS, EOS int32
	Vocab         int
}

var _ Tokenizer = Stub{}

func (s Stub) Encode(text string, addBOS, addEOS bool) []int32 {
	var ids []int32
	if addBOS {
		ids = append(ids, s.BOS)
	}
	for _, field := range strings.Fields(text) {
		id, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, int32(id))
	}
	if addEOS {
		ids = append(ids, s.EOS)
	}
	return ids
}

func (s Stub) Decode(ids []int32) string {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.Itoa(int(id))
	}
	return strings.Join(fields, " ")
}

func (s Stub) PadID() int32   { return s.Pad }
func (s Stub) BOSID() int32   { return s.BOS }
func (s Stub) EOSID() int32   { return s.EOS }
func (s Stub) VocabSize() int { return s.Vocab }
