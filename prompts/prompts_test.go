package prompts

import (
	"testing"

	"github.com/gomlx/hyperlora"
	"github.com/gomlx/hyperlora/pooling"
	"github.com/gomlx/hyperlora/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The stub tokenizer drops the non-numeric template words, so a rendered
// prompt is the beginning-of-sentence id followed by the numeric
// instruction and document ids.
var stub = tokens.Stub{Pad: 0, BOS: 3, EOS: 1, Vocab: 64}

func TestEncodeSpans(t *testing.T) {
	enc := &Encoder{Tokenizer: stub, MaxSeqLen: 32, MinGenLen: 4}

	got, err := enc.Encode("11 12 13", "21 22 23")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 11, 12, 13, 21, 22, 23}, got.Tokens)
	assert.Equal(t, pooling.Span{Start: 1, End: 4}, got.Spans.Instruction)
	assert.Equal(t, pooling.Span{Start: 4, End: 7}, got.Spans.Document)
}

func TestEncodeTruncatesDocument(t *testing.T) {
	// Budget: 12 total minus 4 lead tokens minus 4 reserved leaves room
	// for 4 document tokens.
	enc := &Encoder{Tokenizer: stub, MaxSeqLen: 12, MinGenLen: 4}

	got, err := enc.Encode("11 12 13", "21 22 23 24 25 26")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 11, 12, 13, 21, 22, 23, 24}, got.Tokens)
	assert.Equal(t, pooling.Span{Start: 4, End: 8}, got.Spans.Document)
}

func TestEncodeEmptyDocument(t *testing.T) {
	enc := &Encoder{Tokenizer: stub, MaxSeqLen: 32, MinGenLen: 4}

	got, err := enc.Encode("11 12 13", "")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 11, 12, 13}, got.Tokens)
	assert.Equal(t, pooling.Span{Start: 4, End: 4}, got.Spans.Document)
}

func TestEncodeInstructionTooLong(t *testing.T) {
	enc := &Encoder{Tokenizer: stub, MaxSeqLen: 6, MinGenLen: 4}

	_, err := enc.Encode("11 12 13", "21")
	assert.ErrorIs(t, err, hyperlora.ErrConfiguration)
}
