package tokens

import (
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// fakeTok maps each rune to its code point, so encoding is invertible
// without tokenizer files. The embedded interface covers the api methods
// the adapter never calls.
type fakeTok struct {
	api.Tokenizer
	specials map[api.SpecialToken]int
}

func (f fakeTok) Encode(text string) []int {
	var ids []int
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func (f fakeTok) Decode(ids []int) string {
	runes := make([]rune, len(ids))
	for i, id := range ids {
		runes[i] = rune(id)
	}
	return string(runes)
}

func (f fakeTok) SpecialTokenID(token api.SpecialToken) (int, error) {
	id, ok := f.specials[token]
	if !ok {
		return 0, errors.New("not in tokenizer files")
	}
	return id, nil
}

func TestHuggingFaceSpecialIDs(t *testing.T) {
	tok := NewHuggingFace(fakeTok{specials: map[api.SpecialToken]int{
		api.TokBeginningOfSentence: 128000,
		api.TokEndOfSentence:       128001,
		api.TokPad:                 128004,
	}}, 128256)
	assert.Equal(t, int32(128000), tok.BOSID())
	assert.Equal(t, int32(128001), tok.EOSID())
	assert.Equal(t, int32(128004), tok.PadID())
	assert.Equal(t, 128256, tok.VocabSize())
}

func TestHuggingFaceSpecialFallbacks(t *testing.T) {
	// Tokenizer files without special token entries fall back to the
	// SentencePiece convention.
	tok := NewHuggingFace(fakeTok{}, 32000)
	assert.Equal(t, int32(1), tok.BOSID())
	assert.Equal(t, int32(2), tok.EOSID())
	assert.Equal(t, int32(-1), tok.PadID())
}

func TestHuggingFaceRoundTrip(t *testing.T) {
	tok := NewHuggingFace(fakeTok{specials: map[api.SpecialToken]int{
		api.TokBeginningOfSentence: 1,
		api.TokEndOfSentence:       2,
	}}, 32000)

	ids := tok.Encode("hi", true, false)
	assert.Equal(t, []int32{1, 'h', 'i'}, ids)

	ids = tok.Encode("hi", true, true)
	assert.Equal(t, []int32{1, 'h', 'i', 2}, ids)

	assert.Equal(t, "hi", tok.Decode([]int32{'h', 'i'}))
}

func TestStubRoundTrip(t *testing.T) {
	stub := Stub{Pad: 0, BOS: 3, EOS: 1, Vocab: 64}

	ids := stub.Encode("11 doc 12", true, false)
	assert.Equal(t, []int32{3, 11, 12}, ids, "non-numeric fields are dropped")

	ids = stub.Encode("11 12", false, true)
	assert.Equal(t, []int32{11, 12, 1}, ids)

	assert.Equal(t, "11 12", stub.Decode([]int32{11, 12}))
	assert.Empty(t, stub.Encode("", false, false))
}
