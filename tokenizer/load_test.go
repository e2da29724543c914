package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDescription(t *testing.T) {
	bpe := loadTest(t, byteLevelJSON)
	vocab := bpe.Vocabulary()
	assert.Equal(t, 14, vocab.Len())
	assert.Equal(t, []int32{13}, vocab.EOS)
	assert.True(t, bpe.Is(13, SpecialEOS))
	assert.Equal(t, []string{"<|endoftext|>"}, vocab.Specials())
}

func TestLoadDescriptionConfig(t *testing.T) {
	bpe, err := LoadDescription([]byte(sentencePieceJSON), &Config{
		GenerationConfigJSON: []byte(`{"eos_token_id": [5, 6], "bos_token_id": 1}`),
		TokenizerConfigJSON:  []byte(`{"eos_token": {"content": "</s>"}, "add_bos_token": true}`),
	})
	require.NoError(t, err)
	vocab := bpe.Vocabulary()
	assert.Equal(t, []int32{5, 6}, vocab.EOS)
	assert.Equal(t, []int32{1}, vocab.BOS)
	assert.True(t, vocab.AddBOS)
	assert.False(t, vocab.AddEOS)
}

func TestLoadDescriptionErrors(t *testing.T) {
	_, err := LoadDescription([]byte(`{"model": {"type": "Unigram"}}`), nil)
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = LoadDescription([]byte(`{`), nil)
	require.Error(t, err)

	_, err = LoadDescription([]byte(`{"model": {"type": "BPE", "vocab": {}, "merges": [["a"]]}}`), nil)
	require.Error(t, err)
}

func TestExtractPretokenizer(t *testing.T) {
	single := `{"type": "Split", "pattern": {"Regex": "\\s+"}}`
	assert.Equal(t, `\s+`, extractPretokenizer([]byte(single)))

	seq := `{"type": "Sequence", "pretokenizers": [
		{"type": "ByteLevel"},
		{"type": "Split", "pattern": {"Regex": "\\p{N}"}}
	]}`
	assert.Equal(t, `\p{N}`, extractPretokenizer([]byte(seq)))
	assert.Empty(t, extractPretokenizer(nil))
}
