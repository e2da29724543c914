package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/constraint"
	"github.com/ollama/constrain/toktrie"
)

// vocab: 0 EOS, 1 "a", 2 "b", 3 "c", 4 "bc"
var words = []string{"\xff<|end|>", "a", "b", "c", "bc"}

func newConstraint(t *testing.T, tlg api.TopLevelGrammar) (*constraint.Constraint, *toktrie.TokTrie) {
	t.Helper()
	bs := make([][]byte, len(words))
	for i, w := range words {
		bs[i] = []byte(w)
	}
	trie, err := toktrie.FromBytes(toktrie.TokRxInfo{VocabSize: uint32(len(words))}, bs)
	require.NoError(t, err)

	f, err := constraint.NewParserFactory(toktrie.GreedyEnv{Trie: trie})
	require.NoError(t, err)
	c, err := f.NewConstraint(tlg)
	require.NoError(t, err)
	_, err = c.ProcessPrompt(nil)
	require.NoError(t, err)
	return c, trie
}

func TestConstrainedGreedy(t *testing.T) {
	c, trie := newConstraint(t, api.FromRegex("(a|b)bc"))
	s := NewConstrained(c, Options{})

	// "bc" has the highest logit but cannot start the output
	res, err := s.Step([]float32{0, 1, 5, 0, 10})
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Zero(t, res.Backtrack)
	assert.Equal(t, []uint32{2, 4}, res.FFTokens)
	assert.Equal(t, "bbc", string(trie.Decode(s.Tokens())))
}

func TestConstrainedWeighted(t *testing.T) {
	seed := uint64(7)
	c, trie := newConstraint(t, api.FromRegex("(a|b)bc"))
	s := NewConstrained(c, Options{Temperature: 0.8, TopK: 3, TopP: 0.95, Seed: &seed})

	calls := 0
	toks, err := s.Generate(func(tokens []toktrie.TokenID) ([]float32, error) {
		calls++
		return []float32{3, 1, 1, 3, 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, []string{"abc", "bbc"}, string(trie.Decode(toks)))
}

func TestConstrainedNoFiniteLogits(t *testing.T) {
	c, trie := newConstraint(t, api.FromRegex("(a|b)bc"))
	s := NewConstrained(c, Options{})

	inf := float32(math.Inf(-1))
	_, err := s.Step([]float32{10, inf, inf, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(trie.Decode(s.Tokens())))
}

func TestConstrainedStopsAtEOS(t *testing.T) {
	c, trie := newConstraint(t, api.FromRegex("(a|b)+"))
	s := NewConstrained(c, Options{})

	steps := [][]float32{
		{0, 5, 1, 0, 0}, // a
		{0, 1, 5, 0, 0}, // b
		{9, 1, 5, 0, 0}, // EOS
	}
	n := 0
	toks, err := s.Generate(func([]toktrie.TokenID) ([]float32, error) {
		logits := steps[n]
		n++
		return logits, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, toks, 3)
	assert.True(t, trie.IsEOS(toks[2]))
	assert.Equal(t, "ab", string(trie.DecodeText(toks)))
	assert.Equal(t, api.EndOfSentence, c.Parser().StopReason())
}

func TestConstrainedForcedPrefix(t *testing.T) {
	bs := make([][]byte, len(words))
	for i, w := range words {
		bs[i] = []byte(w)
	}
	trie, err := toktrie.FromBytes(toktrie.TokRxInfo{VocabSize: uint32(len(words))}, bs)
	require.NoError(t, err)
	f, err := constraint.NewParserFactory(toktrie.GreedyEnv{Trie: trie})
	require.NoError(t, err)

	c, err := f.NewConstraint(api.FromRegex("a(b|c)"))
	require.NoError(t, err)
	s := NewConstrained(c, Options{})

	_, err = s.Step([]float32{0, 0, 0, 0, 0})
	require.ErrorIs(t, err, api.ErrNotStarted)

	prompt, err := c.ProcessPrompt(nil)
	require.NoError(t, err)
	assert.Equal(t, "a", string(trie.Decode(prompt)))

	res, err := s.Step([]float32{0, 9, 1, 5, 0})
	require.NoError(t, err)
	assert.True(t, res.Stop)
	assert.Equal(t, "ac", string(trie.Decode(append(prompt, s.Tokens()...))))
}
