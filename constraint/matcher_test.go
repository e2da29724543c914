package constraint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/toktrie"
)

func TestMatcher(t *testing.T) {
	env := newEnv(t, eos, "a", "b", "ab")
	f, err := NewParserFactory(env, WithCacheSize(0))
	require.NoError(t, err)

	m := f.NewMatcher(api.FromRegex("(a|b)+"))
	require.NoError(t, m.Err())

	dst := make([]uint32, toktrie.WordsFor(env.Trie.VocabSize()))
	require.NoError(t, m.ComputeMaskInto(dst))
	assert.Equal(t, uint32(0b1110), dst[0])

	require.NoError(t, m.ConsumeTokens([]toktrie.TokenID{env.tok(t, "ab"), env.tok(t, "a")}))
	assert.True(t, m.IsAccepting())

	n, err := m.ValidateTokens([]toktrie.TokenID{env.tok(t, "b"), env.tok(t, eos)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Rollback(1))
	require.NoError(t, m.ConsumeToken(env.tok(t, eos)))
	assert.True(t, m.IsStopped())
	assert.Equal(t, api.EndOfSentence, m.StopReason())

	// a stopped matcher keeps allowing EOS
	mask, err := m.ComputeMask()
	require.NoError(t, err)
	assert.Equal(t, []string{eos}, env.allowed(mask))
	require.NoError(t, m.ConsumeToken(env.tok(t, eos)))
	require.Error(t, m.ConsumeToken(env.tok(t, "a")))
	require.Error(t, m.Err())
	require.Error(t, m.Rollback(1), "errors latch")
}

func TestMatcherInvalidGrammar(t *testing.T) {
	env := newEnv(t, eos, "a")
	f, err := NewParserFactory(env)
	require.NoError(t, err)

	m := f.NewMatcher(api.FromLark("start: missing"))
	require.ErrorIs(t, m.Err(), api.ErrInvalidGrammar)
	assert.True(t, m.IsStopped())
	_, err = m.ComputeMask()
	require.Error(t, err)
	assert.Nil(t, m.ComputeFFTokens())
	assert.Empty(t, m.FlushLogs())
}

func TestMatcherFFTokens(t *testing.T) {
	env := newEnv(t, eos, "a", "b", "c", "bc")
	f, err := NewParserFactory(env)
	require.NoError(t, err)

	m := f.NewMatcher(api.FromRegex("(a|c)bc"))
	require.NoError(t, m.Err())
	require.NoError(t, m.ConsumeToken(env.tok(t, "a")))
	assert.Equal(t, []toktrie.TokenID{env.tok(t, "bc")}, m.ComputeFFTokens())
}

func TestMatcherForcedPrefix(t *testing.T) {
	env := newEnv(t, eos, "{", "}", `"`, `{"`, `a"`, ":", "a", "0", "1", "5", "9", "x")
	f, err := NewParserFactory(env)
	require.NoError(t, err)

	schema := json.RawMessage(`{"type": "object", "properties": {"a": {"type": "integer", "minimum": 0, "maximum": 9}}, "required": ["a"]}`)
	m := f.NewMatcher(api.FromJSONSchema(schema))
	require.NoError(t, m.Err())
	assert.Empty(t, m.Bytes())
	assert.False(t, m.IsAccepting())

	// the forced prefix is not consumed until tokens produce it
	mask, err := m.ComputeMask()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"`}, env.allowed(mask))

	var toks []toktrie.TokenID
	for _, w := range []string{"{", `"`, "a", `"`, ":", "5", "}"} {
		toks = append(toks, env.tok(t, w))
	}
	n, err := m.ValidateTokens(toks)
	require.NoError(t, err)
	assert.Equal(t, len(toks), n)

	for i, tok := range toks[:5] {
		require.NoError(t, m.ConsumeToken(tok), "token %d", i)
	}
	assert.Equal(t, `{"a":`, string(m.Bytes()))

	mask, err = m.ComputeMask()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0", "1", "5", "9"}, env.allowed(mask))

	require.NoError(t, m.ConsumeTokens(toks[5:]))
	assert.True(t, m.IsAccepting())
	assert.Equal(t, `{"a":5}`, string(m.Bytes()))
	require.NoError(t, m.ConsumeToken(env.tok(t, eos)))

	// a wrong token where the prefix is forced is rejected
	m = f.NewMatcher(api.FromJSONSchema(schema))
	require.Error(t, m.ConsumeToken(env.tok(t, "x")))
	require.Error(t, m.Err())
}
