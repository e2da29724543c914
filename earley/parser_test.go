package earley

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/regex"
	"github.com/ollama/constrain/toktrie"
)

func compile(t testing.TB, build func(b *grammar.Builder) grammar.SymIdx) *grammar.CGrammar {
	t.Helper()
	b := grammar.NewBuilder("start", grammar.NewLexerSpec(nil))
	g, err := b.Finalize(build(b))
	require.NoError(t, err)
	cg, err := grammar.Compile(g.Optimize())
	require.NoError(t, err)
	return cg
}

func abPlus(b *grammar.Builder) grammar.SymIdx {
	return b.OneOrMore(b.Select(b.Literal("a"), b.Literal("b")))
}

func pushAll(p *Parser, s string) bool {
	for i := range len(s) {
		if !p.TryPushByte(s[i]) {
			return false
		}
	}
	return true
}

func TestPushAndPop(t *testing.T) {
	p, err := New(compile(t, abPlus))
	require.NoError(t, err)

	assert.False(t, p.IsAccepting())
	assert.True(t, pushAll(p, "abba"))
	assert.True(t, p.IsAccepting())
	assert.False(t, p.TryPushByte('c'))
	assert.Equal(t, "abba", string(p.Bytes()))

	p.PopBytes(4)
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.IsAccepting())
	assert.True(t, pushAll(p, "b"))
	assert.True(t, p.IsAccepting())

	// rows are the parse state, so collapsing keeps them
	p.Collapse()
	assert.Equal(t, "b", string(p.Bytes()))
	assert.True(t, p.TryPushByte('a'))
	p.PopBytes(1)
	assert.True(t, p.IsAccepting())
}

func TestLexemeAcrossBytes(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		num, err := b.Regex(`[0-9]+`)
		require.NoError(t, err)
		return b.Join(b.Literal(`{"a":`), num, b.Literal("}"))
	})
	p, err := New(cg)
	require.NoError(t, err)

	assert.Equal(t, `{"a":`, string(p.ForceBytes()))
	assert.False(t, p.TryPushByte('}'))
	require.True(t, pushAll(p, "12"))
	want := regex.ByteRange('0', '9')
	want.Add('}')
	assert.Equal(t, want, p.NextBytes())

	n, err := p.ApplyBytes([]byte("3}"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, p.IsAccepting())
	assert.False(t, p.CanAdvance())

	_, err = p.ApplyBytes([]byte("x"))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRecursiveGrammar(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		value := b.Placeholder("value")
		items := b.Join(value, b.ZeroOrMore(b.Join(b.Literal(","), value)))
		list := b.Join(b.Literal("["), b.Optional(items), b.Literal("]"))
		require.NoError(t, b.Define(value, b.Select(b.Literal("x"), list)))
		return value
	})

	for _, tt := range []struct {
		input string
		ok    bool
	}{
		{"x", true},
		{"[]", true},
		{"[x,[x,[]],x]", true},
		{"[x,]", false},
		{"[[x]", false},
	} {
		p, err := New(cg)
		require.NoError(t, err)
		ok := pushAll(p, tt.input) && p.IsAccepting()
		assert.Equal(t, tt.ok, ok, tt.input)
	}
}

func TestLongestMatch(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		num, err := b.Regex(`[0-9]+`)
		require.NoError(t, err)
		return b.Join(num, b.Optional(b.Literal(" ")), num)
	})
	for _, tt := range []struct {
		input string
		ok    bool
	}{
		{"1 2", true},
		{"12 345", true},
		{"12", false},
		{"123", false},
	} {
		p, err := New(cg)
		require.NoError(t, err)
		ok := pushAll(p, tt.input) && p.IsAccepting()
		assert.Equal(t, tt.ok, ok, tt.input)
	}

	// after "1" the first number may still grow, so "2" cannot start the
	// second one
	p, err := New(cg)
	require.NoError(t, err)
	require.True(t, pushAll(p, "12"))
	assert.False(t, p.IsAccepting())
	require.True(t, p.TryPushByte(' '))
	require.True(t, p.TryPushByte('3'))
	assert.True(t, p.IsAccepting())
}

func hiddenStopGrammar(t testing.TB) *grammar.CGrammar {
	return compile(t, func(b *grammar.Builder) grammar.SymIdx {
		body, err := b.Exprs().Parse(`[a-z]*`, regex.ParseOptions{})
		require.NoError(t, err)
		text, err := b.Lexeme("text", body, grammar.LexemeOptions{Stops: []string{"END"}})
		require.NoError(t, err)
		b.G.Symbol(text).Props.CaptureName = "text"
		b.G.Symbol(text).Props.StopCaptureName = "stop"
		return b.Join(text, b.Literal("!"))
	})
}

func TestHiddenStop(t *testing.T) {
	p, err := New(hiddenStopGrammar(t))
	require.NoError(t, err)

	n, err := p.ApplyBytes([]byte("abcEND"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(p.Bytes()))

	n, err = p.ApplyBytes([]byte("!"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, p.IsAccepting())

	caps := p.Captures()
	text, _ := caps.Get("text")
	stop, _ := caps.Get("stop")
	assert.Equal(t, "abc", string(text))
	assert.Equal(t, "END", string(stop))
}

func TestHiddenStopWithoutBacktrack(t *testing.T) {
	p, err := New(hiddenStopGrammar(t), WithBacktrack(false))
	require.NoError(t, err)

	n, err := p.ApplyBytes([]byte("abEND!"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "abEND!", string(p.Bytes()))
	assert.True(t, p.IsAccepting())

	text, _ := p.Captures().Get("text")
	assert.Equal(t, "ab", string(text))
}

func TestMaxTokens(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		word, err := b.Exprs().Parse(`[a-z]+`, regex.ParseOptions{})
		require.NoError(t, err)
		sym, err := b.Lexeme("word", word, grammar.LexemeOptions{MaxTokens: 2})
		require.NoError(t, err)
		return b.Join(sym, b.Literal("."))
	})
	p, err := New(cg)
	require.NoError(t, err)

	p.TokenBoundary()
	_, err = p.ApplyBytes([]byte("ab"))
	require.NoError(t, err)
	p.TokenBoundary()
	assert.True(t, p.NextBytes().Has('c'))

	_, err = p.ApplyBytes([]byte("c"))
	require.NoError(t, err)
	p.TokenBoundary()
	assert.Equal(t, regex.ByteSetOf('.'), p.NextBytes())
}

func TestTemperature(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		rx, err := b.Exprs().Parse(`[0-9]+`, regex.ParseOptions{})
		require.NoError(t, err)
		hot, err := b.Lexeme("hot", rx, grammar.LexemeOptions{Temperature: 0.7})
		require.NoError(t, err)
		return b.Join(b.Literal("n="), hot)
	})
	p, err := New(cg)
	require.NoError(t, err)
	assert.Zero(t, p.Temperature())
	p.ForceBytes()
	assert.InDelta(t, 0.7, p.Temperature(), 1e-6)
}

func TestTooComplex(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		value := b.Placeholder("value")
		list := b.Join(b.Literal("["), b.ZeroOrMore(value), b.Literal("]"))
		require.NoError(t, b.Define(value, b.Select(b.Literal("x"), list)))
		return value
	})
	limits := api.DefaultLimits()
	limits.MaxItemsInRow = 2
	_, err := New(cg, WithLimits(limits))
	var tooComplex *TooComplexError
	require.True(t, errors.As(err, &tooComplex), "got %v", err)
	assert.Equal(t, "max_items_in_row", tooComplex.Limit)
}

func TestComputeBias(t *testing.T) {
	words := []string{"a", "b", "ab", "ba", "c", "ac", "bab", "<eos>"}
	bs := make([][]byte, len(words))
	for i, w := range words {
		bs[i] = []byte(w)
	}
	trie, err := toktrie.FromBytes(toktrie.TokRxInfo{VocabSize: uint32(len(words)), EOS: 7}, bs)
	require.NoError(t, err)

	p, err := New(compile(t, abPlus))
	require.NoError(t, err)
	mask := toktrie.NewBitmask(trie.VocabSize())
	trie.ComputeBias(p, nil, mask)
	require.NoError(t, p.Err())
	assert.Equal(t, 0, p.Len())

	var got []string
	for tok := range mask.Tokens {
		got = append(got, words[tok])
	}
	assert.ElementsMatch(t, []string{"a", "b", "ab", "ba", "bab"}, got)
}

func TestCapturesRolledBack(t *testing.T) {
	cg := compile(t, func(b *grammar.Builder) grammar.SymIdx {
		name := b.NamedRule("name", []grammar.SymIdx{b.OneOrMore(b.Literal("a"))})
		b.G.Symbol(name).Props.CaptureName = "name"
		return b.Join(name, b.Literal(";"))
	})
	p, err := New(cg)
	require.NoError(t, err)
	require.True(t, pushAll(p, "aa"))
	v, ok := p.Captures().Get("name")
	require.True(t, ok)
	assert.Equal(t, "aa", string(v))

	p.PopBytes(1)
	v, _ = p.Captures().Get("name")
	assert.Equal(t, "a", string(v))

	p.PopBytes(1)
	_, ok = p.Captures().Get("name")
	assert.False(t, ok)
}
