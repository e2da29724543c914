package regex

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t testing.TB, s *ExprSet, pattern string, opts ParseOptions) ExprRef {
	t.Helper()
	e, err := s.Parse(pattern, opts)
	require.NoError(t, err)
	return e
}

func TestParseMatchesLikeGoRegexp(t *testing.T) {
	cases := []struct {
		pattern string
		inputs  []string
	}{
		{`a|b`, []string{"", "a", "b", "ab", "c"}},
		{`(a|b)+`, []string{"", "a", "abba", "abc"}},
		{`[0-9]{2,3}`, []string{"1", "12", "123", "1234", "1a"}},
		{`x*y?`, []string{"", "x", "xxxy", "y", "yy"}},
		{`[^a-c]`, []string{"a", "d", "é", "\n", "ab"}},
		{`.`, []string{"a", "\n", "日", "日本"}},
		{`[α-ω]+`, []string{"αβγ", "abc", "ω"}},
		{`^foo$`, []string{"foo", "foox"}},
		{`(?i)hello`, []string{"HeLLo", "hello", "help"}},
		{`\d+\.\d*`, []string{"1.", "12.5", ".5", "1"}},
		{`[\x{10000}-\x{10FFFF}]`, []string{"\U0001F600", "a", "￿"}},
	}

	for _, tt := range cases {
		t.Run(tt.pattern, func(t *testing.T) {
			s := NewExprSet()
			e := mustParse(t, s, tt.pattern, ParseOptions{})
			want := regexp.MustCompile(`^(?:` + tt.pattern + `)$`)
			for _, in := range tt.inputs {
				assert.Equal(t, want.MatchString(in), s.Matches(e, in), "input %q", in)
			}
		})
	}
}

func TestHashConsing(t *testing.T) {
	s := NewExprSet()
	a := s.Literal("abc")
	b := s.Concat(s.Byte('a'), s.Literal("bc"))
	assert.Equal(t, a, b)
	assert.Equal(t, s.Or(a, s.Byte('x')), s.Or(s.Byte('x'), a, a))
	assert.Equal(t, NoMatch, s.Concat(a, NoMatch))
	assert.Equal(t, a, s.Or(a, NoMatch))
	assert.Equal(t, s.Byte('a'), s.Repeat(s.Byte('a'), 1, 1))
}

func TestAndNot(t *testing.T) {
	s := NewExprSet()
	word := mustParse(t, s, `[a-z]+`, ParseOptions{})
	keyword := s.Or(s.Literal("if"), s.Literal("else"))
	ident := s.And(word, s.Not(keyword))

	assert.True(t, s.Matches(ident, "foo"))
	assert.True(t, s.Matches(ident, "iff"))
	assert.False(t, s.Matches(ident, "if"))
	assert.False(t, s.Matches(ident, "else"))
	assert.False(t, s.Matches(ident, "Foo"))

	empty := s.And(s.Literal("a"), s.Literal("b"))
	assert.Equal(t, NoMatch, empty)

	// the language is empty but the expression is not syntactically NoMatch
	dead := s.And(mustParse(t, s, `a+`, ParseOptions{}), s.Not(mustParse(t, s, `a*`, ParseOptions{})))
	assert.False(t, s.Relevant(dead))
	assert.True(t, s.Relevant(ident))
}

func TestMultipleOf(t *testing.T) {
	cases := []struct {
		divisor uint64
		scale   uint32
		match   []string
		reject  []string
	}{
		{3, 0, []string{"0", "3", "12", "999", "3.0", "3.000"}, []string{"1", "10", "3.5", "", "."}},
		{5, 1, []string{"0.5", "1", "1.5", "2.50", "10"}, []string{"0.1", "1.25", "0.55"}},
		{25, 2, []string{"0.25", "1.75", "2", "0.250"}, []string{"0.1", "0.2", "1.26"}},
	}

	for _, tt := range cases {
		s := NewExprSet()
		e := s.MultipleOf(tt.divisor, tt.scale)
		for _, in := range tt.match {
			assert.True(t, s.Matches(e, in), "%d/10^%d should match %q", tt.divisor, tt.scale, in)
		}
		for _, in := range tt.reject {
			assert.False(t, s.Matches(e, in), "%d/10^%d should reject %q", tt.divisor, tt.scale, in)
		}
	}
}

func TestJSONQuoted(t *testing.T) {
	s := NewExprSet()
	e := mustParse(t, s, `a"b\\c\n`, ParseOptions{JSONQuoted: true})
	assert.True(t, s.Matches(e, `a\"b\\c\n`))
	assert.False(t, s.Matches(e, "a\"b\\c\n"))

	any := mustParse(t, s, `.*`, ParseOptions{JSONQuoted: true})
	assert.True(t, s.Matches(any, `plain text`))
	assert.True(t, s.Matches(any, `with \"quote\"`))
	assert.False(t, s.Matches(any, `bare " quote`))
	assert.True(t, s.Matches(any, `\u0001`))
}

func TestAutomaton(t *testing.T) {
	s := NewExprSet()
	e := mustParse(t, s, `ab|ac`, ParseOptions{})
	a := NewAutomaton(s)

	require.False(t, a.Accepting(e))
	first := a.FirstBytes(e)
	b, ok := first.Single()
	require.True(t, ok)
	require.Equal(t, byte('a'), b)

	next := a.Next(e, 'a')
	require.NotEqual(t, NoMatch, next)
	assert.Equal(t, 2, a.FirstBytes(next).Len())
	assert.Equal(t, NoMatch, a.Next(e, 'b'))
	assert.True(t, a.Accepting(a.Next(next, 'c')))
	assert.False(t, a.CanExtend(a.Next(next, 'c')))

	dead := s.And(mustParse(t, s, `x[0-9]`, ParseOptions{}), s.Not(mustParse(t, s, `x[0-9]`, ParseOptions{})))
	assert.Equal(t, NoMatch, a.Next(dead, 'x'))
}

func TestAutomatonStateBudget(t *testing.T) {
	s := NewExprSet()
	e := mustParse(t, s, `[a-z]{0,100}`, ParseOptions{})
	a := NewAutomaton(s, WithMaxStates(3))
	for range 10 {
		e = a.Next(e, 'a')
	}
	assert.ErrorIs(t, a.Err(), ErrTooManyStates)
	assert.Equal(t, NoMatch, e)
}

func TestByteSet(t *testing.T) {
	set := ByteRange('a', 'c')
	set.Add('x')
	assert.Equal(t, 4, set.Len())
	assert.Equal(t, "[a-cx]", set.String())
	var got []byte
	for b := range set.All {
		got = append(got, b)
	}
	assert.Equal(t, []byte("abcx"), got)
	_, ok := set.Single()
	assert.False(t, ok)
}
