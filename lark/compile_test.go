package lark

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/earley"
	"github.com/ollama/constrain/grammar"
)

func matchAll(t *testing.T, g *grammar.Grammar) func(string) bool {
	t.Helper()
	cg, err := grammar.Compile(g.Optimize())
	require.NoError(t, err)
	return func(s string) bool {
		p, err := earley.New(cg)
		require.NoError(t, err)
		for i := range len(s) {
			if !p.TryPushByte(s[i]) {
				return false
			}
		}
		return p.IsAccepting()
	}
}

func TestCompile(t *testing.T) {
	cases := []struct {
		name   string
		src    string
		accept []string
		reject []string
	}{
		{
			name:   "rules",
			src:    "start: \"a\" b\nb: \"b\"+",
			accept: []string{"ab", "abbb"},
			reject: []string{"a", "ba", "abc"},
		},
		{
			name: "common tokens with ignore",
			src: `
start: NUMBER ("," NUMBER)*
%import common.NUMBER
%import common.WS
%ignore WS
`,
			accept: []string{"1", "1,2", "1, 2.5 ,3e2", "7 "},
			reject: []string{"", "1,,2", "1,", "x"},
		},
		{
			name:   "token operators",
			src:    "start: WORD\nWORD: /[a-z]+/ & ~/.*bad.*/",
			accept: []string{"good", "ba"},
			reject: []string{"isbad", "Good", ""},
		},
		{
			name:   "case insensitive literal",
			src:    `start: "select"i " " /[a-z]+/`,
			accept: []string{"select x", "SeLeCt abc"},
			reject: []string{"selec x", "select X"},
		},
		{
			name:   "character range",
			src:    `start: "a".."c"+`,
			accept: []string{"a", "abca"},
			reject: []string{"d", "abd"},
		},
		{
			name:   "alias import",
			src:    "%import common.INT -> NUM\nstart: \"[\" NUM \"]\"",
			accept: []string{"[42]"},
			reject: []string{"[]", "[4a]"},
		},
		{
			name: "templates",
			src: `
start: item::0
item::_: %if lt(2) "a" item::incr(1)
  | "b"
`,
			accept: []string{"b", "ab", "aab"},
			reject: []string{"aaab", "a", ""},
		},
		{
			name:   "special token",
			src:    `start: "hi" <|end|>`,
			accept: []string{"hi\xff<|end|>"},
			reject: []string{"hi<|end|>", "hi"},
		},
		{
			name:   "json",
			src:    `start: "data=" %json {"type": "integer", "minimum": 0}`,
			accept: []string{"data=0", "data=42"},
			reject: []string{"data=4.2", "data=-1", "data="},
		},
		{
			name:   "declared token never matches",
			src:    "start: \"a\" | FOO\n%declare FOO",
			accept: []string{"a"},
			reject: []string{""},
		},
		{
			name:   "override",
			src:    "start: \"a\"\n%override start: \"b\"",
			accept: []string{"b"},
			reject: []string{"a"},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compile(tt.src, Options{Name: "test"})
			require.NoError(t, err)
			match := matchAll(t, res.Grammar)
			for _, s := range tt.accept {
				assert.True(t, match(s), "should accept %q", s)
			}
			for _, s := range tt.reject {
				assert.False(t, match(s), "should reject %q", s)
			}
		})
	}
}

func TestCompileTokenIDs(t *testing.T) {
	vocab := map[uint32]string{1: "yes", 2: "no"}
	opts := Options{
		Name: "ids",
		TokenBytes: func(id uint32) ([]byte, bool) {
			s, ok := vocab[id]
			return []byte(s), ok
		},
	}
	res, err := Compile(`start: <[1-2]>`, opts)
	require.NoError(t, err)
	match := matchAll(t, res.Grammar)
	assert.True(t, match("yes"))
	assert.True(t, match("no"))
	assert.False(t, match("maybe"))

	_, err = Compile(`start: <[3]>`, opts)
	require.ErrorIs(t, err, ErrUndefined)
	_, err = Compile(`start: <[1]>`, Options{})
	require.ErrorIs(t, err, ErrUndefined)
}

func TestCompileLexemeAttributes(t *testing.T) {
	res, err := Compile(`
start: "say:" text
text[stop="\n", stop_capture="eol", max_tokens=8]: /.*/
`, Options{Name: "attrs"})
	require.NoError(t, err)

	sym, ok := res.Grammar.Lookup("text")
	require.True(t, ok)
	s := res.Grammar.Symbol(sym)
	require.True(t, s.IsTerminal())
	assert.Equal(t, "eol", s.Props.StopCaptureName)
	assert.Equal(t, 8, s.Props.MaxTokens)

	lx := res.Grammar.Lexer().Lexeme(s.Lexeme)
	assert.Equal(t, []string{"\n"}, lx.Stops)
	assert.True(t, lx.Lazy)
	assert.False(t, lx.KeepStops)

	res, err = Compile(`
start: item
item[suffix="]"]: /[a-z]*/
`, Options{Name: "suffix"})
	require.NoError(t, err)
	sym, ok = res.Grammar.Lookup("item")
	require.True(t, ok)
	lx = res.Grammar.Lexer().Lexeme(res.Grammar.Symbol(sym).Lexeme)
	assert.True(t, lx.KeepStops)
}

func TestCompileCaptures(t *testing.T) {
	res, err := Compile(`
start: "x=" val obj
val[capture]: /[0-9]+/
obj[capture="o"]: "{" "}"
`, Options{Name: "captures"})
	require.NoError(t, err)

	val, ok := res.Grammar.Lookup("val")
	require.True(t, ok)
	assert.Equal(t, "val", res.Grammar.Symbol(val).Props.CaptureName)

	obj, ok := res.Grammar.Lookup("obj")
	require.True(t, ok)
	assert.Equal(t, "o", res.Grammar.Symbol(obj).Props.CaptureName)
	assert.False(t, res.Grammar.Symbol(obj).IsTerminal())
}

func TestCompileNested(t *testing.T) {
	lex := grammar.NewLexerSpec(nil)
	top, err := Compile(`start: "<" @inner ">"`, Options{Name: "top", Lexer: lex})
	require.NoError(t, err)
	inner, err := Compile(`start: /[0-9]+/`, Options{Name: "inner", Lexer: lex})
	require.NoError(t, err)

	sym, ok := top.Grammar.Lookup("@inner")
	require.True(t, ok)
	assert.Equal(t, "inner", top.Grammar.Symbol(sym).Nested)

	require.NoError(t, grammar.ResolveNested(top.Grammar, map[string]*grammar.Grammar{"inner": inner.Grammar}))
	match := matchAll(t, top.Grammar)
	assert.True(t, match("<123>"))
	assert.False(t, match("<>"))
}

func TestCompileGuidance(t *testing.T) {
	res, err := Compile("%llguidance {\"no_forcing\": true, \"allow_invalid_utf8\": true}\nstart: /./", Options{})
	require.NoError(t, err)
	assert.True(t, res.Guidance.NoForcing)
	assert.True(t, res.Guidance.AllowInvalidUTF8)

	match := matchAll(t, res.Grammar)
	assert.True(t, match("\xfe"))

	_, err = Compile("%llguidance {\"bogus\": 1}\nstart: \"a\"", Options{})
	require.ErrorIs(t, err, ErrGuidance)
}

func TestCompileWarnings(t *testing.T) {
	res, err := Compile("start: \"a\" | FOO\n%declare FOO", Options{})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "FOO")
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		err  error
	}{
		{"undefined rule", `start: missing`, ErrUndefined},
		{"undefined token", `start: MISSING`, ErrUndefined},
		{"redefined", "start: \"a\"\nstart: \"b\"", ErrRedefined},
		{"override undefined", `%override start: "b"`, ErrUndefined},
		{"no start", `other: "a"`, ErrNoStart},
		{"conjunction in rule", `start: "a" & "b"`, ErrTokenOnly},
		{"negation in rule", `start: ~"a"`, ErrTokenOnly},
		{"rule in token", "start: A\nA: \"a\" b\nb: \"b\"", ErrNotToken},
		{"recursive token", "start: A\nA: \"a\" A?", ErrRecursive},
		{"unknown module", `%import foo.BAR`, ErrBadImport},
		{"unknown common name", `%import common.NOPE`, ErrBadImport},
		{"template without argument", "start: t\nt::_: \"a\"", ErrParameters},
		{"argument to plain rule", "start: t::1\nt: \"a\"", ErrParameters},
		{"lexeme attributes on rule body", "start: t\nt[lazy]: \"a\" u\nu: \"b\"", ErrNotToken},
		{"stop and suffix", "start: t\nt[stop=\"a\", suffix=\"b\"]: /x/", ErrParameters},
		{"runaway template", "start: t::0\nt::_: \"a\" t::incr(1) | \"b\"", ErrParameters},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src, Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
}
