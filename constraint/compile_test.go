package constraint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/grammar"
)

func accepts(t *testing.T, env *testEnv, tlg api.TopLevelGrammar, s string) bool {
	t.Helper()
	tp := newParser(t, env, tlg, WithNoForcing(true))
	_, err := tp.ProcessPrompt(nil)
	require.NoError(t, err)
	n, err := tp.ValidateTokens(append(env.TokenizeBytes([]byte(s)), 0))
	require.NoError(t, err)
	return n == len(env.TokenizeBytes([]byte(s)))+1
}

func TestCompileKinds(t *testing.T) {
	cases := []struct {
		name   string
		tlg    api.TopLevelGrammar
		accept []string
		reject []string
	}{
		{
			name:   "regex",
			tlg:    api.FromRegex("a[0-2]+"),
			accept: []string{"a0", "a120"},
			reject: []string{"a", "b0"},
		},
		{
			name: "nested lark",
			tlg: api.TopLevelGrammar{Grammars: []api.GrammarWithLexer{
				{Name: "main", LarkGrammar: `start: "<" @num ">"`},
				{Name: "num", LarkGrammar: `start: /[0-9]+/`},
			}},
			accept: []string{"<1>", "<120>"},
			reject: []string{"<>", "<a>"},
		},
		{
			name:   "ebnf",
			tlg:    api.TopLevelGrammar{Grammars: []api.GrammarWithLexer{{EBNF: `start = "a" { "b" } .`}}},
			accept: []string{"a", "abb"},
			reject: []string{"b", "aba"},
		},
		{
			name:   "json schema",
			tlg:    api.FromJSONSchema(json.RawMessage(`{"type": "array", "items": {"type": "integer"}, "maxItems": 2}`)),
			accept: []string{"[]", "[1]", "[1,20]"},
			reject: []string{"[1,2,0]", "[a]"},
		},
		{
			name:   "longest match",
			tlg:    api.FromLark("start: INT INT\n%import common.INT\n%ignore \" \"\n"),
			accept: []string{"1 2", "10 2", "1  20"},
			reject: []string{"12", "102", "1"},
		},
	}
	env := newEnv(t, eos, "<", ">", "a", "b", "0", "1", "2", `"`, "[", "]", ",", " ")
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.accept {
				assert.True(t, accepts(t, env, tt.tlg, s), "should accept %q", s)
			}
			for _, s := range tt.reject {
				assert.False(t, accepts(t, env, tt.tlg, s), "should reject %q", s)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(api.TopLevelGrammar{}, CompileOptions{})
	require.ErrorIs(t, err, api.ErrInvalidGrammar)

	_, err = Compile(api.TopLevelGrammar{Grammars: []api.GrammarWithLexer{
		{Name: "x", LarkGrammar: `start: "a"`},
		{Name: "x", LarkGrammar: `start: "b"`},
	}}, CompileOptions{})
	require.ErrorIs(t, err, api.ErrInvalidGrammar)

	_, err = Compile(api.FromLark(`start: "<" @missing ">"`), CompileOptions{})
	require.ErrorIs(t, err, api.ErrInvalidGrammar)

	limits := api.DefaultLimits()
	limits.MaxGrammarSize = 1
	_, err = Compile(api.FromLark("start: \"a\" x | \"b\" x\nx: /[0-9]/"), CompileOptions{Limits: limits})
	require.ErrorIs(t, err, grammar.ErrGrammarTooLarge)
}

func TestCompileGuidanceAndBudget(t *testing.T) {
	tlg := api.FromLark("%llguidance {\"no_forcing\": true}\nstart: \"a\"")
	tlg.MaxTokens = 7
	c, err := Compile(tlg, CompileOptions{})
	require.NoError(t, err)
	assert.True(t, c.Guidance.NoForcing)
	assert.Equal(t, 7, c.MaxTokens)
}

func TestFactoryCache(t *testing.T) {
	env := newEnv(t, eos, "a")
	f, err := NewParserFactory(env, WithCacheSize(2))
	require.NoError(t, err)

	c1, err := f.Compile(api.FromRegex("a+"))
	require.NoError(t, err)
	c2, err := f.Compile(api.FromRegex("a+"))
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	c3, err := f.Compile(api.FromRegex("a*"))
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
}
