package jsonschema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/earley"
	"github.com/ollama/constrain/grammar"
)

type matcher func(s string) bool

func compileSchema(t *testing.T, doc string, opts Options) matcher {
	t.Helper()
	g, _, err := CompileGrammar("schema", grammar.NewLexerSpec(nil), []byte(doc), opts)
	require.NoError(t, err)
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
		schema string
		accept []string
		reject []string
	}{
		{
			name:   "required integer",
			schema: `{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`,
			accept: []string{`{"a":12}`, `{"a":-3}`},
			reject: []string{`{"a":1.5}`, `{}`, `{"a":1,"b":2}`, `{"a":012}`, `{ "a":1}`},
		},
		{
			name:   "optional properties keep order",
			schema: `{"type":"object","properties":{"a":{"type":"boolean"},"b":{"type":"null"}}}`,
			accept: []string{`{}`, `{"a":true}`, `{"b":null}`, `{"a":false,"b":null}`},
			reject: []string{`{"b":null,"a":true}`, `{,}`, `{"a":true,}`},
		},
		{
			name:   "array bounds",
			schema: `{"type":"array","items":{"type":"boolean"},"minItems":1,"maxItems":2}`,
			accept: []string{`[true]`, `[true,false]`},
			reject: []string{`[]`, `[true,true,true]`, `[1]`},
		},
		{
			name:   "prefix items",
			schema: `{"type":"array","prefixItems":[{"type":"string"},{"type":"integer"}],"items":false}`,
			accept: []string{`[]`, `["x"]`, `["x",1]`},
			reject: []string{`[1]`, `["x",1,2]`},
		},
		{
			name:   "string pattern",
			schema: `{"type":"string","pattern":"^a+$","maxLength":3}`,
			accept: []string{`"a"`, `"aaa"`},
			reject: []string{`""`, `"ab"`, `"aaaa"`},
		},
		{
			name:   "unanchored pattern",
			schema: `{"type":"string","pattern":"b"}`,
			accept: []string{`"b"`, `"abc"`},
			reject: []string{`"ac"`},
		},
		{
			name:   "escapes count as one character",
			schema: `{"type":"string","minLength":2,"maxLength":2}`,
			accept: []string{`"ab"`, `"\n\""`, `"é!"`},
			reject: []string{`"a"`, `"abc"`, "\"a\nb\""},
		},
		{
			name:   "enum",
			schema: `{"enum":["x",1,null,true]}`,
			accept: []string{`"x"`, `1`, `1.0`, `null`, `true`},
			reject: []string{`"y"`, `2`, `false`, `1.5`},
		},
		{
			name:   "number bounds",
			schema: `{"type":"number","minimum":1.5,"exclusiveMaximum":3}`,
			accept: []string{`1.5`, `2`, `2.99`},
			reject: []string{`3`, `1.49`, `-2`, `3.0`},
		},
		{
			name:   "multiple of",
			schema: `{"type":"integer","multipleOf":3}`,
			accept: []string{`9`, `-6`, `0`},
			reject: []string{`10`, `1`},
		},
		{
			name:   "overlapping oneOf",
			schema: `{"oneOf":[{"type":"integer"},{"type":"number","minimum":0}]}`,
			accept: []string{`-3`, `2.5`},
			reject: []string{`5`, `-2.5`},
		},
		{
			name:   "property count",
			schema: `{"type":"object","properties":{"a":{},"b":{}},"minProperties":1,"maxProperties":1}`,
			accept: []string{`{"a":1}`, `{"b":[2]}`},
			reject: []string{`{}`, `{"a":1,"b":2}`},
		},
		{
			name:   "pattern properties",
			schema: `{"type":"object","properties":{"id":{"type":"integer"}},"patternProperties":{"^x-":{"type":"string"}}}`,
			accept: []string{`{"id":1}`, `{"id":1,"x-a":"s","x-b":"t"}`, `{"x-a":"s"}`},
			reject: []string{`{"x-a":1}`, `{"y":"s"}`, `{"id":1,"id":2}`},
		},
		{
			name:   "any value",
			schema: `true`,
			accept: []string{`1`, `"s"`, `[1,{"a":[null]}]`, `{}`, `{"":false}`},
			reject: []string{`[1,]`, `{"a"}`, `nul`},
		},
		{
			name:   "x-guidance options",
			schema: `{"type":"object","x-guidance":{"allow_additional_properties":true,"item_separator":", ","key_separator":": "}}`,
			accept: []string{`{}`, `{"a": 1, "b": [1, 2]}`},
			reject: []string{`{"a":1}`},
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			match := compileSchema(t, tt.schema, DefaultOptions())
			for _, s := range tt.accept {
				assert.True(t, match(s), "should accept %s", s)
			}
			for _, s := range tt.reject {
				assert.False(t, match(s), "should reject %s", s)
			}
		})
	}
}

func TestCompileRecursive(t *testing.T) {
	match := compileSchema(t, `{
		"$ref": "#/$defs/node",
		"$defs": {
			"node": {
				"type": "object",
				"properties": {"value": {"type": "integer"}, "next": {"$ref": "#/$defs/node"}},
				"required": ["value"]
			}
		}
	}`, DefaultOptions())
	assert.True(t, match(`{"value":1}`))
	assert.True(t, match(`{"value":1,"next":{"value":2,"next":{"value":3}}}`))
	assert.False(t, match(`{"value":1,"next":{}}`))
}

func TestCompileWhitespace(t *testing.T) {
	opts := DefaultOptions()
	opts.WhitespaceFlexible = true
	match := compileSchema(t, `{"type":"array","items":{"type":"integer"}}`, opts)
	assert.True(t, match(`[1,2]`))
	assert.True(t, match("[ 1 ,\n\t2 ] "))
	assert.False(t, match(`[1 2]`))
}

func TestCompileErrors(t *testing.T) {
	_, _, err := CompileGrammar("s", grammar.NewLexerSpec(nil), []byte(`{"type":"integer","minimum":5,"maximum":3}`), DefaultOptions())
	var unsatErr *UnsatisfiableError
	require.True(t, errors.As(err, &unsatErr), "got %v", err)
	assert.Equal(t, "#", unsatErr.Path)

	_, _, err = CompileGrammar("s", grammar.NewLexerSpec(nil), []byte(`{
		"$ref": "#/$defs/a",
		"$defs": {"a": {"$ref": "#/$defs/a", "type": "object"}}
	}`), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalid)

	overlapping := []byte(`{"oneOf":[
		{"type":"object","properties":{"a":{}}},
		{"type":"object","properties":{"a":{}},"required":["a"]}
	]}`)
	_, _, err = CompileGrammar("s", grammar.NewLexerSpec(nil), overlapping, DefaultOptions())
	assert.ErrorIs(t, err, ErrUnsupported)

	_, warnings, err := CompileGrammar("s", grammar.NewLexerSpec(nil), overlapping, Options{ItemSeparator: ",", KeySeparator: ":", Lenient: true})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)

	_, _, err = CompileGrammar("s", grammar.NewLexerSpec(nil), []byte(`{"type":"string","x-guidance":{"bogus":1}}`), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalid)
}
