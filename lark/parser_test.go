package lark

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	g, err := Parse(`
// a comment
?start: item+ ("," item)*
  | "none"i
item.2: NAME | /[0-9]+/ -> num
NAME: "a".."z" LETTERS*
LETTERS: /[a-z]/
`)
	require.NoError(t, err)
	require.Len(t, g.Rules, 2)
	require.Len(t, g.Tokens, 2)

	start := g.Rules[0]
	assert.Equal(t, "start", start.Name)
	assert.True(t, start.Inline)
	require.Len(t, start.Body.Alts, 2)
	items := start.Body.Alts[0].Conjuncts[0].Items
	require.Len(t, items, 2)
	assert.Equal(t, RuleRef{Name: "item"}, items[0].Atom)
	assert.Equal(t, 1, items[0].Min)
	assert.Equal(t, -1, items[0].Max)
	assert.IsType(t, Group{}, items[1].Atom)
	assert.Equal(t, Literal{Value: "none", Fold: true}, start.Body.Alts[1].Conjuncts[0].Items[0].Atom)

	item := g.Rules[1]
	assert.Equal(t, 2, item.Priority)
	assert.Equal(t, "num", item.Body.Alts[1].Alias)
	assert.Equal(t, Regex{Pattern: "[0-9]+"}, item.Body.Alts[1].Conjuncts[0].Items[0].Atom)

	name := g.Tokens[0]
	assert.Equal(t, Range{'a', 'z'}, name.Body.Alts[0].Conjuncts[0].Items[0].Atom)
}

func TestParseRepetition(t *testing.T) {
	cases := []struct {
		src      string
		min, max int
	}{
		{`start: "a"?`, 0, 1},
		{`start: "a"*`, 0, -1},
		{`start: "a" ~ 3`, 3, 3},
		{`start: "a" ~ 2..5`, 2, 5},
		{`start: "a"{4}`, 4, 4},
		{`start: "a"{1,3}`, 1, 3},
		{`start: "a"{2,}`, 2, -1},
	}
	for _, tt := range cases {
		t.Run(tt.src, func(t *testing.T) {
			g, err := Parse(tt.src)
			require.NoError(t, err)
			e := g.Rules[0].Body.Alts[0].Conjuncts[0].Items[0]
			assert.Equal(t, tt.min, e.Min)
			assert.Equal(t, tt.max, e.Max)
		})
	}
}

func TestParseTokenOperators(t *testing.T) {
	g, err := Parse(`WORD: /[a-z]+/ & ~"bad" & ~/x.*/i`)
	require.NoError(t, err)
	alt := g.Tokens[0].Body.Alts[0]
	require.Len(t, alt.Conjuncts, 3)
	assert.True(t, alt.Conjuncts[1].Items[0].Negate)
	assert.Equal(t, Regex{Pattern: "x.*", Flags: "i"}, alt.Conjuncts[2].Items[0].Atom)
}

func TestParseAttributes(t *testing.T) {
	g, err := Parse(`
text[stop="\n", max_tokens=20, temperature=0.5, stop_capture="end"]: /.*/
val[capture, lazy]: /[0-9]+/
named[capture="v", suffix="]"]: /[^\]]*/
`)
	require.NoError(t, err)
	require.Len(t, g.Rules, 3)

	text := g.Rules[0].Attrs
	require.NotNil(t, text.Stop)
	assert.Equal(t, "\n", *text.Stop)
	assert.Equal(t, 20, text.MaxTokens)
	assert.InDelta(t, 0.5, text.Temperature, 1e-6)
	assert.Equal(t, "end", text.StopCapture)
	assert.True(t, text.lexemeOnly())

	val := g.Rules[1].Attrs
	assert.Equal(t, "val", val.Capture)
	assert.True(t, val.Lazy)

	named := g.Rules[2].Attrs
	assert.Equal(t, "v", named.Capture)
	require.NotNil(t, named.Suffix)
	assert.Equal(t, "]", *named.Suffix)

	_, err = Parse(`x[colour="red"]: "a"`)
	require.Error(t, err)
	_, err = Parse(`x[max_tokens=0]: "a"`)
	require.Error(t, err)
}

func TestParseDirectives(t *testing.T) {
	g, err := Parse(`
%import common.NUMBER
%import common.INT -> N
%import common (WS, CNAME)
%ignore WS
%declare EXTERNAL other
%llguidance {"no_forcing": true}
start: NUMBER N CNAME @sub %json {"type": "string", "enum": ["a}"]}
%override start: "x"
`)
	require.NoError(t, err)

	want := []*Import{
		{Pos: Pos{2, 1}, Module: "common", Names: []string{"NUMBER"}, Aliases: map[string]string{}},
		{Pos: Pos{3, 1}, Module: "common", Names: []string{"INT"}, Aliases: map[string]string{"INT": "N"}},
		{Pos: Pos{4, 1}, Module: "common", Names: []string{"WS", "CNAME"}, Aliases: map[string]string{}},
	}
	if diff := cmp.Diff(want, g.Imports); diff != "" {
		t.Errorf("imports mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, g.Ignore, 1)
	assert.Equal(t, []string{"EXTERNAL", "other"}, g.Declares)
	assert.Equal(t, []string{`{"no_forcing": true}`}, g.LLGuidance)

	require.Len(t, g.Rules, 2)
	items := g.Rules[0].Body.Alts[0].Conjuncts[0].Items
	require.Len(t, items, 5)
	assert.Equal(t, Nested{"sub"}, items[3].Atom)
	assert.Equal(t, JSON{`{"type": "string", "enum": ["a}"]}`}, items[4].Atom)
	assert.True(t, g.Rules[1].Override)
}

func TestParseSpecialTokens(t *testing.T) {
	g, err := Parse(`start: <|im_end|> <[1, 5-7]>`)
	require.NoError(t, err)
	items := g.Rules[0].Body.Alts[0].Conjuncts[0].Items
	assert.Equal(t, Special{"<|im_end|>"}, items[0].Atom)
	assert.Equal(t, TokenIDs{[]uint32{1, 5, 6, 7}}, items[1].Atom)
}

func TestParseTemplates(t *testing.T) {
	g, err := Parse(`
start: list::0
list::_: %if and(lt(3), not(bit_set(7))) "x" list::incr(1)
  | %if ge(1) "."
`)
	require.NoError(t, err)
	require.Len(t, g.Rules, 2)

	list := g.Rules[1]
	assert.True(t, list.Param)
	require.Len(t, list.Body.Alts, 2)
	cond := list.Body.Alts[0].Cond
	require.NotNil(t, cond)
	assert.True(t, cond.Eval(2))
	assert.False(t, cond.Eval(3))
	assert.False(t, cond.Eval(1<<7))
	assert.Equal(t, "and(lt(3), not(bit_set(7)))", cond.String())

	ref := list.Body.Alts[0].Conjuncts[0].Items[1].Atom.(RuleRef)
	assert.Equal(t, uint64(5), ref.Param.Eval(4))

	start := g.Rules[0].Body.Alts[0].Conjuncts[0].Items[0].Atom.(RuleRef)
	assert.Equal(t, uint64(0), start.Param.Eval(9))
}

func TestParamOps(t *testing.T) {
	cases := []struct {
		op     string
		p, arg uint64
		want   uint64
	}{
		{"set_bit", 0b100, 0, 0b101},
		{"clear_bit", 0b101, 2, 0b001},
		{"toggle_bit", 0b001, 0, 0},
		{"incr", 5, 3, 8},
		{"decr", 2, 5, 0},
		{"bit_and", 0b110, 0b011, 0b010},
		{"bit_or", 0b100, 0b011, 0b111},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, paramOp{tt.op, tt.arg}.Eval(tt.p), tt.op)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		pos  Pos
		msg  string
	}{
		{"missing colon", "start: \"a\"\nfoo bar", Pos{2, 5}, "expected ':'"},
		{"unterminated string", `start: "abc`, Pos{1, 8}, "unterminated string"},
		{"unterminated regex", `start: /abc`, Pos{1, 8}, "unterminated regex"},
		{"bad directive", `%frobnicate x`, Pos{1, 1}, "unknown directive"},
		{"bad range", `start: "ab".."c"`, Pos{1, 8}, "invalid character range"},
		{"stray paren", `start: "a")`, Pos{1, 11}, "expected end of line"},
		{"bad condition", `start: %if wat(1) "a"`, Pos{1, 12}, "unknown condition"},
		{"bit index", `start: x::set_bit(64)`, Pos{1, 19}, "invalid argument"},
		{"bad json", `start: %json [1]`, Pos{1, 14}, "expected a JSON object"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.pos, se.Pos)
			assert.Contains(t, se.Msg, tt.msg)
		})
	}
}

func TestParseDepthLimit(t *testing.T) {
	src := "start: " + strings.Repeat("(", 40) + `"a"` + strings.Repeat(")", 40)
	_, err := Parse(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooDeep))

	src = "start: " + strings.Repeat("(", 10) + `"a"` + strings.Repeat(")", 10)
	_, err = Parse(src)
	require.NoError(t, err)
}

func TestParseMultilineGroups(t *testing.T) {
	g, err := Parse("start: (\n  \"a\"\n  | \"b\"\n)\nnext: \"c\"")
	require.NoError(t, err)
	require.Len(t, g.Rules, 2)
	group := g.Rules[0].Body.Alts[0].Conjuncts[0].Items[0].Atom.(Group)
	assert.Len(t, group.Body.Alts, 2)
}

func TestParseLeadingBlankLines(t *testing.T) {
	for _, src := range []string{
		"\nstart: \"a\"\n",
		"\n\n\nstart: \"a\"",
		"// comment\nstart: \"a\"\n",
		"  // indented comment\n\nstart: \"a\"\n\n",
	} {
		g, err := Parse(src)
		require.NoError(t, err, "%q", src)
		require.Len(t, g.Rules, 1)
		assert.Equal(t, "start", g.Rules[0].Name)
	}
}

func TestCommonLibrary(t *testing.T) {
	lib, err := commonTokens()
	require.NoError(t, err)
	for _, name := range []string{"DIGIT", "INT", "SIGNED_NUMBER", "ESCAPED_STRING", "CNAME", "WS", "NEWLINE"} {
		assert.Contains(t, lib, name)
	}
}
