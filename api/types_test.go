package api

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraintSpec(t *testing.T) {
	tests := []struct {
		kind, value string
		want        string
	}{
		{"regex", `a/b+`, "lark"},
		{"json_schema", `{"type":"integer"}`, "json_schema"},
		{"json_object", "", "json_schema"},
		{"lark", `start: "x"`, "lark"},
		{"ebnf", `S = "x" .`, "ebnf"},
		{"llguidance", `{"grammars":[{"lark_grammar":"start: \"x\""}]}`, "lark"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			g, err := ParseConstraintSpec(tt.kind, tt.value)
			require.NoError(t, err)
			require.Len(t, g.Grammars, 1)
			assert.Equal(t, tt.want, g.Grammars[0].Kind())
		})
	}

	g, err := ParseConstraintSpec("regex", `a/b+`)
	require.NoError(t, err)
	assert.Equal(t, `start: /a\/b+/`, g.Grammars[0].LarkGrammar)

	for _, bad := range [][2]string{{"json", "{"}, {"llguidance", `{"grammars":[]}`}, {"yaml", "x"}} {
		_, err := ParseConstraintSpec(bad[0], bad[1])
		assert.ErrorIs(t, err, ErrInvalidGrammar, bad[0])
	}
}

func TestStopReasonText(t *testing.T) {
	b, err := json.Marshal(map[string]StopReason{"reason": NoExtension})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"NoExtension"}`, string(b))

	var got map[string]StopReason
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, NoExtension, got["reason"])
	assert.Equal(t, "StopReason(42)", StopReason(42).String())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeTooComplex, Code(&StopError{Reason: TooComplex}))
	assert.Equal(t, ErrCodeState, Code(&StopError{Reason: InternalError}))
	assert.Equal(t, ErrCodeInvalidGrammar, Code(errors.Join(ErrInvalidGrammar)))
	assert.Equal(t, ErrCodeGeneral, Code(errors.New("boom")))
	assert.True(t, errors.Is(&StopError{Reason: NoExtension}, ErrStopped))
}
