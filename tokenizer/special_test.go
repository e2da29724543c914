package tokenizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitSpecialTokens(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		values   []string
		types    []TokenType
		expected []fragment
	}{
		{
			name:     "no special tokens in text",
			input:    "hello world",
			values:   []string{"<special>"},
			types:    []TokenType{TokenControl},
			expected: []fragment{{value: "hello world"}},
		},
		{
			name:   "repeated token",
			input:  "<s>hi<s>there<s>",
			values: []string{"<s>"},
			types:  []TokenType{TokenControl},
			expected: []fragment{
				{value: "<s>", ids: []int32{0}},
				{value: "hi"},
				{value: "<s>", ids: []int32{0}},
				{value: "there"},
				{value: "<s>", ids: []int32{0}},
			},
		},
		{
			name:   "longest token wins",
			input:  "xABCy",
			values: []string{"AB", "ABC"},
			types:  []TokenType{TokenControl, TokenControl},
			expected: []fragment{
				{value: "x"},
				{value: "ABC", ids: []int32{1}},
				{value: "y"},
			},
		},
		{
			name:   "leftmost token wins",
			input:  "ABCD",
			values: []string{"BCD", "AB"},
			types:  []TokenType{TokenControl, TokenControl},
			expected: []fragment{
				{value: "AB", ids: []int32{1}},
				{value: "CD"},
			},
		},
		{
			name:   "normal tokens stay text",
			input:  "a<x><y><z>b",
			values: []string{"<x>", "<y>", "<z>"},
			types:  []TokenType{TokenControl, TokenNormal, TokenUserDefined},
			expected: []fragment{
				{value: "a"},
				{value: "<x>", ids: []int32{0}},
				{value: "<y>"},
				{value: "<z>", ids: []int32{2}},
				{value: "b"},
			},
		},
		{
			name:     "empty input",
			input:    "",
			values:   []string{"<special>"},
			types:    []TokenType{TokenControl},
			expected: []fragment{{value: ""}},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			vocab := &Vocabulary{Values: tt.values, Types: tt.types}
			got := splitSpecialTokens(tt.input, vocab)
			if diff := cmp.Diff(tt.expected, got, cmp.AllowUnexported(fragment{})); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
