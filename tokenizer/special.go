package tokenizer

import (
	"strings"
)

// fragment is a piece of input text; ids is set when the piece is a special
// token.
type fragment struct {
	value string
	ids   []int32
}

// splitSpecialTokens cuts special tokens out of s, scanning left to right.
// At a given position the longest special token wins.
func splitSpecialTokens(s string, vocab *Vocabulary) []fragment {
	var present []string
	for _, sp := range vocab.Specials() {
		if sp != "" && strings.Contains(s, sp) {
			present = append(present, sp)
		}
	}
	if len(present) == 0 {
		return []fragment{{value: s}}
	}

	var out []fragment
	for len(s) > 0 {
		at, match := -1, ""
		for _, sp := range present {
			// present is longest first, so ties keep the longer token
			if i := strings.Index(s, sp); i >= 0 && (at < 0 || i < at) {
				at, match = i, sp
			}
		}
		if at < 0 {
			break
		}
		if at > 0 {
			out = append(out, fragment{value: s[:at]})
		}
		out = append(out, fragment{value: match, ids: []int32{vocab.ID(match)}})
		s = s[at+len(match):]
	}
	if len(s) > 0 {
		out = append(out, fragment{value: s})
	}
	return out
}
