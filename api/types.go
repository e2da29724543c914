// Package api holds the types exchanged with callers of the constraint
// engine: grammar payloads, limits, capabilities and step results.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StopReason says why a constraint stopped accepting tokens.
type StopReason int

const (
	NotStopped StopReason = iota
	// EndOfSentence: the grammar accepted and the last token was EOS.
	EndOfSentence
	// NoExtension: the grammar accepted and cannot continue.
	NoExtension
	MaxTokensTotal
	InternalError
	// TooComplex: a parser or lexer limit was exceeded.
	TooComplex
)

var stopReasonNames = [...]string{
	NotStopped:     "NotStopped",
	EndOfSentence:  "EndOfSentence",
	NoExtension:    "NoExtension",
	MaxTokensTotal: "MaxTokensTotal",
	InternalError:  "InternalError",
	TooComplex:     "TooComplex",
}

func (r StopReason) String() string {
	if r < 0 || int(r) >= len(stopReasonNames) {
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
	return stopReasonNames[r]
}

// IsOK reports whether the reason is a clean stop.
func (r StopReason) IsOK() bool {
	return r == NotStopped || r == EndOfSentence || r == NoExtension || r == MaxTokensTotal
}

func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *StopReason) UnmarshalText(b []byte) error {
	for i, name := range stopReasonNames {
		if name == string(b) {
			*r = StopReason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stop reason %q", b)
}

// ParserLimits bound the work done while building and running a grammar.
type ParserLimits struct {
	// MaxItemsInRow caps the Earley items in a single row.
	MaxItemsInRow int `json:"max_items_in_row"`
	// StepMaxItems caps the items created during one mask computation.
	StepMaxItems int `json:"step_max_items"`
	// MaxLexerStates caps the states of the lexer automaton.
	MaxLexerStates int `json:"max_lexer_states"`
	// MaxGrammarSize caps the total size of grammar right-hand sides.
	MaxGrammarSize int `json:"max_grammar_size"`
}

func DefaultLimits() ParserLimits {
	return ParserLimits{
		MaxItemsInRow:  2000,
		StepMaxItems:   50_000,
		MaxLexerStates: 250_000,
		MaxGrammarSize: 500_000,
	}
}

// InferenceCapabilities describe what the calling inference loop supports.
type InferenceCapabilities struct {
	// Backtrack allows retracting already committed tokens.
	Backtrack bool `json:"backtrack"`
	// FFTokens allows appending several forced tokens at once.
	FFTokens bool `json:"ff_tokens"`
	// ConditionalFFTokens allows forced tokens that depend on the sampled one.
	ConditionalFFTokens bool `json:"conditional_ff_tokens"`
}

// GrammarWithLexer is one grammar of a TopLevelGrammar. Exactly one of the
// source fields is set.
type GrammarWithLexer struct {
	Name        string          `json:"name,omitempty"`
	LarkGrammar string          `json:"lark_grammar,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
	EBNF        string          `json:"ebnf,omitempty"`
	// Start names the start production for EBNF grammars.
	Start            string `json:"start,omitempty"`
	AllowInvalidUTF8 bool   `json:"allow_invalid_utf8,omitempty"`
}

func (g *GrammarWithLexer) Kind() string {
	switch {
	case g.LarkGrammar != "":
		return "lark"
	case len(g.JSONSchema) > 0:
		return "json_schema"
	case g.EBNF != "":
		return "ebnf"
	default:
		return ""
	}
}

// TopLevelGrammar is a list of grammars; the first is the entry point and
// the others can be referenced from Lark with @name.
type TopLevelGrammar struct {
	Grammars  []GrammarWithLexer `json:"grammars"`
	MaxTokens int                `json:"max_tokens,omitempty"`
}

func (g TopLevelGrammar) String() string {
	kinds := make([]string, len(g.Grammars))
	for i, gg := range g.Grammars {
		kinds[i] = gg.Kind()
		if gg.Name != "" {
			kinds[i] = gg.Name + ":" + kinds[i]
		}
	}
	return "TopLevelGrammar(" + strings.Join(kinds, ", ") + ")"
}

func FromLark(lark string) TopLevelGrammar {
	return TopLevelGrammar{Grammars: []GrammarWithLexer{{LarkGrammar: lark}}}
}

func FromJSONSchema(schema json.RawMessage) TopLevelGrammar {
	return TopLevelGrammar{Grammars: []GrammarWithLexer{{JSONSchema: schema}}}
}

// FromRegex wraps a regular expression as a single-rule Lark grammar.
func FromRegex(rx string) TopLevelGrammar {
	return FromLark("start: /" + strings.ReplaceAll(rx, "/", `\/`) + "/")
}

// ParseConstraintSpec builds a grammar from a constraint kind and its
// textual value, as supplied by callers.
func ParseConstraintSpec(kind, value string) (TopLevelGrammar, error) {
	switch kind {
	case "regex":
		return FromRegex(value), nil
	case "json", "json_schema":
		if !json.Valid([]byte(value)) {
			return TopLevelGrammar{}, fmt.Errorf("%w: json_schema is not valid JSON", ErrInvalidGrammar)
		}
		return FromJSONSchema(json.RawMessage(value)), nil
	case "json_object":
		return FromJSONSchema(json.RawMessage(`{"type":"object","additionalProperties":true}`)), nil
	case "lark":
		return FromLark(value), nil
	case "ebnf":
		return TopLevelGrammar{Grammars: []GrammarWithLexer{{EBNF: value}}}, nil
	case "llguidance", "guidance":
		var g TopLevelGrammar
		if err := json.Unmarshal([]byte(value), &g); err != nil {
			return TopLevelGrammar{}, fmt.Errorf("%w: %v", ErrInvalidGrammar, err)
		}
		if len(g.Grammars) == 0 {
			return TopLevelGrammar{}, fmt.Errorf("%w: no grammars", ErrInvalidGrammar)
		}
		return g, nil
	default:
		return TopLevelGrammar{}, fmt.Errorf("%w: unknown constraint kind %q", ErrInvalidGrammar, kind)
	}
}

// CommitResult is the outcome of committing a sampled token.
type CommitResult struct {
	Stop bool `json:"stop"`
	// Backtrack is the number of committed tokens the caller must remove
	// before appending FFTokens.
	Backtrack int      `json:"backtrack"`
	FFTokens  []uint32 `json:"ff_tokens"`
}

// MaskResult is the outcome of a mask computation.
type MaskResult struct {
	// Mask has one bit per vocabulary token; nil when stopping.
	Mask        []uint32 `json:"-"`
	Temperature float32  `json:"temperature"`
	IsStop      bool     `json:"is_stop"`
}
