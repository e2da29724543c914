package grammar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/constrain/regex"
)

const maxLexemes = 1 << 15

var ErrTooManyLexemes = errors.New("too many lexemes")

// LexemeOptions configure a lexeme beyond its regular expression.
type LexemeOptions struct {
	// Lazy lexemes end at the first position where they match.
	Lazy bool
	// Stops are literal strings that end a lazy lexeme. They are matched but
	// hidden from the output, which the parser handles by backtracking.
	Stops []string
	// KeepStops leaves the stop strings in the output.
	KeepStops bool
	// MaxTokens bounds the number of tokens the lexeme may span.
	MaxTokens   int
	Temperature float32
}

type LexemeSpec struct {
	Idx  LexemeIdx
	Name string
	// Rx is the full expression the lexer runs, including the ignore prefix
	// and any stop strings.
	Rx regex.ExprRef
	// Body excludes stop strings. It equals Rx when there are none.
	Body regex.ExprRef
	LexemeOptions
}

func (l *LexemeSpec) HasHiddenStop() bool {
	return len(l.Stops) > 0 && !l.KeepStops
}

// LexerSpec is the set of lexemes shared by a top-level grammar and every
// grammar nested in it.
type LexerSpec struct {
	Exprs   *regex.ExprSet
	Lexemes []LexemeSpec

	index map[string]LexemeIdx
}

func NewLexerSpec(exprs *regex.ExprSet) *LexerSpec {
	if exprs == nil {
		exprs = regex.NewExprSet()
	}
	return &LexerSpec{Exprs: exprs, index: make(map[string]LexemeIdx)}
}

func (l *LexerSpec) Len() int {
	return len(l.Lexemes)
}

func (l *LexerSpec) Lexeme(idx LexemeIdx) *LexemeSpec {
	return &l.Lexemes[idx]
}

// AddLexeme registers a lexeme, returning the existing index when an
// identical lexeme was registered before.
func (l *LexerSpec) AddLexeme(name string, body regex.ExprRef, opts LexemeOptions) (LexemeIdx, error) {
	rx := body
	if len(opts.Stops) > 0 {
		stops := make([]regex.ExprRef, len(opts.Stops))
		for i, s := range opts.Stops {
			if s == "" {
				return NoLexeme, fmt.Errorf("lexeme %s: empty stop string", name)
			}
			stops[i] = l.Exprs.Literal(s)
		}
		opts.Lazy = true
		rx = l.Exprs.Concat(body, l.Exprs.Or(stops...))
	}

	key := l.key(rx, body, opts)
	if idx, ok := l.index[key]; ok {
		return idx, nil
	}
	if len(l.Lexemes) >= maxLexemes {
		return NoLexeme, fmt.Errorf("%w: more than %d", ErrTooManyLexemes, maxLexemes)
	}

	idx := LexemeIdx(len(l.Lexemes))
	l.Lexemes = append(l.Lexemes, LexemeSpec{
		Idx:           idx,
		Name:          name,
		Rx:            rx,
		Body:          body,
		LexemeOptions: opts,
	})
	l.index[key] = idx
	return idx, nil
}

func (l *LexerSpec) key(rx, body regex.ExprRef, opts LexemeOptions) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d/%d/%t/%t/%d/%g", rx, body, opts.Lazy, opts.KeepStops, opts.MaxTokens, opts.Temperature)
	for _, s := range opts.Stops {
		sb.WriteByte('/')
		sb.WriteString(strconv.Quote(s))
	}
	return sb.String()
}

func (l *LexerSpec) Nullable(idx LexemeIdx) bool {
	return l.Exprs.Nullable(l.Lexemes[idx].Rx)
}

// Describe renders a lexeme for grammar dumps.
func (l *LexerSpec) Describe(idx LexemeIdx) string {
	if idx < 0 || int(idx) >= len(l.Lexemes) {
		return "lexeme#" + strconv.Itoa(int(idx))
	}
	lx := &l.Lexemes[idx]
	var sb strings.Builder
	sb.WriteString("/")
	sb.WriteString(l.Exprs.String(lx.Body))
	sb.WriteString("/")
	if lx.Lazy {
		sb.WriteString(" lazy")
	}
	for _, s := range lx.Stops {
		if lx.KeepStops {
			sb.WriteString(" suffix=" + strconv.Quote(s))
		} else {
			sb.WriteString(" stop=" + strconv.Quote(s))
		}
	}
	if lx.MaxTokens > 0 {
		sb.WriteString(" max_tokens=" + strconv.Itoa(lx.MaxTokens))
	}
	return sb.String()
}
