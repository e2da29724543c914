package grammar

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/constrain/regex"
)

// Unbounded is the max argument of Repeat for an unlimited repetition.
const Unbounded = -1

type repeatKey struct {
	sym      SymIdx
	min, max int
}

// Builder assembles a Grammar from combinators. Identical constructs are
// shared, so calling Optional(x) twice returns the same symbol.
type Builder struct {
	G   *Grammar
	Lex *LexerSpec

	ignore   regex.ExprRef
	empty    SymIdx
	literals map[string]SymIdx
	lexemes  map[LexemeIdx]SymIdx
	joins    map[string]SymIdx
	selects  map[string]SymIdx
	repeats  map[repeatKey]SymIdx
	pending  map[SymIdx]bool
}

// NewBuilder creates a builder whose grammar has its start symbol in place.
func NewBuilder(name string, lex *LexerSpec) *Builder {
	b := &Builder{
		G:        NewGrammar(name, lex),
		Lex:      lex,
		ignore:   regex.NoMatch,
		empty:    -1,
		literals: make(map[string]SymIdx),
		lexemes:  make(map[LexemeIdx]SymIdx),
		joins:    make(map[string]SymIdx),
		selects:  make(map[string]SymIdx),
		repeats:  make(map[repeatKey]SymIdx),
		pending:  make(map[SymIdx]bool),
	}
	b.G.FreshSymbol(name)
	return b
}

// SetIgnore sets the pattern allowed before every lexeme created afterwards
// and at the end of the input.
func (b *Builder) SetIgnore(rx regex.ExprRef) {
	b.ignore = rx
}

func (b *Builder) Exprs() *regex.ExprSet {
	return b.Lex.Exprs
}

func (b *Builder) withIgnore(rx regex.ExprRef) regex.ExprRef {
	if b.ignore == regex.NoMatch {
		return rx
	}
	return b.Lex.Exprs.Concat(b.Lex.Exprs.Repeat(b.ignore, 0, regex.Inf), rx)
}

func (b *Builder) Empty() SymIdx {
	if b.empty < 0 {
		b.empty = b.G.FreshSymbol("empty")
		b.must(b.G.AddRule(b.empty))
	}
	return b.empty
}

// Literal returns a terminal matching s exactly.
func (b *Builder) Literal(s string) SymIdx {
	if s == "" {
		return b.Empty()
	}
	if sym, ok := b.literals[s]; ok {
		return sym
	}
	sym, err := b.Lexeme(strconv.Quote(s), b.Lex.Exprs.Literal(s), LexemeOptions{})
	b.must(err)
	b.literals[s] = sym
	return sym
}

// Lexeme returns a terminal for rx. Lexemes matching the empty string are
// wrapped so the terminal itself never does.
func (b *Builder) Lexeme(name string, rx regex.ExprRef, opts LexemeOptions) (SymIdx, error) {
	idx, err := b.Lex.AddLexeme(name, b.withIgnore(rx), opts)
	if err != nil {
		return 0, err
	}
	if sym, ok := b.lexemes[idx]; ok {
		return sym, nil
	}
	sym := b.G.FreshSymbol(name)
	if err := b.G.MakeTerminal(sym, idx); err != nil {
		return 0, err
	}
	b.G.Symbol(sym).Props.MaxTokens = opts.MaxTokens
	b.G.Symbol(sym).Props.Temperature = opts.Temperature
	b.lexemes[idx] = sym
	return sym, nil
}

// Terminal is like Lexeme but always returns a fresh symbol, so props such
// as capture names stay with this use of the lexeme.
func (b *Builder) Terminal(name string, rx regex.ExprRef, props SymbolProps, opts LexemeOptions) (SymIdx, error) {
	idx, err := b.Lex.AddLexeme(name, b.withIgnore(rx), opts)
	if err != nil {
		return 0, err
	}
	sym := b.G.FreshSymbol(name)
	if err := b.G.MakeTerminal(sym, idx); err != nil {
		return 0, err
	}
	props.MaxTokens = opts.MaxTokens
	props.Temperature = opts.Temperature
	b.G.Symbol(sym).Props = props
	return sym, nil
}

// Regex returns a terminal for a regular expression in Go syntax.
func (b *Builder) Regex(pattern string) (SymIdx, error) {
	rx, err := b.Lex.Exprs.Parse(pattern, regex.ParseOptions{})
	if err != nil {
		return 0, err
	}
	return b.Lexeme("/"+pattern+"/", rx, LexemeOptions{})
}

func (b *Builder) key(syms []SymIdx) string {
	var sb strings.Builder
	for _, s := range syms {
		sb.WriteString(strconv.Itoa(int(s)))
		sb.WriteByte(',')
	}
	return sb.String()
}

// Join returns a symbol deriving the concatenation of syms.
func (b *Builder) Join(syms ...SymIdx) SymIdx {
	switch len(syms) {
	case 0:
		return b.Empty()
	case 1:
		return syms[0]
	}
	k := b.key(syms)
	if sym, ok := b.joins[k]; ok {
		return sym
	}
	sym := b.G.FreshSymbol("join")
	b.must(b.G.AddRule(sym, syms...))
	b.joins[k] = sym
	return sym
}

// Select returns a symbol deriving any one of syms.
func (b *Builder) Select(syms ...SymIdx) SymIdx {
	if len(syms) == 1 {
		return syms[0]
	}
	k := b.key(syms)
	if sym, ok := b.selects[k]; ok {
		return sym
	}
	sym := b.G.FreshSymbol("select")
	for _, s := range syms {
		b.must(b.G.AddRule(sym, s))
	}
	b.selects[k] = sym
	return sym
}

// NamedRule creates a fresh named symbol with the given alternatives.
func (b *Builder) NamedRule(name string, alts ...[]SymIdx) SymIdx {
	sym := b.G.FreshSymbol(name)
	for _, alt := range alts {
		b.must(b.G.AddRule(sym, alt...))
	}
	return sym
}

func (b *Builder) Optional(s SymIdx) SymIdx {
	return b.Repeat(s, 0, 1)
}

func (b *Builder) ZeroOrMore(s SymIdx) SymIdx {
	return b.Repeat(s, 0, Unbounded)
}

func (b *Builder) OneOrMore(s SymIdx) SymIdx {
	return b.Repeat(s, 1, Unbounded)
}

// Repeat derives between min and max copies of s; max may be Unbounded.
// Unbounded repetitions are left-recursive.
func (b *Builder) Repeat(s SymIdx, min, max int) SymIdx {
	if max != Unbounded && max < min {
		panic(fmt.Sprintf("grammar: repeat {%d,%d}", min, max))
	}
	if min == 1 && max == 1 {
		return s
	}
	if max == 0 {
		return b.Empty()
	}
	k := repeatKey{s, min, max}
	if sym, ok := b.repeats[k]; ok {
		return sym
	}

	base := b.G.Symbol(s).Name
	var sym SymIdx
	switch {
	case min == 0 && max == Unbounded:
		sym = b.G.FreshSymbol(base + "_zero_or_more")
		b.must(b.G.AddRule(sym))
		b.must(b.G.AddRule(sym, sym, s))
	case min == 1 && max == Unbounded:
		sym = b.G.FreshSymbol(base + "_one_or_more")
		b.must(b.G.AddRule(sym, s))
		b.must(b.G.AddRule(sym, sym, s))
	case min == 0 && max == 1:
		sym = b.G.FreshSymbol(base + "_optional")
		b.must(b.G.AddRule(sym))
		b.must(b.G.AddRule(sym, s))
	case max == Unbounded:
		sym = b.G.FreshSymbol(fmt.Sprintf("%s_repeat_%d_", base, min))
		b.must(b.G.AddRule(sym, b.Repeat(s, min-1, min-1), b.OneOrMore(s)))
	default:
		// s{min} followed by nested optionals: (s (s ...)?)?
		tail := SymIdx(-1)
		for range max - min {
			if tail < 0 {
				tail = b.Optional(s)
			} else {
				tail = b.Optional(b.Join(s, tail))
			}
		}
		sym = b.G.FreshSymbol(fmt.Sprintf("%s_repeat_%d_%d", base, min, max))
		rhs := make([]SymIdx, 0, min+1)
		for range min {
			rhs = append(rhs, s)
		}
		if tail >= 0 {
			rhs = append(rhs, tail)
		}
		b.must(b.G.AddRule(sym, rhs...))
	}
	b.repeats[k] = sym
	return sym
}

// Placeholder creates a symbol to be defined later with Define, allowing
// recursive definitions.
func (b *Builder) Placeholder(name string) SymIdx {
	sym := b.G.FreshSymbol(name)
	b.pending[sym] = true
	return sym
}

func (b *Builder) Define(placeholder SymIdx, body SymIdx) error {
	if !b.pending[placeholder] {
		return fmt.Errorf("%w: %s", ErrAlreadyDefined, b.G.Symbol(placeholder).Name)
	}
	delete(b.pending, placeholder)
	return b.G.AddRule(placeholder, body)
}

// Nested returns a symbol standing for the named grammar.
func (b *Builder) Nested(name string, props SymbolProps) SymIdx {
	sym := b.G.FreshSymbol("@" + name)
	b.must(b.G.LinkGrammar(sym, name))
	b.G.Symbol(sym).Props = props
	return sym
}

// Finalize makes root the body of the start symbol, followed by optional
// trailing ignored text.
func (b *Builder) Finalize(root SymIdx) (*Grammar, error) {
	for sym := range b.pending {
		return nil, fmt.Errorf("%w: %s", ErrUndefined, b.G.Symbol(sym).Name)
	}
	rhs := []SymIdx{root}
	if b.ignore != regex.NoMatch {
		ex := b.Lex.Exprs
		trailing, err := b.Lex.AddLexeme("ignore", ex.Repeat(b.ignore, 1, regex.Inf), LexemeOptions{})
		if err != nil {
			return nil, err
		}
		sym := b.G.FreshSymbol("ignore")
		if err := b.G.MakeTerminal(sym, trailing); err != nil {
			return nil, err
		}
		rhs = append(rhs, b.Optional(sym))
	}
	if err := b.G.AddRule(b.G.Start(), rhs...); err != nil {
		return nil, err
	}
	if err := b.G.Validate(); err != nil {
		return nil, err
	}
	return b.G, nil
}

// must panics on errors that indicate a bug in the builder itself.
func (b *Builder) must(err error) {
	if err != nil {
		panic(err)
	}
}
