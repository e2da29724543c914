// Package grammar holds the mutable context-free grammar model, the builder
// used by the front ends, the shortcut-expansion optimizer and the compiled
// array form consumed by the recognizer.
package grammar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type SymIdx int

type LexemeIdx int

const NoLexeme LexemeIdx = -1

var (
	ErrTerminalRule    = errors.New("cannot add rules to a terminal symbol")
	ErrAlreadyDefined  = errors.New("symbol already defined")
	ErrUndefined       = errors.New("symbol is not defined")
	ErrUnknownGrammar  = errors.New("unknown nested grammar")
	ErrTemperature     = errors.New("conflicting temperatures for nested grammar")
	ErrGrammarTooLarge = errors.New("grammar too large")
)

// SymbolProps are per-symbol generation properties. Symbols with
// non-default properties are never inlined by the optimizer.
type SymbolProps struct {
	// MaxTokens limits how many tokens a lexeme may span; 0 is unlimited.
	MaxTokens       int
	CaptureName     string
	StopCaptureName string
	// Temperature overrides the sampling temperature; 0 is the default.
	Temperature float32
	// GrammarID identifies the sub-grammar the symbol came from.
	GrammarID int
}

func (p SymbolProps) IsDefault() bool {
	return p.MaxTokens == 0 && p.CaptureName == "" && p.StopCaptureName == "" && p.Temperature == 0
}

type Rule struct {
	LHS SymIdx
	RHS []SymIdx
}

type Symbol struct {
	Idx    SymIdx
	Name   string
	Lexeme LexemeIdx
	// Nested names a grammar this symbol stands for until references are
	// resolved.
	Nested string
	Rules  []Rule
	Props  SymbolProps
}

func (s *Symbol) IsTerminal() bool {
	return s.Lexeme != NoLexeme
}

// Grammar is an arena of symbols addressed by SymIdx. Symbol 0 is the start
// symbol.
type Grammar struct {
	Name    string
	lex     *LexerSpec
	symbols []*Symbol
	byName  map[string]SymIdx
	names   map[string]int
}

func NewGrammar(name string, lex *LexerSpec) *Grammar {
	return &Grammar{
		Name:   name,
		lex:    lex,
		byName: make(map[string]SymIdx),
		names:  make(map[string]int),
	}
}

func (g *Grammar) Lexer() *LexerSpec {
	return g.lex
}

func (g *Grammar) Start() SymIdx {
	return 0
}

func (g *Grammar) NumSymbols() int {
	return len(g.symbols)
}

func (g *Grammar) Symbol(idx SymIdx) *Symbol {
	return g.symbols[idx]
}

// Lookup finds a symbol by its exact name.
func (g *Grammar) Lookup(name string) (SymIdx, bool) {
	idx, ok := g.byName[name]
	return idx, ok
}

// FreshSymbol creates a symbol, appending "#n" to name if it is taken.
func (g *Grammar) FreshSymbol(name string) SymIdx {
	if name == "" {
		name = "_"
	}
	unique := name
	for {
		if _, taken := g.byName[unique]; !taken {
			break
		}
		g.names[name]++
		unique = name + "#" + strconv.Itoa(g.names[name])
	}
	idx := SymIdx(len(g.symbols))
	g.symbols = append(g.symbols, &Symbol{Idx: idx, Name: unique, Lexeme: NoLexeme})
	g.byName[unique] = idx
	return idx
}

func (g *Grammar) AddRule(lhs SymIdx, rhs ...SymIdx) error {
	sym := g.symbols[lhs]
	if sym.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalRule, sym.Name)
	}
	if sym.Nested != "" {
		return fmt.Errorf("%w: %s is linked to grammar %s", ErrAlreadyDefined, sym.Name, sym.Nested)
	}
	sym.Rules = append(sym.Rules, Rule{LHS: lhs, RHS: append([]SymIdx(nil), rhs...)})
	return nil
}

// MakeTerminal binds sym to a lexeme. A lexeme that matches the empty string
// gets a fresh terminal holding it, with sym becoming "ε | terminal".
func (g *Grammar) MakeTerminal(lhs SymIdx, lexeme LexemeIdx) error {
	sym := g.symbols[lhs]
	if len(sym.Rules) > 0 || sym.IsTerminal() || sym.Nested != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyDefined, sym.Name)
	}
	if g.lex != nil && g.lex.Nullable(lexeme) {
		inner := g.FreshSymbol(sym.Name + "_nonempty")
		g.symbols[inner].Lexeme = lexeme
		sym.Rules = append(sym.Rules, Rule{LHS: lhs}, Rule{LHS: lhs, RHS: []SymIdx{inner}})
		return nil
	}
	sym.Lexeme = lexeme
	return nil
}

// LinkGrammar makes sym stand for the start symbol of the named grammar.
func (g *Grammar) LinkGrammar(lhs SymIdx, name string) error {
	sym := g.symbols[lhs]
	if len(sym.Rules) > 0 || sym.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyDefined, sym.Name)
	}
	sym.Nested = name
	return nil
}

// Validate checks that every symbol is defined.
func (g *Grammar) Validate() error {
	if len(g.symbols) == 0 {
		return fmt.Errorf("%w: grammar %s has no start symbol", ErrUndefined, g.Name)
	}
	for _, sym := range g.symbols {
		if len(sym.Rules) == 0 && !sym.IsTerminal() && sym.Nested == "" {
			return fmt.Errorf("%w: %s", ErrUndefined, sym.Name)
		}
	}
	return nil
}

type Stats struct {
	Symbols   int
	Terminals int
	Rules     int
	RHSLength int
}

func (g *Grammar) Stats() Stats {
	var s Stats
	for _, sym := range g.symbols {
		s.Symbols++
		if sym.IsTerminal() {
			s.Terminals++
		}
		s.Rules += len(sym.Rules)
		for _, r := range sym.Rules {
			s.RHSLength += len(r.RHS)
		}
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("%d symbols (%d terminals), %d rules, %d rhs symbols", s.Symbols, s.Terminals, s.Rules, s.RHSLength)
}

func (g *Grammar) String() string {
	var sb strings.Builder
	for _, sym := range g.symbols {
		sb.WriteString(sym.Name)
		if !sym.Props.IsDefault() {
			sb.WriteString(propsString(sym.Props))
		}
		sb.WriteString(": ")
		switch {
		case sym.IsTerminal():
			if g.lex != nil {
				sb.WriteString(g.lex.Describe(sym.Lexeme))
			} else {
				fmt.Fprintf(&sb, "lexeme#%d", sym.Lexeme)
			}
		case sym.Nested != "":
			sb.WriteString("@" + sym.Nested)
		default:
			for i, r := range sym.Rules {
				if i > 0 {
					sb.WriteString(" | ")
				}
				if len(r.RHS) == 0 {
					sb.WriteString("ε")
				}
				for j, e := range r.RHS {
					if j > 0 {
						sb.WriteByte(' ')
					}
					sb.WriteString(g.symbols[e].Name)
				}
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func propsString(p SymbolProps) string {
	var parts []string
	if p.CaptureName != "" {
		parts = append(parts, "capture="+strconv.Quote(p.CaptureName))
	}
	if p.StopCaptureName != "" {
		parts = append(parts, "stop_capture="+strconv.Quote(p.StopCaptureName))
	}
	if p.MaxTokens > 0 {
		parts = append(parts, "max_tokens="+strconv.Itoa(p.MaxTokens))
	}
	if p.Temperature != 0 {
		parts = append(parts, "temperature="+strconv.FormatFloat(float64(p.Temperature), 'g', -1, 32))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
