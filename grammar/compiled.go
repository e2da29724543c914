package grammar

import (
	"fmt"
	"math"
	"strings"
)

// CSymIdx indexes symbols of a compiled grammar. Index 0 is the null
// sentinel ending every rule; terminals come next, then the start symbol
// and the remaining nonterminals.
type CSymIdx uint16

const CSymNull CSymIdx = 0

// RuleShift is the log2 of the alignment of rules in the rhs array, so that
// per-rule data can be indexed by ptr >> RuleShift.
const RuleShift = 2

// RhsPtr points into the rhs array. A dotted rule is a pointer to the symbol
// after the dot; it is complete when that symbol is CSymNull.
type RhsPtr uint32

type CSymFlags uint8

const (
	FlagTerminal CSymFlags = 1 << iota
	FlagNullable
	FlagCapture
	FlagStopCapture
)

type CSymbol struct {
	Idx    CSymIdx
	Name   string
	Lexeme LexemeIdx
	Rules  []RhsPtr
	Props  SymbolProps
	Flags  CSymFlags
}

func (s *CSymbol) IsTerminal() bool { return s.Flags&FlagTerminal != 0 }

func (s *CSymbol) Nullable() bool { return s.Flags&FlagNullable != 0 }

// CGrammar is the immutable array form of a grammar. It is safe for
// concurrent use.
type CGrammar struct {
	symbols   []CSymbol
	rhs       []CSymIdx
	ruleLHS   []CSymIdx
	start     CSymIdx
	terminals int
	byLexeme  [][]CSymIdx
	lex       *LexerSpec
}

// Compile flattens g. Nested grammar references must have been resolved.
func Compile(g *Grammar) (*CGrammar, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.symbols[g.Start()].IsTerminal() {
		return nil, fmt.Errorf("start symbol %s must not be a terminal", g.symbols[g.Start()].Name)
	}
	if len(g.symbols)+1 > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d symbols", ErrGrammarTooLarge, len(g.symbols))
	}

	mapping := make([]CSymIdx, len(g.symbols))
	cg := &CGrammar{
		symbols: []CSymbol{{Idx: CSymNull, Name: "NULL", Lexeme: NoLexeme}},
		lex:     g.lex,
	}
	add := func(sym *Symbol) {
		idx := CSymIdx(len(cg.symbols))
		mapping[sym.Idx] = idx
		cs := CSymbol{Idx: idx, Name: sym.Name, Lexeme: sym.Lexeme, Props: sym.Props}
		if sym.IsTerminal() {
			cs.Flags |= FlagTerminal
		}
		if sym.Props.CaptureName != "" {
			cs.Flags |= FlagCapture
		}
		if sym.Props.StopCaptureName != "" {
			cs.Flags |= FlagStopCapture
		}
		cg.symbols = append(cg.symbols, cs)
	}
	for _, sym := range g.symbols {
		if sym.Nested != "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGrammar, sym.Nested)
		}
		if sym.IsTerminal() {
			add(sym)
		}
	}
	cg.terminals = len(cg.symbols) - 1
	cg.start = CSymIdx(len(cg.symbols))
	add(g.symbols[g.Start()])
	for _, sym := range g.symbols[1:] {
		if !sym.IsTerminal() {
			add(sym)
		}
	}

	if g.lex != nil {
		cg.byLexeme = make([][]CSymIdx, g.lex.Len())
	}
	for i := range cg.symbols[1 : cg.terminals+1] {
		cs := &cg.symbols[i+1]
		if cg.byLexeme != nil {
			cg.byLexeme[cs.Lexeme] = append(cg.byLexeme[cs.Lexeme], cs.Idx)
		}
	}

	// a padding block so that no rule starts at pointer 0
	cg.rhs = append(cg.rhs, CSymNull)
	cg.pad(CSymNull)
	for _, sym := range g.symbols {
		cs := &cg.symbols[mapping[sym.Idx]]
		for _, r := range sym.Rules {
			if len(r.RHS) == 0 {
				// no array entry; the recognizer skips nullable symbols
				cs.Flags |= FlagNullable
				continue
			}
			ptr := RhsPtr(len(cg.rhs))
			for _, e := range r.RHS {
				cg.rhs = append(cg.rhs, mapping[e])
			}
			cg.rhs = append(cg.rhs, CSymNull)
			cg.pad(cs.Idx)
			cs.Rules = append(cs.Rules, ptr)
		}
	}
	if uint64(len(cg.rhs)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d rhs entries", ErrGrammarTooLarge, len(cg.rhs))
	}

	cg.computeNullable()
	return cg, nil
}

// pad aligns the rhs array to the next rule boundary, recording lhs for
// every block added since the last call.
func (cg *CGrammar) pad(lhs CSymIdx) {
	for len(cg.rhs)%(1<<RuleShift) != 0 {
		cg.rhs = append(cg.rhs, CSymNull)
	}
	for len(cg.ruleLHS) < len(cg.rhs)>>RuleShift {
		cg.ruleLHS = append(cg.ruleLHS, lhs)
	}
}

func (cg *CGrammar) computeNullable() {
	for changed := true; changed; {
		changed = false
		for i := range cg.symbols {
			cs := &cg.symbols[i]
			if cs.Nullable() || cs.IsTerminal() || cs.Idx == CSymNull {
				continue
			}
			for _, ptr := range cs.Rules {
				if cg.nullableFrom(ptr) {
					cs.Flags |= FlagNullable
					changed = true
					break
				}
			}
		}
	}
}

func (cg *CGrammar) nullableFrom(ptr RhsPtr) bool {
	for ; cg.rhs[ptr] != CSymNull; ptr++ {
		if !cg.symbols[cg.rhs[ptr]].Nullable() {
			return false
		}
	}
	return true
}

func (cg *CGrammar) Start() CSymIdx { return cg.start }

func (cg *CGrammar) NumSymbols() int { return len(cg.symbols) }

func (cg *CGrammar) NumTerminals() int { return cg.terminals }

func (cg *CGrammar) Symbol(idx CSymIdx) *CSymbol { return &cg.symbols[idx] }

func (cg *CGrammar) Lexer() *LexerSpec { return cg.lex }

// SymAt returns the symbol after the dot, or CSymNull for a complete rule.
func (cg *CGrammar) SymAt(ptr RhsPtr) CSymIdx { return cg.rhs[ptr] }

// RuleLHS returns the left-hand side of the rule containing ptr.
func (cg *CGrammar) RuleLHS(ptr RhsPtr) CSymIdx { return cg.ruleLHS[ptr>>RuleShift] }

// RuleStart returns the pointer to the first symbol of the rule containing
// ptr.
func (cg *CGrammar) RuleStart(ptr RhsPtr) RhsPtr {
	for ptr > 0 && cg.rhs[ptr-1] != CSymNull {
		ptr--
	}
	return ptr
}

// TerminalsFor returns the terminals bound to a lexeme.
func (cg *CGrammar) TerminalsFor(lex LexemeIdx) []CSymIdx {
	if int(lex) >= len(cg.byLexeme) {
		return nil
	}
	return cg.byLexeme[lex]
}

// RHS exposes the raw rhs array.
func (cg *CGrammar) RHS() []CSymIdx { return cg.rhs }

func (cg *CGrammar) RuleString(ptr RhsPtr) string {
	var sb strings.Builder
	start := cg.RuleStart(ptr)
	sb.WriteString(cg.symbols[cg.RuleLHS(ptr)].Name)
	sb.WriteString(" ::=")
	for p := start; ; p++ {
		if p == ptr {
			sb.WriteString(" •")
		}
		s := cg.rhs[p]
		if s == CSymNull {
			break
		}
		sb.WriteByte(' ')
		sb.WriteString(cg.symbols[s].Name)
	}
	return sb.String()
}

func (cg *CGrammar) String() string {
	var sb strings.Builder
	for _, cs := range cg.symbols[1:] {
		for _, ptr := range cs.Rules {
			sb.WriteString(cg.RuleString(ptr))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
