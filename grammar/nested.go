package grammar

import "fmt"

type resolver struct {
	top    *Grammar
	lookup map[string]*Grammar
	starts map[string]SymIdx
	temps  map[string]float32
	ids    map[string]int
}

// ResolveNested replaces every reference to another grammar, transitively,
// with an inlined copy of that grammar. All grammars must share top's
// LexerSpec. Each referenced grammar is copied once; its terminals take the
// temperature of the reference, and two references with different
// temperatures are an error.
func ResolveNested(top *Grammar, lookup map[string]*Grammar) error {
	r := &resolver{
		top:    top,
		lookup: lookup,
		starts: map[string]SymIdx{top.Name: top.Start()},
		temps:  make(map[string]float32),
		ids:    map[string]int{top.Name: 0},
	}
	for i := 0; i < len(top.symbols); i++ {
		sym := top.symbols[i]
		if sym.Nested == "" {
			continue
		}
		start, err := r.inline(sym.Nested, sym.Props.Temperature)
		if err != nil {
			return fmt.Errorf("%s: %w", sym.Name, err)
		}
		sym.Nested = ""
		sym.Props.Temperature = 0
		sym.Rules = []Rule{{LHS: sym.Idx, RHS: []SymIdx{start}}}
	}
	return nil
}

func (r *resolver) inline(name string, temp float32) (SymIdx, error) {
	if prev, ok := r.temps[name]; ok && prev != temp {
		return 0, fmt.Errorf("%w %s: %g and %g", ErrTemperature, name, prev, temp)
	}
	r.temps[name] = temp
	if start, ok := r.starts[name]; ok {
		return start, nil
	}

	h, ok := r.lookup[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownGrammar, name)
	}
	if h.lex != r.top.lex {
		return 0, fmt.Errorf("grammar %s does not share the lexer of %s", name, r.top.Name)
	}

	id := len(r.ids)
	r.ids[name] = id
	base := SymIdx(len(r.top.symbols))
	r.starts[name] = base
	for _, hs := range h.symbols {
		idx := r.top.FreshSymbol(name + "::" + hs.Name)
		ns := r.top.symbols[idx]
		ns.Lexeme = hs.Lexeme
		ns.Nested = hs.Nested
		ns.Props = hs.Props
		ns.Props.GrammarID = id
		if hs.IsTerminal() && temp != 0 && ns.Props.Temperature == 0 {
			ns.Props.Temperature = temp
		}
		for _, rule := range hs.Rules {
			rhs := make([]SymIdx, len(rule.RHS))
			for i, e := range rule.RHS {
				rhs[i] = base + e
			}
			ns.Rules = append(ns.Rules, Rule{LHS: idx, RHS: rhs})
		}
	}
	return base, nil
}
