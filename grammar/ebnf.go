package grammar

import (
	"fmt"
	"io"

	"golang.org/x/exp/ebnf"
)

type ebnfCompiler struct {
	grammar ebnf.Grammar
	b       *Builder
	prods   map[string]SymIdx
}

// FromEBNF compiles a grammar written in the EBNF dialect of
// golang.org/x/exp/ebnf. Every production becomes a rule; tokens and
// character ranges become lexemes.
func FromEBNF(name string, src io.Reader, start string, lex *LexerSpec) (*Grammar, error) {
	g, err := ebnf.Parse(name, src)
	if err != nil {
		return nil, fmt.Errorf("parse grammar: %w", err)
	}
	if err := ebnf.Verify(g, start); err != nil {
		return nil, fmt.Errorf("verify grammar: %w", err)
	}

	c := &ebnfCompiler{
		grammar: g,
		b:       NewBuilder(name, lex),
		prods:   make(map[string]SymIdx),
	}
	root, err := c.production(start)
	if err != nil {
		return nil, err
	}
	return c.b.Finalize(root)
}

func (c *ebnfCompiler) production(name string) (SymIdx, error) {
	if sym, ok := c.prods[name]; ok {
		return sym, nil
	}
	prod, ok := c.grammar[name]
	if !ok {
		return 0, fmt.Errorf("undefined production: %s", name)
	}
	sym := c.b.Placeholder(name)
	c.prods[name] = sym
	body, err := c.expr(prod.Expr)
	if err != nil {
		return 0, fmt.Errorf("compile production %q: %w", name, err)
	}
	if err := c.b.Define(sym, body); err != nil {
		return 0, err
	}
	return sym, nil
}

func (c *ebnfCompiler) expr(expr ebnf.Expression) (SymIdx, error) {
	switch e := expr.(type) {
	case nil:
		return c.b.Empty(), nil
	case *ebnf.Name:
		return c.production(e.String)
	case *ebnf.Token:
		return c.b.Literal(e.String), nil
	case ebnf.Sequence:
		return c.list(e, c.b.Join)
	case ebnf.Alternative:
		return c.list(e, c.b.Select)
	case *ebnf.Option:
		body, err := c.expr(e.Body)
		if err != nil {
			return 0, err
		}
		return c.b.Optional(body), nil
	case *ebnf.Repetition:
		body, err := c.expr(e.Body)
		if err != nil {
			return 0, err
		}
		return c.b.ZeroOrMore(body), nil
	case *ebnf.Group:
		return c.expr(e.Body)
	case *ebnf.Range:
		return c.charRange(e)
	default:
		return 0, fmt.Errorf("unsupported expression type: %T", expr)
	}
}

func (c *ebnfCompiler) list(exprs []ebnf.Expression, combine func(...SymIdx) SymIdx) (SymIdx, error) {
	syms := make([]SymIdx, len(exprs))
	for i, e := range exprs {
		sym, err := c.expr(e)
		if err != nil {
			return 0, err
		}
		syms[i] = sym
	}
	return combine(syms...), nil
}

func (c *ebnfCompiler) charRange(r *ebnf.Range) (SymIdx, error) {
	begin, end := []rune(r.Begin.String), []rune(r.End.String)
	if len(begin) != 1 || len(end) != 1 {
		return 0, fmt.Errorf("range bounds must be single characters: %q…%q", r.Begin.String, r.End.String)
	}
	if begin[0] > end[0] {
		return 0, fmt.Errorf("empty range: %q…%q", r.Begin.String, r.End.String)
	}
	pattern := fmt.Sprintf(`[\x{%x}-\x{%x}]`, begin[0], end[0])
	return c.b.Regex(pattern)
}
