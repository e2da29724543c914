package grammar

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestBuilder() *Builder {
	return NewBuilder("start", NewLexerSpec(nil))
}

func TestRepeatUsesLeftRecursion(t *testing.T) {
	b := newTestBuilder()
	ab := b.Select(b.Literal("a"), b.Literal("b"))
	g, err := b.Finalize(b.OneOrMore(ab))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	out := g.Optimize().String()
	for _, want := range []string{
		"start: select+\n",
		"select+: select | select+ select\n",
		`select: "a" | "b"` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestBuilderSharesConstructs(t *testing.T) {
	b := newTestBuilder()
	a := b.Literal("a")
	if b.Literal("a") != a {
		t.Error("literal not shared")
	}
	if b.Optional(a) != b.Optional(a) {
		t.Error("optional not shared")
	}
	if b.Join(a) != a {
		t.Error("single element join should be the element")
	}
	if b.Repeat(a, 1, 1) != a {
		t.Error("repeat {1,1} should be the element")
	}
}

func TestBoundedRepeat(t *testing.T) {
	b := newTestBuilder()
	x := b.Literal("x")
	g, err := b.Finalize(b.Repeat(x, 2, 4))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	out := g.Optimize().String()
	for _, want := range []string{
		`start: "x" "x" join?` + "\n",
		`join?: ε | "x" "x"?` + "\n",
		`"x"?: ε | "x"` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestExpandShortcuts(t *testing.T) {
	b := newTestBuilder()
	a, c := b.Literal("a"), b.Literal("c")
	x := b.NamedRule("x", []SymIdx{a})
	y := b.NamedRule("y", []SymIdx{x})
	pair := b.NamedRule("pair", []SymIdx{y, c})
	list := b.NamedRule("list", []SymIdx{pair, a}, []SymIdx{c})
	g, err := b.Finalize(list)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	opt := g.Optimize()
	want := strings.Join([]string{
		`start: list`,
		`list: "a" "c" "a" | "c"`,
	}, "\n")
	got := strings.Join(strings.Split(opt.String(), "\n")[:2], "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if opt.NumSymbols() != 4 {
		t.Errorf("expected 4 symbols, got %d:\n%s", opt.NumSymbols(), opt)
	}
}

func TestExpandShortcutsKeepsProps(t *testing.T) {
	b := newTestBuilder()
	a := b.Literal("a")
	captured := b.NamedRule("captured", []SymIdx{a})
	b.G.Symbol(captured).Props.CaptureName = "cap"
	g, err := b.Finalize(captured)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	opt := g.Optimize()
	sym, ok := opt.Lookup("captured")
	if !ok {
		t.Fatalf("captured symbol was removed:\n%s", opt)
	}
	if opt.Symbol(sym).Props.CaptureName != "cap" {
		t.Error("capture name lost")
	}
}

func TestOptimizeIsStable(t *testing.T) {
	b := newTestBuilder()
	num, err := b.Regex(`[0-9]+`)
	if err != nil {
		t.Fatal(err)
	}
	value := b.Placeholder("value")
	items := b.Join(value, b.ZeroOrMore(b.Join(b.Literal(","), value)))
	array := b.Join(b.Literal("["), b.Optional(items), b.Literal("]"))
	if err := b.Define(value, b.Select(num, array)); err != nil {
		t.Fatal(err)
	}
	g, err := b.Finalize(value)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	once := g.Optimize()
	twice := once.Optimize()
	if diff := cmp.Diff(once.String(), twice.String()); diff != "" {
		t.Errorf("optimize not stable (-once +twice):\n%s", diff)
	}
}

func TestUndefinedPlaceholder(t *testing.T) {
	b := newTestBuilder()
	p := b.Placeholder("p")
	if _, err := b.Finalize(p); !errors.Is(err, ErrUndefined) {
		t.Errorf("expected ErrUndefined, got %v", err)
	}
}

func TestNullableLexemeIsWrapped(t *testing.T) {
	b := newTestBuilder()
	digits, err := b.Regex(`[0-9]*`)
	if err != nil {
		t.Fatal(err)
	}
	sym := b.G.Symbol(digits)
	if sym.IsTerminal() || len(sym.Rules) != 2 {
		t.Fatalf("expected ε | terminal, got %s", b.G)
	}
}

func TestCompile(t *testing.T) {
	b := newTestBuilder()
	a, c := b.Literal("a"), b.Literal("c")
	root := b.Join(b.Optional(a), b.OneOrMore(c), b.Join(a, c, a, c, a))
	g, err := b.Finalize(root)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	cg, err := Compile(g.Optimize())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	rhs := cg.RHS()
	if rhs[0] != CSymNull {
		t.Error("rhs must start with a null block")
	}
	if len(rhs)%(1<<RuleShift) != 0 {
		t.Errorf("rhs length %d not aligned", len(rhs))
	}
	for i := 1; i <= cg.NumTerminals(); i++ {
		if !cg.Symbol(CSymIdx(i)).IsTerminal() {
			t.Errorf("symbol %d should be a terminal", i)
		}
	}
	for i := cg.NumTerminals() + 1; i < cg.NumSymbols(); i++ {
		sym := cg.Symbol(CSymIdx(i))
		for _, ptr := range sym.Rules {
			if ptr%(1<<RuleShift) != 0 {
				t.Errorf("rule %s is not aligned", cg.RuleString(ptr))
			}
			p := ptr
			for ; cg.SymAt(p) != CSymNull; p++ {
				if cg.RuleLHS(p) != sym.Idx {
					t.Errorf("rule %s: wrong lhs at %d", cg.RuleString(ptr), p)
				}
			}
			if cg.RuleLHS(p) != sym.Idx {
				t.Errorf("rule %s: wrong lhs at its end", cg.RuleString(ptr))
			}
			if cg.RuleStart(p) != ptr {
				t.Errorf("rule %s: RuleStart(%d) = %d", cg.RuleString(ptr), p, cg.RuleStart(p))
			}
		}
	}
	if cg.Symbol(cg.Start()).Nullable() {
		t.Error("start should not be nullable")
	}
	found := false
	for i := range cg.NumSymbols() {
		sym := cg.Symbol(CSymIdx(i))
		if sym.Name == `"a"?` {
			found = true
			if !sym.Nullable() {
				t.Error(`"a"? should be nullable`)
			}
		}
	}
	if !found {
		t.Errorf(`missing "a"? in\n%s`, cg)
	}
}

func TestResolveNested(t *testing.T) {
	lex := NewLexerSpec(nil)
	sub := NewBuilder("sub", lex)
	subG, err := sub.Finalize(sub.Literal("x"))
	if err != nil {
		t.Fatal(err)
	}

	top := NewBuilder("top", lex)
	ref := top.Nested("sub", SymbolProps{Temperature: 0.5})
	g, err := top.Finalize(top.Join(top.Literal("<"), ref, top.Literal(">")))
	if err != nil {
		t.Fatal(err)
	}
	if err := ResolveNested(g, map[string]*Grammar{"sub": subG}); err != nil {
		t.Fatalf("ResolveNested: %v", err)
	}
	idx, ok := g.Lookup(`sub::"x"`)
	if !ok {
		t.Fatalf("nested terminal not inlined:\n%s", g)
	}
	if props := g.Symbol(idx).Props; props.Temperature != 0.5 || props.GrammarID != 1 {
		t.Errorf("unexpected props %+v", props)
	}
	if _, err := Compile(g); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestResolveNestedErrors(t *testing.T) {
	lex := NewLexerSpec(nil)
	sub := NewBuilder("sub", lex)
	subG, err := sub.Finalize(sub.Literal("x"))
	if err != nil {
		t.Fatal(err)
	}

	top := NewBuilder("top", lex)
	hot := top.Nested("sub", SymbolProps{Temperature: 0.5})
	cold := top.Nested("sub", SymbolProps{Temperature: 0.7})
	g, err := top.Finalize(top.Join(hot, cold))
	if err != nil {
		t.Fatal(err)
	}
	if err := ResolveNested(g, map[string]*Grammar{"sub": subG}); !errors.Is(err, ErrTemperature) {
		t.Errorf("expected ErrTemperature, got %v", err)
	}

	top = NewBuilder("top", lex)
	g, err = top.Finalize(top.Nested("missing", SymbolProps{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := ResolveNested(g, nil); !errors.Is(err, ErrUnknownGrammar) {
		t.Errorf("expected ErrUnknownGrammar, got %v", err)
	}
}

func TestFromEBNF(t *testing.T) {
	src := `Expr = Term { "+" Term } .
Term = "x" | "0" … "9" | "(" Expr ")" .`

	g, err := FromEBNF("arith", strings.NewReader(src), "Expr", NewLexerSpec(nil))
	if err != nil {
		t.Fatalf("FromEBNF: %v", err)
	}
	if _, ok := g.Lookup("Term"); !ok {
		t.Errorf("missing Term:\n%s", g)
	}
	if _, err := Compile(g.Optimize()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = FromEBNF("bad", strings.NewReader(`S = T .`), "S", NewLexerSpec(nil))
	if err == nil {
		t.Error("expected an error for an undefined production")
	}
}
