package grammar

import (
	"fmt"
	"regexp"
	"strings"
)

// unionFind links symbols to the symbol that replaces them.
type unionFind struct {
	parent []SymIdx
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]SymIdx, n)}
	for i := range u.parent {
		u.parent[i] = SymIdx(i)
	}
	return u
}

func (u *unionFind) find(x SymIdx) SymIdx {
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		u.parent[x], x = root, u.parent[x]
	}
	return root
}

// link makes a resolve to whatever b resolves to, unless that would close a
// cycle.
func (u *unionFind) link(a, b SymIdx) bool {
	rb := u.find(b)
	if rb == a || u.find(a) != a {
		return false
	}
	u.parent[a] = rb
	return true
}

func (g *Grammar) isSpecial(sym *Symbol) bool {
	return sym.Idx == g.Start() || sym.IsTerminal() || sym.Nested != "" || !sym.Props.IsDefault()
}

// ExpandShortcuts returns an equivalent grammar in which symbols with a
// single one-symbol rule are replaced by that symbol, single-rule symbols
// used exactly once are inlined at their use, and unreachable symbols are
// dropped. Symbols with properties are kept.
func (g *Grammar) ExpandShortcuts() *Grammar {
	uf := newUnionFind(len(g.symbols))
	for _, sym := range g.symbols {
		if g.isSpecial(sym) || len(sym.Rules) != 1 || len(sym.Rules[0].RHS) != 1 {
			continue
		}
		uf.link(sym.Idx, sym.Rules[0].RHS[0])
	}

	live := func(s SymIdx) bool { return uf.find(s) == s }
	uses := make([]int, len(g.symbols))
	for _, sym := range g.symbols {
		if !live(sym.Idx) {
			continue
		}
		for _, r := range sym.Rules {
			for _, e := range r.RHS {
				uses[uf.find(e)]++
			}
		}
	}

	inline := make([]bool, len(g.symbols))
	for _, sym := range g.symbols {
		if !live(sym.Idx) || g.isSpecial(sym) || len(sym.Rules) != 1 || uses[sym.Idx] != 1 {
			continue
		}
		inline[sym.Idx] = true
		for _, e := range sym.Rules[0].RHS {
			if uf.find(e) == sym.Idx {
				inline[sym.Idx] = false
			}
		}
	}

	onStack := make([]bool, len(g.symbols))
	var expand func(dst []SymIdx, rhs []SymIdx) []SymIdx
	expand = func(dst []SymIdx, rhs []SymIdx) []SymIdx {
		for _, e := range rhs {
			e = uf.find(e)
			if inline[e] && !onStack[e] {
				onStack[e] = true
				dst = expand(dst, g.symbols[e].Rules[0].RHS)
				onStack[e] = false
				continue
			}
			dst = append(dst, e)
		}
		return dst
	}

	// copy reachable symbols, start first, in breadth-first order
	out := NewGrammar(g.Name, g.lex)
	remap := make(map[SymIdx]SymIdx)
	var queue []SymIdx
	visit := func(s SymIdx) SymIdx {
		if n, ok := remap[s]; ok {
			return n
		}
		old := g.symbols[s]
		n := out.FreshSymbol(old.Name)
		ns := out.symbols[n]
		ns.Lexeme = old.Lexeme
		ns.Nested = old.Nested
		ns.Props = old.Props
		remap[s] = n
		queue = append(queue, s)
		return n
	}
	visit(g.Start())
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		ns := out.symbols[remap[s]]
		for _, r := range g.symbols[s].Rules {
			var rhs []SymIdx
			for _, e := range expand(nil, r.RHS) {
				rhs = append(rhs, visit(e))
			}
			ns.Rules = append(ns.Rules, Rule{LHS: ns.Idx, RHS: rhs})
		}
	}
	return out
}

var repeatName = regexp.MustCompile(`_repeat_(\d+)_(\d*)$`)

var shortSuffixes = []struct{ long, short string }{
	{"_zero_or_more", "*"},
	{"_one_or_more", "+"},
	{"_optional", "?"},
}

// Rename shortens the names generated for repetition wrappers, so that
// "x_zero_or_more" reads "x*".
func (g *Grammar) Rename() {
	clear(g.byName)
	clear(g.names)
	for _, sym := range g.symbols {
		name := sym.Name
		for {
			changed := false
			for _, s := range shortSuffixes {
				if base, ok := strings.CutSuffix(name, s.long); ok {
					name = base + s.short
					changed = true
				}
			}
			if m := repeatName.FindStringSubmatchIndex(name); m != nil {
				name = fmt.Sprintf("%s{%s,%s}", name[:m[0]], name[m[2]:m[3]], name[m[4]:m[5]])
				changed = true
			}
			if !changed {
				break
			}
		}
		unique := name
		for {
			if _, taken := g.byName[unique]; !taken {
				break
			}
			g.names[name]++
			unique = fmt.Sprintf("%s#%d", name, g.names[name])
		}
		sym.Name = unique
		g.byName[unique] = sym.Idx
	}
}

// Optimize runs shortcut expansion twice, which reaches a fixed point for
// the grammars the front ends build, and renames the result.
func (g *Grammar) Optimize() *Grammar {
	out := g.ExpandShortcuts().ExpandShortcuts()
	out.Rename()
	return out
}
