package lark

import (
	"strconv"
	"strings"
)

// maxDepth bounds the nesting of groups, so hostile input fails instead of
// exhausting the stack.
const maxDepth = 30

type parser struct {
	lex    *lexer
	g      *Grammar
	depth  int
	parens int
}

// Parse parses grammar source in Lark syntax.
func Parse(src string) (*Grammar, error) {
	p := &parser{lex: newLexer(src), g: &Grammar{}}
	for {
		t, err := p.lex.peek()
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case tokEOF:
			return p.g, nil
		case tokNewline:
			p.lex.next()
			continue
		case tokDirective:
			if err := p.parseStatement(); err != nil {
				return nil, err
			}
		case tokRule, tokToken:
			r, err := p.parseDefinition()
			if err != nil {
				return nil, err
			}
			p.add(r)
		default:
			return nil, p.errorf(t.pos, "expected a rule, token or directive, got %s", t)
		}
		if err := p.endOfLine(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) errorf(pos Pos, format string, args ...any) error {
	return p.lex.errorf(pos, format, args...)
}

func (p *parser) add(r *Rule) {
	if isTokenName(r.Name) {
		p.g.Tokens = append(p.g.Tokens, r)
	} else {
		p.g.Rules = append(p.g.Rules, r)
	}
}

// peek returns the next token, skipping newlines inside parentheses.
func (p *parser) peek() (token, error) {
	for {
		t, err := p.lex.peek()
		if err != nil || t.kind != tokNewline || p.parens == 0 {
			return t, err
		}
		p.lex.next()
	}
}

func (p *parser) next() (token, error) {
	if _, err := p.peek(); err != nil {
		return token{}, err
	}
	return p.lex.next()
}

func (p *parser) accept(k kind) (bool, error) {
	t, err := p.peek()
	if err != nil || t.kind != k {
		return false, err
	}
	p.lex.next()
	return true, nil
}

func (p *parser) expect(k kind) (token, error) {
	t, err := p.next()
	if err != nil {
		return t, err
	}
	if t.kind != k {
		return t, p.errorf(t.pos, "expected %s, got %s", k, t)
	}
	return t, nil
}

func (p *parser) endOfLine() error {
	t, err := p.lex.peek()
	if err != nil {
		return err
	}
	switch t.kind {
	case tokNewline:
		p.lex.next()
	case tokEOF:
	default:
		return p.errorf(t.pos, "expected end of line, got %s", t)
	}
	return nil
}

func (p *parser) parseStatement() error {
	t, _ := p.lex.next()
	switch t.text {
	case "ignore":
		e, err := p.parseExpansions()
		if err != nil {
			return err
		}
		p.g.Ignore = append(p.g.Ignore, e)
	case "import":
		imp, err := p.parseImport(t.pos)
		if err != nil {
			return err
		}
		p.g.Imports = append(p.g.Imports, imp)
	case "declare":
		for {
			n, err := p.lex.peek()
			if err != nil {
				return err
			}
			if n.kind != tokRule && n.kind != tokToken {
				break
			}
			p.lex.next()
			p.g.Declares = append(p.g.Declares, n.text)
		}
	case "override":
		r, err := p.parseDefinition()
		if err != nil {
			return err
		}
		r.Override = true
		p.add(r)
	case "llguidance":
		raw, _, err := p.lex.rawJSON()
		if err != nil {
			return err
		}
		p.g.LLGuidance = append(p.g.LLGuidance, raw)
	default:
		return p.errorf(t.pos, "unknown directive %%%s", t.text)
	}
	return nil
}

func (p *parser) parseImport(pos Pos) (*Import, error) {
	var path []string
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind != tokRule && t.kind != tokToken {
			return nil, p.errorf(t.pos, "expected an import path, got %s", t)
		}
		path = append(path, t.text)
		if ok, err := p.accept(tokDot); err != nil {
			return nil, err
		} else if !ok {
			break
		}
	}

	imp := &Import{Pos: pos, Aliases: make(map[string]string)}
	if ok, err := p.accept(tokLParen); err != nil {
		return nil, err
	} else if ok {
		p.parens++
		defer func() { p.parens-- }()
		imp.Module = strings.Join(path, ".")
		for {
			t, err := p.next()
			if err != nil {
				return nil, err
			}
			if t.kind != tokRule && t.kind != tokToken {
				return nil, p.errorf(t.pos, "expected a name to import, got %s", t)
			}
			imp.Names = append(imp.Names, t.text)
			if ok, err := p.accept(tokComma); err != nil {
				return nil, err
			} else if !ok {
				break
			}
		}
		_, err := p.expect(tokRParen)
		return imp, err
	}

	if len(path) < 2 {
		return nil, p.errorf(pos, "import needs a module and a name")
	}
	name := path[len(path)-1]
	imp.Module = strings.Join(path[:len(path)-1], ".")
	imp.Names = []string{name}
	if ok, err := p.accept(tokArrow); err != nil {
		return nil, err
	} else if ok {
		alias, err := p.next()
		if err != nil {
			return nil, err
		}
		if alias.kind != tokRule && alias.kind != tokToken {
			return nil, p.errorf(alias.pos, "expected an alias name, got %s", alias)
		}
		imp.Aliases[name] = alias.text
	}
	return imp, nil
}

func (p *parser) parseDefinition() (*Rule, error) {
	t, err := p.lex.next()
	if err != nil {
		return nil, err
	}
	if t.kind != tokRule && t.kind != tokToken {
		return nil, p.errorf(t.pos, "expected a rule name, got %s", t)
	}
	r := &Rule{Pos: t.pos, Name: t.text}
	if name, ok := strings.CutPrefix(t.text, "?"); ok {
		r.Name, r.Inline = name, true
	}

	if ok, err := p.accept(tokDoubleColon); err != nil {
		return nil, err
	} else if ok {
		u, err := p.expect(tokRule)
		if err != nil {
			return nil, err
		}
		if u.text != "_" {
			return nil, &SyntaxError{Pos: u.pos, Msg: "template parameters are written name::_", Err: ErrParameters}
		}
		r.Param = true
	}
	if ok, err := p.accept(tokDot); err != nil {
		return nil, err
	} else if ok {
		n, err := p.expect(tokNumber)
		if err != nil {
			return nil, err
		}
		if r.Priority, err = strconv.Atoi(n.text); err != nil {
			return nil, p.errorf(n.pos, "invalid priority %q", n.text)
		}
	}
	if ok, err := p.accept(tokLBracket); err != nil {
		return nil, err
	} else if ok {
		if err := p.parseAttrs(r); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokColon); err != nil {
		return nil, err
	}
	if r.Body, err = p.parseExpansions(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *parser) parseAttrs(r *Rule) error {
	for {
		name, err := p.expect(tokRule)
		if err != nil {
			return err
		}
		var value token
		if ok, err := p.accept(tokEquals); err != nil {
			return err
		} else if ok {
			if value, err = p.next(); err != nil {
				return err
			}
		}
		if err := p.setAttr(r, name, value); err != nil {
			return err
		}
		if ok, err := p.accept(tokComma); err != nil {
			return err
		} else if !ok {
			break
		}
	}
	_, err := p.expect(tokRBracket)
	return err
}

func (p *parser) setAttr(r *Rule, name, value token) error {
	str := func() (string, error) {
		if value.kind != tokString {
			return "", p.errorf(name.pos, "%s needs a string value", name.text)
		}
		lit, err := p.literal(value)
		return lit.Value, err
	}
	num := func() (float64, error) {
		if value.kind != tokNumber {
			return 0, p.errorf(name.pos, "%s needs a number", name.text)
		}
		v, err := strconv.ParseFloat(value.text, 64)
		if err != nil {
			return 0, p.errorf(value.pos, "invalid number %q", value.text)
		}
		return v, nil
	}

	a := &r.Attrs
	switch name.text {
	case "capture":
		a.Capture = r.Name
		if value.kind != tokEOF {
			s, err := str()
			if err != nil {
				return err
			}
			a.Capture = s
		}
	case "stop_capture":
		s, err := str()
		if err != nil {
			return err
		}
		a.StopCapture = s
	case "stop", "suffix":
		s, err := str()
		if err != nil {
			return err
		}
		if name.text == "stop" {
			a.Stop = &s
		} else {
			a.Suffix = &s
		}
	case "max_tokens":
		v, err := num()
		if err != nil {
			return err
		}
		if v < 1 || v != float64(int(v)) {
			return p.errorf(value.pos, "max_tokens must be a positive integer")
		}
		a.MaxTokens = int(v)
	case "temperature":
		v, err := num()
		if err != nil {
			return err
		}
		a.Temperature = float32(v)
	case "lazy":
		a.Lazy = true
	default:
		return p.errorf(name.pos, "unknown attribute %q", name.text)
	}
	return nil
}

func (p *parser) parseExpansions() (*Expansions, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, &SyntaxError{Pos: t.pos, Msg: "expressions nested too deeply", Err: ErrTooDeep}
	}

	e := &Expansions{Pos: t.pos}
	for {
		alt, err := p.parseAlternative()
		if err != nil {
			return nil, err
		}
		e.Alts = append(e.Alts, alt)

		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		if t.kind == tokNewline {
			// a following line starting with | continues the rule
			n, err := p.lex.peekN(1)
			if err != nil {
				return nil, err
			}
			if n.kind != tokBar {
				return e, nil
			}
			p.lex.next()
		}
		if ok, err := p.accept(tokBar); err != nil {
			return nil, err
		} else if !ok {
			return e, nil
		}
	}
}

func (p *parser) parseAlternative() (*Alternative, error) {
	alt := &Alternative{}
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	if t.kind == tokDirective && t.text == "if" {
		p.lex.next()
		if alt.Cond, err = p.parseCondition(); err != nil {
			return nil, err
		}
	}
	for {
		seq, err := p.parseSequence()
		if err != nil {
			return nil, err
		}
		alt.Conjuncts = append(alt.Conjuncts, seq)
		if ok, err := p.accept(tokAnd); err != nil {
			return nil, err
		} else if !ok {
			break
		}
	}
	if ok, err := p.accept(tokArrow); err != nil {
		return nil, err
	} else if ok {
		// aliases only name parse-tree nodes, which are not built
		name, err := p.expect(tokRule)
		if err != nil {
			return nil, err
		}
		alt.Alias = name.text
	}
	return alt, nil
}

func (p *parser) parseSequence() (*Sequence, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	seq := &Sequence{Pos: t.pos}
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case tokEOF, tokNewline, tokBar, tokRParen, tokRBracket, tokAnd, tokArrow:
			return seq, nil
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		seq.Items = append(seq.Items, e)
	}
}

func (p *parser) parseExpr() (*Expr, error) {
	t, err := p.peek()
	if err != nil {
		return nil, err
	}
	e := &Expr{Pos: t.pos, Min: 1, Max: 1}
	if t.kind == tokTilde {
		p.lex.next()
		e.Negate = true
	}
	if e.Atom, err = p.parseAtom(); err != nil {
		return nil, err
	}

	t, err = p.peek()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokQuestion:
		p.lex.next()
		e.Min, e.Max = 0, 1
	case tokStar:
		p.lex.next()
		e.Min, e.Max = 0, -1
	case tokPlus:
		p.lex.next()
		e.Min, e.Max = 1, -1
	case tokTilde:
		n, err := p.lex.peekN(1)
		if err != nil {
			return nil, err
		}
		if n.kind != tokNumber {
			// a negation starting the next item
			return e, nil
		}
		p.lex.next()
		if e.Min, e.Max, err = p.parseRange(tokDotDot); err != nil {
			return nil, err
		}
	case tokLBrace:
		p.lex.next()
		if e.Min, e.Max, err = p.parseRange(tokComma); err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrace); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// parseRange parses n, n<sep>m or, with a comma, n, and {n,}.
func (p *parser) parseRange(sep kind) (int, int, error) {
	t, err := p.expect(tokNumber)
	if err != nil {
		return 0, 0, err
	}
	lo, err := strconv.Atoi(t.text)
	if err != nil || lo < 0 {
		return 0, 0, p.errorf(t.pos, "invalid repetition count %q", t.text)
	}
	if ok, err := p.accept(sep); err != nil || !ok {
		return lo, lo, err
	}
	n, err := p.peek()
	if err != nil {
		return 0, 0, err
	}
	if n.kind != tokNumber {
		if sep == tokComma {
			return lo, -1, nil
		}
		return 0, 0, p.errorf(n.pos, "expected a repetition bound, got %s", n)
	}
	p.lex.next()
	hi, err := strconv.Atoi(n.text)
	if err != nil || hi < lo {
		return 0, 0, p.errorf(n.pos, "invalid repetition bound %q", n.text)
	}
	return lo, hi, nil
}

func (p *parser) parseAtom() (Atom, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokLParen, tokLBracket:
		p.parens++
		body, err := p.parseExpansions()
		p.parens--
		if err != nil {
			return nil, err
		}
		if t.kind == tokLParen {
			_, err = p.expect(tokRParen)
			return Group{body}, err
		}
		_, err = p.expect(tokRBracket)
		return Maybe{body}, err
	case tokString:
		lit, err := p.literal(t)
		if err != nil {
			return nil, err
		}
		if ok, err := p.accept(tokDotDot); err != nil {
			return nil, err
		} else if !ok {
			return lit, nil
		}
		hiTok, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		hi, err := p.literal(hiTok)
		if err != nil {
			return nil, err
		}
		lo, hiR := []rune(lit.Value), []rune(hi.Value)
		if len(lo) != 1 || len(hiR) != 1 || lo[0] > hiR[0] {
			return nil, p.errorf(t.pos, "invalid character range %s..%s", t.text, hiTok.text)
		}
		return Range{lo[0], hiR[0]}, nil
	case tokRegex:
		end := strings.LastIndexByte(t.text, '/')
		return Regex{Pattern: strings.ReplaceAll(t.text[1:end], `\/`, "/"), Flags: t.text[end+1:]}, nil
	case tokRule:
		if strings.HasPrefix(t.text, "?") {
			return nil, p.errorf(t.pos, "unexpected %s", t)
		}
		ref := RuleRef{Name: t.text}
		if ok, err := p.accept(tokDoubleColon); err != nil {
			return nil, err
		} else if ok {
			if ref.Param, err = p.parseParamExpr(); err != nil {
				return nil, err
			}
		}
		return ref, nil
	case tokToken:
		return TokenRef{t.text}, nil
	case tokNested:
		return Nested{t.text}, nil
	case tokSpecial:
		return p.special(t)
	case tokDirective:
		if t.text == "json" {
			raw, _, err := p.lex.rawJSON()
			if err != nil {
				return nil, err
			}
			return JSON{raw}, nil
		}
	}
	return nil, p.errorf(t.pos, "unexpected %s", t)
}

func (p *parser) literal(t token) (Literal, error) {
	text, fold := t.text, false
	if strings.HasSuffix(text, "i") {
		text, fold = text[:len(text)-1], true
	}
	v, err := strconv.Unquote(text)
	if err != nil {
		return Literal{}, p.errorf(t.pos, "invalid string literal %s", t.text)
	}
	return Literal{Value: v, Fold: fold}, nil
}

func (p *parser) special(t token) (Atom, error) {
	if strings.HasPrefix(t.text, "<|") {
		return Special{t.text}, nil
	}
	var ids []uint32
	for _, part := range strings.Split(t.text[2:len(t.text)-2], ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, p.errorf(t.pos, "invalid token id in %s", t.text)
		}
		b := a
		if isRange {
			if b, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32); err != nil || b < a {
				return nil, p.errorf(t.pos, "invalid token range in %s", t.text)
			}
		}
		for id := a; id <= b; id++ {
			ids = append(ids, uint32(id))
		}
	}
	return TokenIDs{ids}, nil
}
