package lark

import (
	"fmt"
	"strconv"
	"strings"
)

// Template rules take one integer parameter, written name::_ in the rule
// head. References pass a ParamExpr computed from the caller's parameter,
// and alternatives starting with %if only exist when their Condition holds.

// ParamExpr computes a template argument from the enclosing parameter.
type ParamExpr interface {
	Eval(p uint64) uint64
	String() string
}

// Condition tests a template parameter.
type Condition interface {
	Eval(p uint64) bool
	String() string
}

type paramConst uint64

func (c paramConst) Eval(uint64) uint64 { return uint64(c) }
func (c paramConst) String() string     { return fmt.Sprintf("0x%x", uint64(c)) }

type paramSelf struct{}

func (paramSelf) Eval(p uint64) uint64 { return p }
func (paramSelf) String() string       { return "_" }

var paramOps = map[string]func(p, arg uint64) uint64{
	"set_bit":    func(p, i uint64) uint64 { return p | 1<<i },
	"clear_bit":  func(p, i uint64) uint64 { return p &^ (1 << i) },
	"toggle_bit": func(p, i uint64) uint64 { return p ^ 1<<i },
	"incr":       func(p, n uint64) uint64 { return p + n },
	"decr": func(p, n uint64) uint64 {
		if n > p {
			return 0
		}
		return p - n
	},
	"bit_and": func(p, m uint64) uint64 { return p & m },
	"bit_or":  func(p, m uint64) uint64 { return p | m },
}

type paramOp struct {
	op  string
	arg uint64
}

func (o paramOp) Eval(p uint64) uint64 { return paramOps[o.op](p, o.arg) }
func (o paramOp) String() string       { return fmt.Sprintf("%s(%d)", o.op, o.arg) }

var condOps = map[string]func(p, arg uint64) bool{
	"bit_set":   func(p, i uint64) bool { return p&(1<<i) != 0 },
	"bit_clear": func(p, i uint64) bool { return p&(1<<i) == 0 },
	"all_set":   func(p, m uint64) bool { return p&m == m },
	"any_set":   func(p, m uint64) bool { return p&m != 0 },
	"eq":        func(p, n uint64) bool { return p == n },
	"ne":        func(p, n uint64) bool { return p != n },
	"lt":        func(p, n uint64) bool { return p < n },
	"le":        func(p, n uint64) bool { return p <= n },
	"gt":        func(p, n uint64) bool { return p > n },
	"ge":        func(p, n uint64) bool { return p >= n },
}

// bitOps take a bit index rather than a value.
var bitOps = map[string]bool{
	"set_bit": true, "clear_bit": true, "toggle_bit": true, "bit_set": true, "bit_clear": true,
}

type condOp struct {
	op  string
	arg uint64
}

func (c condOp) Eval(p uint64) bool { return condOps[c.op](p, c.arg) }
func (c condOp) String() string     { return fmt.Sprintf("%s(%d)", c.op, c.arg) }

type condNot struct{ c Condition }

func (c condNot) Eval(p uint64) bool { return !c.c.Eval(p) }
func (c condNot) String() string     { return "not(" + c.c.String() + ")" }

type condAll []Condition

func (cs condAll) Eval(p uint64) bool {
	for _, c := range cs {
		if !c.Eval(p) {
			return false
		}
	}
	return true
}

func (cs condAll) String() string { return joinConds("and", cs) }

type condAny []Condition

func (cs condAny) Eval(p uint64) bool {
	for _, c := range cs {
		if c.Eval(p) {
			return true
		}
	}
	return false
}

func (cs condAny) String() string { return joinConds("or", cs) }

func joinConds(op string, cs []Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// parseParamExpr parses _ , a number, or op(n).
func (p *parser) parseParamExpr() (ParamExpr, error) {
	t, err := p.lex.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokNumber:
		v, err := parseUint(t.text)
		if err != nil {
			return nil, p.errorf(t.pos, "invalid parameter %q", t.text)
		}
		return paramConst(v), nil
	case tokRule:
		if t.text == "_" {
			return paramSelf{}, nil
		}
		if _, ok := paramOps[t.text]; !ok {
			return nil, p.errorf(t.pos, "unknown parameter function %q", t.text)
		}
		arg, err := p.parseCallArg(t.text)
		if err != nil {
			return nil, err
		}
		return paramOp{t.text, arg}, nil
	}
	return nil, p.errorf(t.pos, "expected a parameter expression, got %s", t)
}

func (p *parser) parseCallArg(op string) (uint64, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return 0, err
	}
	t, err := p.expect(tokNumber)
	if err != nil {
		return 0, err
	}
	v, err := parseUint(t.text)
	if err != nil || bitOps[op] && v >= 64 {
		return 0, p.errorf(t.pos, "invalid argument %q to %s", t.text, op)
	}
	if _, err := p.expect(tokRParen); err != nil {
		return 0, err
	}
	return v, nil
}

// parseCondition parses op(n), not(c), and(c, ...) or or(c, ...).
func (p *parser) parseCondition() (Condition, error) {
	t, err := p.expect(tokRule)
	if err != nil {
		return nil, err
	}
	switch t.text {
	case "not", "and", "or":
		if _, err := p.expect(tokLParen); err != nil {
			return nil, err
		}
		var cs []Condition
		for {
			c, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			cs = append(cs, c)
			if ok, err := p.accept(tokComma); err != nil {
				return nil, err
			} else if !ok {
				break
			}
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		switch t.text {
		case "not":
			if len(cs) != 1 {
				return nil, p.errorf(t.pos, "not takes one condition")
			}
			return condNot{cs[0]}, nil
		case "and":
			return condAll(cs), nil
		}
		return condAny(cs), nil
	}
	if _, ok := condOps[t.text]; !ok {
		return nil, p.errorf(t.pos, "unknown condition %q", t.text)
	}
	arg, err := p.parseCallArg(t.text)
	if err != nil {
		return nil, err
	}
	return condOp{t.text, arg}, nil
}
