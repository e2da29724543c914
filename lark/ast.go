package lark

import (
	"errors"
	"fmt"
)

var (
	ErrUndefined  = errors.New("undefined symbol")
	ErrRedefined  = errors.New("symbol defined twice")
	ErrTokenOnly  = errors.New("construct is only allowed in tokens")
	ErrNotToken   = errors.New("construct is not allowed in tokens")
	ErrNoStart    = errors.New("grammar has no start rule")
	ErrTooDeep    = errors.New("grammar nesting too deep")
	ErrBadImport  = errors.New("unknown import")
	ErrParameters = errors.New("invalid rule parameters")
	ErrRecursive  = errors.New("token refers to itself")
	ErrGuidance   = errors.New("invalid %llguidance options")
)

// SyntaxError reports malformed grammar source.
type SyntaxError struct {
	Pos
	Msg string
	Err error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("lark: %d:%d: %s", e.Line, e.Column, e.Msg)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Grammar is a parsed grammar file.
type Grammar struct {
	Rules  []*Rule
	Tokens []*Rule
	// Ignore lists the %ignore expansions in order.
	Ignore     []*Expansions
	Imports    []*Import
	Declares   []string
	LLGuidance []string
}

// Rule is a rule or token definition. Tokens have uppercase names.
type Rule struct {
	Pos
	Name string
	// Param is set for template rules declared as name::_.
	Param    bool
	Inline   bool
	Priority int
	Attrs    Attrs
	Override bool
	Body     *Expansions
}

// Attrs are the options in brackets after a rule name.
type Attrs struct {
	// Capture is the capture name, set to the rule name for a bare capture.
	Capture     string
	StopCapture string
	Stop        *string
	Suffix      *string
	MaxTokens   int
	Temperature float32
	Lazy        bool
}

func (a Attrs) lexemeOnly() bool {
	return a.Stop != nil || a.Suffix != nil || a.MaxTokens > 0 || a.Lazy || a.Temperature != 0
}

// Import is %import module.NAME or %import module (A, B).
type Import struct {
	Pos
	Module string
	Names  []string
	// Aliases maps imported names to local names.
	Aliases map[string]string
}

// Expansions is an alternation.
type Expansions struct {
	Pos
	Alts []*Alternative
}

// Alternative is one branch of an alternation: a conjunction of sequences,
// optionally guarded by a parameter condition.
type Alternative struct {
	Cond      Condition
	Conjuncts []*Sequence
	Alias     string
}

type Sequence struct {
	Pos
	Items []*Expr
}

// Expr is an atom with an optional prefix negation and repetition suffix.
type Expr struct {
	Pos
	Atom   Atom
	Negate bool
	// Min and Max bound the repetition; Max is -1 when unbounded.
	Min, Max int
}

func (e *Expr) repeated() bool {
	return e.Min != 1 || e.Max != 1
}

type Atom interface {
	atom()
}

type (
	Group struct{ Body *Expansions }
	// Maybe is [ ... ].
	Maybe   struct{ Body *Expansions }
	Literal struct {
		Value string
		Fold  bool
	}
	// Range is "a".."z".
	Range struct{ Lo, Hi rune }
	Regex struct {
		Pattern string
		Flags   string
	}
	RuleRef struct {
		Name  string
		Param ParamExpr
	}
	TokenRef struct{ Name string }
	Nested   struct{ Name string }
	JSON     struct{ Schema string }
	// Special is a special token named <|name|>.
	Special struct{ Name string }
	// TokenIDs are token ids in <[1,5-7]>.
	TokenIDs struct{ IDs []uint32 }
)

func (Group) atom()    {}
func (Maybe) atom()    {}
func (Literal) atom()  {}
func (Range) atom()    {}
func (Regex) atom()    {}
func (RuleRef) atom()  {}
func (TokenRef) atom() {}
func (Nested) atom()   {}
func (JSON) atom()     {}
func (Special) atom()  {}
func (TokenIDs) atom() {}
