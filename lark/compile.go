package lark

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/grammar/jsonschema"
	"github.com/ollama/constrain/regex"
)

const (
	// maxInstances bounds the template instantiations of one grammar.
	maxInstances = 1000
	// maxRepeat bounds explicit repetition counts in rules.
	maxRepeat = 10000
)

// Options configure compilation of a Lark grammar.
type Options struct {
	// Name names the compiled grammar; nested grammars refer to it by name.
	Name string
	// Start is the start rule, "start" by default.
	Start string
	// Lexer is shared by all grammars nested in one top-level grammar. A
	// fresh one is created when nil.
	Lexer            *grammar.LexerSpec
	AllowInvalidUTF8 bool
	// TokenBytes resolves <[id]> references. They are rejected when nil.
	TokenBytes func(id uint32) ([]byte, bool)
	// JSON configures %json schemas; jsonschema.DefaultOptions when zero.
	JSON jsonschema.Options
}

// Guidance holds the options set with %llguidance.
type Guidance struct {
	NoForcing        bool `mapstructure:"no_forcing"`
	AllowInvalidUTF8 bool `mapstructure:"allow_invalid_utf8"`
	AllowInitialSkip bool `mapstructure:"allow_initial_skip"`
}

// Result is a compiled Lark grammar.
type Result struct {
	Grammar  *grammar.Grammar
	Guidance Guidance
	Warnings []string
}

type scope map[string]*tokenDef

// tokenDef is a token together with the scope its body is resolved in, so
// imported tokens keep referring to their own library.
type tokenDef struct {
	name  string
	rule  *Rule
	scope scope
}

type instKey struct {
	name  string
	param uint64
}

type compiler struct {
	opts     Options
	b        *grammar.Builder
	ex       *regex.ExprSet
	guidance Guidance
	warnings []string

	rules  map[string]*Rule
	tokens scope

	tokenRx   map[*Rule]regex.ExprRef
	visiting  map[*Rule]bool
	lexemes   map[*Rule]grammar.SymIdx
	instances map[instKey]grammar.SymIdx
	never     grammar.SymIdx
}

// Compile parses and compiles a Lark grammar.
func Compile(src string, opts Options) (*Result, error) {
	g, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return CompileAST(g, opts)
}

// CompileAST compiles a parsed grammar. Rules become grammar symbols, while
// tokens and literals become lexemes.
func CompileAST(g *Grammar, opts Options) (*Result, error) {
	if opts.Start == "" {
		opts.Start = "start"
	}
	if opts.Lexer == nil {
		opts.Lexer = grammar.NewLexerSpec(nil)
	}
	if opts.JSON == (jsonschema.Options{}) {
		opts.JSON = jsonschema.DefaultOptions()
	}

	c := &compiler{
		opts:      opts,
		b:         grammar.NewBuilder(opts.Name, opts.Lexer),
		ex:        opts.Lexer.Exprs,
		rules:     make(map[string]*Rule),
		tokens:    make(scope),
		tokenRx:   make(map[*Rule]regex.ExprRef),
		visiting:  make(map[*Rule]bool),
		lexemes:   make(map[*Rule]grammar.SymIdx),
		instances: make(map[instKey]grammar.SymIdx),
		never:     -1,
	}
	for _, raw := range g.LLGuidance {
		if err := c.decodeGuidance(raw); err != nil {
			return nil, err
		}
	}
	if c.guidance.AllowInvalidUTF8 {
		c.opts.AllowInvalidUTF8 = true
	}
	if err := c.collect(g); err != nil {
		return nil, err
	}

	if len(g.Ignore) > 0 {
		var ignores []regex.ExprRef
		for _, e := range g.Ignore {
			rx, err := c.rxExpansions(e, c.tokens)
			if err != nil {
				return nil, err
			}
			ignores = append(ignores, rx)
		}
		c.b.SetIgnore(c.ex.Or(ignores...))
	}

	start, ok := c.rules[opts.Start]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStart, opts.Start)
	}
	if start.Param {
		return nil, c.errorf(start.Pos, ErrParameters, "start rule %s cannot be a template", start.Name)
	}
	root, err := c.rule(start.Pos, start.Name, nil, 0)
	if err != nil {
		return nil, err
	}
	out, err := c.b.Finalize(root)
	if err != nil {
		return nil, err
	}
	return &Result{Grammar: out, Guidance: c.guidance, Warnings: c.warnings}, nil
}

func (c *compiler) errorf(pos Pos, err error, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...) + ": " + err.Error(), Err: err}
}

func (c *compiler) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *compiler) decodeGuidance(raw string) error {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("%w: %v", ErrGuidance, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &c.guidance,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("%w: %v", ErrGuidance, err)
	}
	return nil
}

// collect builds the rule and token tables from definitions, imports and
// declarations.
func (c *compiler) collect(g *Grammar) error {
	for _, imp := range g.Imports {
		if imp.Module != "common" {
			return c.errorf(imp.Pos, ErrBadImport, "module %q", imp.Module)
		}
		lib, err := commonTokens()
		if err != nil {
			return err
		}
		for _, name := range imp.Names {
			def, ok := lib[name]
			if !ok {
				return c.errorf(imp.Pos, ErrBadImport, "common.%s", name)
			}
			local := name
			if alias, ok := imp.Aliases[name]; ok {
				local = alias
			}
			if _, dup := c.tokens[local]; dup {
				return c.errorf(imp.Pos, ErrRedefined, "%s", local)
			}
			c.tokens[local] = def
		}
	}

	for _, r := range g.Tokens {
		_, exists := c.tokens[r.Name]
		switch {
		case exists && !r.Override:
			return c.errorf(r.Pos, ErrRedefined, "token %s", r.Name)
		case !exists && r.Override:
			return c.errorf(r.Pos, ErrUndefined, "%%override of token %s", r.Name)
		}
		if r.Param {
			return c.errorf(r.Pos, ErrParameters, "token %s cannot be a template", r.Name)
		}
		c.tokens[r.Name] = &tokenDef{name: r.Name, rule: r, scope: c.tokens}
	}
	for _, r := range g.Rules {
		_, exists := c.rules[r.Name]
		switch {
		case exists && !r.Override:
			return c.errorf(r.Pos, ErrRedefined, "rule %s", r.Name)
		case !exists && r.Override:
			return c.errorf(r.Pos, ErrUndefined, "%%override of rule %s", r.Name)
		}
		c.rules[r.Name] = r
	}

	for _, name := range g.Declares {
		if _, ok := c.tokens[name]; ok {
			continue
		}
		if _, ok := c.rules[name]; ok {
			continue
		}
		c.warnf("declared symbol %s is never defined and cannot match", name)
		c.tokens[name] = &tokenDef{name: name, scope: c.tokens}
	}
	return nil
}

// Tokens compile to regular expressions.

func (c *compiler) tokenExpr(pos Pos, def *tokenDef) (regex.ExprRef, error) {
	if def.rule == nil {
		return regex.NoMatch, nil
	}
	if rx, ok := c.tokenRx[def.rule]; ok {
		return rx, nil
	}
	if c.visiting[def.rule] {
		return regex.NoMatch, c.errorf(pos, ErrRecursive, "token %s", def.name)
	}
	c.visiting[def.rule] = true
	defer delete(c.visiting, def.rule)

	rx, err := c.rxExpansions(def.rule.Body, def.scope)
	if err != nil {
		return regex.NoMatch, err
	}
	c.tokenRx[def.rule] = rx
	return rx, nil
}

func (c *compiler) rxExpansions(e *Expansions, sc scope) (regex.ExprRef, error) {
	alts := make([]regex.ExprRef, 0, len(e.Alts))
	for _, alt := range e.Alts {
		if alt.Cond != nil {
			return regex.NoMatch, c.errorf(e.Pos, ErrNotToken, "%%if")
		}
		conj := make([]regex.ExprRef, 0, len(alt.Conjuncts))
		for _, seq := range alt.Conjuncts {
			rx, err := c.rxSequence(seq, sc)
			if err != nil {
				return regex.NoMatch, err
			}
			conj = append(conj, rx)
		}
		alts = append(alts, c.ex.And(conj...))
	}
	return c.ex.Or(alts...), nil
}

func (c *compiler) rxSequence(seq *Sequence, sc scope) (regex.ExprRef, error) {
	items := make([]regex.ExprRef, 0, len(seq.Items))
	for _, e := range seq.Items {
		rx, err := c.rxAtom(e.Pos, e.Atom, sc)
		if err != nil {
			return regex.NoMatch, err
		}
		if e.Negate {
			rx = c.ex.Not(rx)
		}
		if e.repeated() {
			hi := uint32(regex.Inf)
			if e.Max >= 0 {
				hi = uint32(e.Max)
			}
			rx = c.ex.Repeat(rx, uint32(e.Min), hi)
		}
		items = append(items, rx)
	}
	return c.ex.Concat(items...), nil
}

func (c *compiler) rxAtom(pos Pos, a Atom, sc scope) (regex.ExprRef, error) {
	switch a := a.(type) {
	case Group:
		return c.rxExpansions(a.Body, sc)
	case Maybe:
		rx, err := c.rxExpansions(a.Body, sc)
		return c.ex.Optional(rx), err
	case Literal:
		if a.Fold {
			return c.ex.LiteralFold(a.Value), nil
		}
		return c.ex.Literal(a.Value), nil
	case Range:
		return c.parseRegex(pos, fmt.Sprintf(`[\x{%x}-\x{%x}]`, a.Lo, a.Hi), "")
	case Regex:
		return c.parseRegex(pos, a.Pattern, a.Flags)
	case TokenRef:
		def, ok := sc[a.Name]
		if !ok {
			return regex.NoMatch, c.errorf(pos, ErrUndefined, "token %s", a.Name)
		}
		return c.tokenExpr(pos, def)
	case RuleRef:
		return regex.NoMatch, c.errorf(pos, ErrNotToken, "rule %s", a.Name)
	case Nested:
		return regex.NoMatch, c.errorf(pos, ErrNotToken, "@%s", a.Name)
	case JSON:
		return regex.NoMatch, c.errorf(pos, ErrNotToken, "%%json")
	case Special:
		return regex.NoMatch, c.errorf(pos, ErrNotToken, "special token %s", a.Name)
	case TokenIDs:
		return regex.NoMatch, c.errorf(pos, ErrNotToken, "token ids")
	}
	return regex.NoMatch, fmt.Errorf("lark: unexpected atom %T", a)
}

func (c *compiler) parseRegex(pos Pos, pattern, flags string) (regex.ExprRef, error) {
	if strings.ContainsRune(flags, 'x') {
		return regex.NoMatch, c.errorf(pos, regex.ErrUnsupported, "regex flag x")
	}
	rx, err := c.ex.Parse(pattern, regex.ParseOptions{
		AllowInvalidUTF8: c.opts.AllowInvalidUTF8,
		CaseInsensitive:  strings.ContainsRune(flags, 'i'),
		DotAll:           strings.ContainsRune(flags, 's'),
	})
	if err != nil {
		return regex.NoMatch, &SyntaxError{Pos: pos, Msg: err.Error(), Err: err}
	}
	return rx, nil
}

// Rules compile to grammar symbols.

func (c *compiler) lexemeOptions(r *Rule) (grammar.LexemeOptions, error) {
	a := r.Attrs
	opts := grammar.LexemeOptions{
		Lazy:        a.Lazy,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
	}
	switch {
	case a.Stop != nil && a.Suffix != nil:
		return opts, c.errorf(r.Pos, ErrParameters, "%s sets both stop and suffix", r.Name)
	case a.Stop != nil:
		opts.Lazy = true
		if *a.Stop != "" {
			opts.Stops = []string{*a.Stop}
		}
	case a.Suffix != nil:
		if *a.Suffix == "" {
			return opts, c.errorf(r.Pos, ErrParameters, "%s has an empty suffix", r.Name)
		}
		opts.Stops, opts.KeepStops = []string{*a.Suffix}, true
	}
	if a.StopCapture != "" && len(opts.Stops) == 0 {
		return opts, c.errorf(r.Pos, ErrParameters, "%s sets stop_capture without a stop string", r.Name)
	}
	return opts, nil
}

// terminal turns a token, or a rule with lexeme attributes, into a single
// terminal symbol.
func (c *compiler) terminal(r *Rule, rx regex.ExprRef) (grammar.SymIdx, error) {
	if sym, ok := c.lexemes[r]; ok {
		return sym, nil
	}
	opts, err := c.lexemeOptions(r)
	if err != nil {
		return 0, err
	}
	var sym grammar.SymIdx
	if r.Attrs.Capture == "" && r.Attrs.StopCapture == "" {
		sym, err = c.b.Lexeme(r.Name, rx, opts)
	} else {
		sym, err = c.b.Terminal(r.Name, rx, grammar.SymbolProps{
			CaptureName:     r.Attrs.Capture,
			StopCaptureName: r.Attrs.StopCapture,
		}, opts)
	}
	if err != nil {
		return 0, c.errorf(r.Pos, err, "%s", r.Name)
	}
	c.lexemes[r] = sym
	return sym, nil
}

func (c *compiler) neverSym() grammar.SymIdx {
	if c.never < 0 {
		sym, err := c.b.Lexeme("nomatch", regex.NoMatch, grammar.LexemeOptions{})
		if err != nil {
			panic(err)
		}
		c.never = sym
	}
	return c.never
}

// rule returns the symbol for a rule, instantiating templates per
// parameter value.
func (c *compiler) rule(pos Pos, name string, arg ParamExpr, param uint64) (grammar.SymIdx, error) {
	r, ok := c.rules[name]
	if !ok {
		return 0, c.errorf(pos, ErrUndefined, "rule %s", name)
	}
	switch {
	case r.Param && arg == nil:
		return 0, c.errorf(pos, ErrParameters, "template %s needs an argument", name)
	case !r.Param && arg != nil:
		return 0, c.errorf(pos, ErrParameters, "rule %s takes no argument", name)
	}
	key := instKey{name: name}
	if arg != nil {
		key.param = arg.Eval(param)
	}
	if sym, ok := c.instances[key]; ok {
		return sym, nil
	}
	if len(c.instances) >= maxInstances {
		return 0, c.errorf(pos, ErrParameters, "more than %d rule instances", maxInstances)
	}

	if r.Attrs.lexemeOnly() {
		rx, err := c.rxExpansions(r.Body, c.tokens)
		if err != nil {
			return 0, c.errorf(r.Pos, err, "rule %s has lexeme attributes, so its body must be a token", name)
		}
		sym, err := c.terminal(r, rx)
		if err != nil {
			return 0, err
		}
		c.instances[key] = sym
		return sym, nil
	}

	symName := name
	if r.Param {
		symName = name + "::" + strconv.FormatUint(key.param, 10)
	}
	sym := c.b.Placeholder(symName)
	c.instances[key] = sym
	if r.Attrs.Capture != "" {
		c.b.G.Symbol(sym).Props.CaptureName = r.Attrs.Capture
	}
	body, err := c.expansions(r.Body, key.param)
	if err != nil {
		return 0, err
	}
	if err := c.b.Define(sym, body); err != nil {
		return 0, err
	}
	return sym, nil
}

func (c *compiler) expansions(e *Expansions, param uint64) (grammar.SymIdx, error) {
	var alts []grammar.SymIdx
	for _, alt := range e.Alts {
		if alt.Cond != nil && !alt.Cond.Eval(param) {
			continue
		}
		if len(alt.Conjuncts) > 1 {
			return 0, c.errorf(e.Pos, ErrTokenOnly, "&")
		}
		sym, err := c.sequence(alt.Conjuncts[0], param)
		if err != nil {
			return 0, err
		}
		alts = append(alts, sym)
	}
	if len(alts) == 0 {
		return c.neverSym(), nil
	}
	return c.b.Select(alts...), nil
}

func (c *compiler) sequence(seq *Sequence, param uint64) (grammar.SymIdx, error) {
	items := make([]grammar.SymIdx, 0, len(seq.Items))
	for _, e := range seq.Items {
		if e.Negate {
			return 0, c.errorf(e.Pos, ErrTokenOnly, "~")
		}
		sym, err := c.atom(e.Pos, e.Atom, param)
		if err != nil {
			return 0, err
		}
		if e.repeated() {
			if e.Min > maxRepeat || e.Max > maxRepeat {
				return 0, c.errorf(e.Pos, ErrParameters, "repetition count above %d", maxRepeat)
			}
			sym = c.b.Repeat(sym, e.Min, e.Max)
		}
		items = append(items, sym)
	}
	return c.b.Join(items...), nil
}

func (c *compiler) atom(pos Pos, a Atom, param uint64) (grammar.SymIdx, error) {
	switch a := a.(type) {
	case Group:
		return c.expansions(a.Body, param)
	case Maybe:
		sym, err := c.expansions(a.Body, param)
		if err != nil {
			return 0, err
		}
		return c.b.Optional(sym), nil
	case Literal:
		if !a.Fold {
			return c.b.Literal(a.Value), nil
		}
		return c.b.Lexeme(strconv.Quote(a.Value)+"i", c.ex.LiteralFold(a.Value), grammar.LexemeOptions{})
	case Range, Regex:
		rx, err := c.rxAtom(pos, a, c.tokens)
		if err != nil {
			return 0, err
		}
		name := "/" + c.ex.String(rx) + "/"
		if re, ok := a.(Regex); ok {
			name = "/" + re.Pattern + "/"
		}
		return c.b.Lexeme(name, rx, grammar.LexemeOptions{})
	case TokenRef:
		def, ok := c.tokens[a.Name]
		if !ok {
			return 0, c.errorf(pos, ErrUndefined, "token %s", a.Name)
		}
		rx, err := c.tokenExpr(pos, def)
		if err != nil {
			return 0, err
		}
		if def.rule == nil {
			return c.b.Lexeme(def.name, rx, grammar.LexemeOptions{})
		}
		return c.terminal(def.rule, rx)
	case RuleRef:
		if _, ok := c.rules[a.Name]; !ok {
			if _, isToken := c.tokens[a.Name]; isToken {
				return c.atom(pos, TokenRef{a.Name}, param)
			}
		}
		return c.rule(pos, a.Name, a.Param, param)
	case Nested:
		return c.b.Nested(a.Name, grammar.SymbolProps{}), nil
	case JSON:
		sym, warnings, err := jsonschema.Compile(c.b, []byte(a.Schema), c.opts.JSON)
		for _, w := range warnings {
			c.warnf("%%json at %s: %s", pos, w)
		}
		if err != nil {
			return 0, &SyntaxError{Pos: pos, Msg: err.Error(), Err: err}
		}
		return sym, nil
	case Special:
		return c.b.Literal("\xff" + a.Name), nil
	case TokenIDs:
		if c.opts.TokenBytes == nil {
			return 0, c.errorf(pos, ErrUndefined, "token ids need a tokenizer")
		}
		alts := make([]grammar.SymIdx, 0, len(a.IDs))
		for _, id := range a.IDs {
			bs, ok := c.opts.TokenBytes(id)
			if !ok {
				return 0, c.errorf(pos, ErrUndefined, "token id %d", id)
			}
			alts = append(alts, c.b.Literal(string(bs)))
		}
		return c.b.Select(alts...), nil
	}
	return 0, errors.New("lark: unexpected atom")
}
