package jsonschema

import (
	"fmt"
	"strings"

	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/regex"
)

const (
	numberPattern      = `-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?`
	plainNumberPattern = `-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?`

	// maxCountStates bounds the symbols spent on minProperties and
	// maxProperties.
	maxCountStates = 1 << 14
)

type compiler struct {
	b    *grammar.Builder
	ex   *regex.ExprSet
	r    *resolver
	opts *Options

	// char matches one character of a JSON string body.
	char regex.ExprRef
	// anyKey matches any quoted JSON string.
	anyKey regex.ExprRef

	value grammar.SymIdx
	refs  map[string]grammar.SymIdx
	nodes map[string]grammar.SymIdx
	comma grammar.SymIdx
	colon grammar.SymIdx
}

// Compile adds the grammar for a JSON Schema document to b and returns its
// root symbol along with any warnings.
func Compile(b *grammar.Builder, doc []byte, opts Options) (grammar.SymIdx, []string, error) {
	opts, err := opts.FromDocument(doc)
	if err != nil {
		return 0, nil, err
	}
	r, err := newResolver(doc, &opts)
	if err != nil {
		return 0, nil, err
	}
	root, err := r.rootSchema()
	if err != nil {
		return 0, r.warnings, err
	}

	ex := b.Exprs()
	char, err := ex.Parse(`(?s:.)`, regex.ParseOptions{JSONQuoted: true})
	if err != nil {
		return 0, r.warnings, err
	}
	c := &compiler{
		b:     b,
		ex:    ex,
		r:     r,
		opts:  &opts,
		char:  char,
		value: -1,
		refs:  make(map[string]grammar.SymIdx),
		nodes: make(map[string]grammar.SymIdx),
	}
	c.anyKey = c.quoted(ex.Repeat(char, 0, regex.Inf))
	c.comma = b.Literal(opts.ItemSeparator)
	c.colon = b.Literal(opts.KeySeparator)

	sym, err := c.gen(root, "#")
	return sym, r.warnings, err
}

// CompileGrammar compiles a JSON Schema document into a standalone grammar.
func CompileGrammar(name string, lex *grammar.LexerSpec, doc []byte, opts Options) (*grammar.Grammar, []string, error) {
	opts, err := opts.FromDocument(doc)
	if err != nil {
		return nil, nil, err
	}
	b := grammar.NewBuilder(name, lex)
	if opts.WhitespaceFlexible {
		ws := opts.WhitespacePattern
		if ws == "" {
			ws = DefaultWhitespace
		}
		rx, err := lex.Exprs.Parse(ws, regex.ParseOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: whitespace_pattern: %v", ErrInvalid, err)
		}
		b.SetIgnore(rx)
	}
	root, warnings, err := Compile(b, doc, opts)
	if err != nil {
		return nil, warnings, err
	}
	g, err := b.Finalize(root)
	return g, warnings, err
}

// quoteJSON encodes s as a JSON string the same way quoted patterns do.
func quoteJSON(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func (c *compiler) quoted(body regex.ExprRef) regex.ExprRef {
	q := c.ex.Literal(`"`)
	return c.ex.Concat(q, body, q)
}

func (c *compiler) gen(s *Schema, path string) (grammar.SymIdx, error) {
	switch {
	case s.IsUnsat():
		return 0, &UnsatisfiableError{Path: path, Reason: s.Reason}
	case s.Kind == KindAny:
		return c.anyValue()
	case s.Kind == KindRef:
		return c.ref(s.Ref)
	case s.IsScalar() && s.Kind != KindOneOf:
		return c.scalar(s, path)
	}

	key := s.key()
	if sym, ok := c.nodes[key]; ok {
		return sym, nil
	}
	var sym grammar.SymIdx
	var err error
	switch s.Kind {
	case KindArray:
		sym, err = c.array(s.Array, path)
	case KindObject:
		sym, err = c.object(s.Object, path)
	case KindAnyOf:
		sym, err = c.union(s.Options, path)
	case KindOneOf:
		sym, err = c.oneOf(s, path)
	default:
		err = fmt.Errorf("jsonschema: unexpected %s at %s", s.Kind, path)
	}
	if err != nil {
		return 0, err
	}
	c.nodes[key] = sym
	return sym, nil
}

func (c *compiler) ref(ref string) (grammar.SymIdx, error) {
	if sym, ok := c.refs[ref]; ok {
		return sym, nil
	}
	name := ref
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		name = ref[i+1:]
	}
	ph := c.b.Placeholder(name)
	c.refs[ref] = ph
	s, err := c.r.resolveRef(ref)
	if err != nil {
		return 0, err
	}
	body, err := c.gen(s, ref)
	if err != nil {
		return 0, err
	}
	return ph, c.b.Define(ph, body)
}

func (c *compiler) union(opts []*Schema, path string) (grammar.SymIdx, error) {
	syms := make([]grammar.SymIdx, 0, len(opts))
	for i, o := range opts {
		sym, err := c.gen(o, fmt.Sprintf("%s/anyOf/%d", path, i))
		if err != nil {
			return 0, err
		}
		syms = append(syms, sym)
	}
	return c.b.Select(syms...), nil
}

// oneOf handles a oneOf whose options may overlap. Scalar options are
// compiled exactly by excluding the overlap from every option.
func (c *compiler) oneOf(s *Schema, path string) (grammar.SymIdx, error) {
	if s.IsScalar() {
		return c.scalar(s, path)
	}
	if !c.opts.Lenient {
		return 0, fmt.Errorf("%w: oneOf at %s has overlapping options", ErrUnsupported, path)
	}
	c.r.warn("oneOf at %s has overlapping options, treating it as anyOf", path)
	return c.union(s.Options, path)
}

func (c *compiler) scalar(s *Schema, path string) (grammar.SymIdx, error) {
	rx, err := c.scalarRx(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	name := s.Kind.String()
	switch s.Kind {
	case KindLiteralBool:
		name = KindBoolean.String()
	case KindNumber:
		if s.Number.Integer {
			name = "integer"
		}
	case KindAnyOf, KindOneOf:
		name = "value"
	}
	return c.b.Lexeme(name, rx, grammar.LexemeOptions{})
}

func (c *compiler) scalarRx(s *Schema) (regex.ExprRef, error) {
	ex := c.ex
	switch s.Kind {
	case KindNull:
		return ex.Literal("null"), nil
	case KindBoolean:
		return ex.Or(ex.Literal("true"), ex.Literal("false")), nil
	case KindLiteralBool:
		return ex.Literal(fmt.Sprintf("%t", s.Literal)), nil
	case KindNumber:
		return c.numberRx(s.Number)
	case KindString:
		return c.stringRx(s.String)
	case KindAnyOf, KindOneOf:
		alts := make([]regex.ExprRef, len(s.Options))
		for i, o := range s.Options {
			rx, err := c.scalarRx(o)
			if err != nil {
				return regex.NoMatch, err
			}
			alts[i] = rx
		}
		if s.Kind == KindAnyOf {
			return ex.Or(alts...), nil
		}
		exclusive := make([]regex.ExprRef, len(alts))
		for i := range alts {
			others := make([]regex.ExprRef, 0, len(alts)-1)
			others = append(others, alts[:i]...)
			others = append(others, alts[i+1:]...)
			exclusive[i] = ex.And(alts[i], ex.Not(ex.Or(others...)))
		}
		return ex.Or(exclusive...), nil
	}
	return regex.NoMatch, fmt.Errorf("%s is not a scalar", s.Kind)
}

func (c *compiler) parse(pattern string) (regex.ExprRef, error) {
	return c.ex.Parse(pattern, regex.ParseOptions{})
}

func (c *compiler) numberRx(n *Number) (regex.ExprRef, error) {
	ex := c.ex
	var rx regex.ExprRef
	var err error
	if n.Integer {
		lo, hi, _ := n.intBounds()
		pat, ok := IntRangePattern(lo, hi)
		if !ok {
			return regex.NoMatch, nil
		}
		if rx, err = c.parse(pat); err != nil {
			return regex.NoMatch, err
		}
	} else if n.Minimum == nil && n.Maximum == nil && n.MultipleOf == nil {
		return c.parse(numberPattern)
	} else {
		if rx, err = c.parse(plainNumberPattern); err != nil {
			return regex.NoMatch, err
		}
		parts := []regex.ExprRef{rx}
		if n.Minimum != nil {
			lo, err := c.parse(LowerBoundPattern(*n.Minimum, n.ExclusiveMinimum))
			if err != nil {
				return regex.NoMatch, err
			}
			parts = append(parts, lo)
		}
		if n.Maximum != nil {
			hi, err := c.parse(UpperBoundPattern(*n.Maximum, n.ExclusiveMaximum))
			if err != nil {
				return regex.NoMatch, err
			}
			parts = append(parts, hi)
		}
		rx = ex.And(parts...)
	}
	if m := n.MultipleOf; m != nil {
		rx = ex.And(rx, ex.Concat(ex.Optional(ex.Literal("-")), ex.MultipleOf(m.Coef, m.Scale)))
	}
	return rx, nil
}

func (c *compiler) stringRx(s *String) (regex.ExprRef, error) {
	ex := c.ex
	if s.Const != nil {
		return ex.Literal(quoteJSON(*s.Const)), nil
	}
	hi := uint32(regex.Inf)
	if s.MaxLength != nil {
		hi = uint32(*s.MaxLength)
	}
	parts := []regex.ExprRef{ex.Repeat(c.char, uint32(s.MinLength), hi)}
	for _, p := range s.Patterns {
		rx, err := ex.Parse(p, regex.ParseOptions{JSONQuoted: true})
		if err != nil {
			return regex.NoMatch, fmt.Errorf("%w: pattern %q: %v", ErrUnsupported, p, err)
		}
		parts = append(parts, rx)
	}
	return c.quoted(ex.And(parts...)), nil
}

// anyValue returns the symbol for an unconstrained JSON value.
func (c *compiler) anyValue() (grammar.SymIdx, error) {
	if c.value >= 0 {
		return c.value, nil
	}
	b := c.b
	c.value = b.Placeholder("json_value")

	var scalars []grammar.SymIdx
	for _, s := range []*Schema{
		{Kind: KindNull},
		{Kind: KindBoolean},
		{Kind: KindNumber, Number: &Number{}},
		{Kind: KindString, String: &String{}},
	} {
		sym, err := c.scalar(s, "")
		if err != nil {
			return 0, err
		}
		scalars = append(scalars, sym)
	}
	key, err := b.Lexeme("key", c.anyKey, grammar.LexemeOptions{})
	if err != nil {
		return 0, err
	}
	member := b.Join(key, c.colon, c.value)
	object := b.Join(b.Literal("{"), b.Optional(b.Join(member, b.ZeroOrMore(b.Join(c.comma, member)))), b.Literal("}"))
	array := b.Join(b.Literal("["), b.Optional(b.Join(c.value, b.ZeroOrMore(b.Join(c.comma, c.value)))), b.Literal("]"))

	if err := b.Define(c.value, b.Select(append(scalars, array, object)...)); err != nil {
		return 0, err
	}
	return c.value, nil
}

func (c *compiler) array(a *Array, path string) (grammar.SymIdx, error) {
	b := c.b
	open, close := b.Literal("["), b.Literal("]")
	limit, bounded := len(a.PrefixItems), a.MaxItems != nil
	if bounded {
		limit = min(limit, *a.MaxItems)
	}
	if bounded && *a.MaxItems == 0 {
		return b.Join(open, close), nil
	}

	items := make([]grammar.SymIdx, limit)
	for i := range limit {
		sym, err := c.gen(a.PrefixItems[i], fmt.Sprintf("%s/prefixItems/%d", path, i))
		if err != nil {
			return 0, err
		}
		items[i] = sym
	}
	tail := grammar.SymIdx(-1)
	if !bounded || *a.MaxItems > limit {
		sym, err := c.gen(a.itemAt(limit), path+"/items")
		if err != nil {
			return 0, err
		}
		tail = sym
	}

	// rest derives the items from index i on, each after a separator.
	var rest func(i int) grammar.SymIdx
	rest = func(i int) grammar.SymIdx {
		if i >= limit {
			if tail < 0 {
				return b.Empty()
			}
			hi := grammar.Unbounded
			if bounded {
				hi = *a.MaxItems - i
			}
			return b.Repeat(b.Join(c.comma, tail), max(0, a.MinItems-i), hi)
		}
		seq := b.Join(c.comma, items[i], rest(i+1))
		if i >= a.MinItems {
			return b.Optional(seq)
		}
		return seq
	}

	first := tail
	if limit > 0 {
		first = items[0]
	}
	body := b.Join(first, rest(1))
	if a.MinItems == 0 {
		body = b.Optional(body)
	}
	return b.Join(open, body, close), nil
}

type member struct {
	sym      grammar.SymIdx
	required bool
}

func (c *compiler) object(o *Object, path string) (grammar.SymIdx, error) {
	b, ex := c.b, c.ex

	var members []member
	var names []regex.ExprRef
	declare := func(name string, s *Schema, required bool) error {
		names = append(names, ex.Literal(quoteJSON(name)))
		if s.IsUnsat() && !required {
			return nil
		}
		value, err := c.gen(s, path+"/properties/"+name)
		if err != nil {
			return err
		}
		members = append(members, member{b.Join(b.Literal(quoteJSON(name)), c.colon, value), required})
		return nil
	}
	for name, s := range o.Properties.All() {
		if err := declare(name, s, o.isRequired(name)); err != nil {
			return 0, err
		}
	}
	for _, name := range o.Required {
		if _, ok := o.Properties.Get(name); ok {
			continue
		}
		s, err := c.r.property(o, name, 0)
		if err != nil {
			return 0, err
		}
		if err := declare(name, s, true); err != nil {
			return 0, err
		}
	}

	extra, err := c.additional(o, names, path)
	if err != nil {
		return 0, err
	}
	body, err := c.members(o, members, extra, path)
	if err != nil {
		return 0, err
	}
	return b.Join(b.Literal("{"), body, b.Literal("}")), nil
}

// additional returns the symbol for one member whose key is not declared,
// or -1 when there are none.
func (c *compiler) additional(o *Object, declared []regex.ExprRef, path string) (grammar.SymIdx, error) {
	b, ex := c.b, c.ex
	notDeclared := ex.Not(ex.Or(declared...))

	var alts []grammar.SymIdx
	var patterns []regex.ExprRef
	for pattern, s := range o.PatternProperties.All() {
		rx, err := ex.Parse(anchoredPattern(pattern), regex.ParseOptions{JSONQuoted: true})
		if err != nil {
			return 0, fmt.Errorf("%w: pattern %q: %v", ErrUnsupported, pattern, err)
		}
		key := c.quoted(rx)
		patterns = append(patterns, key)
		if s.IsUnsat() {
			continue
		}
		value, err := c.gen(s, path+"/patternProperties/"+pattern)
		if err != nil {
			return 0, err
		}
		keySym, err := b.Lexeme("key", ex.And(key, notDeclared), grammar.LexemeOptions{})
		if err != nil {
			return 0, err
		}
		alts = append(alts, b.Join(keySym, c.colon, value))
	}

	if o.Additional == nil || !o.Additional.IsUnsat() {
		value, err := c.gen(orAny(o.Additional), path+"/additionalProperties")
		if err != nil {
			return 0, err
		}
		rx := ex.And(c.anyKey, notDeclared, ex.Not(ex.Or(patterns...)))
		keySym, err := b.Lexeme("key", rx, grammar.LexemeOptions{})
		if err != nil {
			return 0, err
		}
		alts = append(alts, b.Join(keySym, c.colon, value))
	}
	if len(alts) == 0 {
		return -1, nil
	}
	return b.Select(alts...), nil
}

func orAny(s *Schema) *Schema {
	if s == nil {
		return anySchema
	}
	return s
}

type chainKey struct {
	i     int
	prev  bool
	count int
}

// members derives the object body: declared members in order, then any
// number of additional members, with the member count kept within
// minProperties and maxProperties.
func (c *compiler) members(o *Object, members []member, extra grammar.SymIdx, path string) (grammar.SymIdx, error) {
	b := c.b
	lo, hi := o.MinProperties, -1
	if o.MaxProperties != nil {
		hi = *o.MaxProperties
	}
	// counts above limit are all treated alike
	limit := lo
	if hi >= 0 {
		limit = hi
	}
	if limit > len(members) && extra < 0 {
		limit = len(members)
	}
	if (len(members)+1)*(limit+1) > maxCountStates {
		if !c.opts.Lenient {
			return 0, fmt.Errorf("%w: property count bounds at %s are too large", ErrUnsupported, path)
		}
		c.r.warn("ignoring minProperties/maxProperties at %s", path)
		lo, hi, limit = 0, -1, 0
	}

	const dead = grammar.SymIdx(-1)
	memo := make(map[chainKey]grammar.SymIdx)
	var chain func(k chainKey) grammar.SymIdx
	chain = func(k chainKey) grammar.SymIdx {
		if sym, ok := memo[k]; ok {
			return sym
		}
		sym := dead
		if k.i == len(members) {
			sym = c.extras(extra, k, lo, hi)
		} else {
			m := members[k.i]
			var alts []grammar.SymIdx
			if hi < 0 || k.count < hi {
				next := chain(chainKey{k.i + 1, true, min(k.count+1, limit)})
				if next != dead {
					if k.prev {
						alts = append(alts, b.Join(c.comma, m.sym, next))
					} else {
						alts = append(alts, b.Join(m.sym, next))
					}
				}
			}
			if !m.required {
				if skip := chain(chainKey{k.i + 1, k.prev, k.count}); skip != dead {
					alts = append(alts, skip)
				}
			}
			if len(alts) > 0 {
				sym = b.Select(alts...)
			}
		}
		memo[k] = sym
		return sym
	}

	body := chain(chainKey{})
	if body == dead {
		return 0, &UnsatisfiableError{Path: path, Reason: "no property set satisfies the property count bounds"}
	}
	return body, nil
}

// extras derives the trailing additional members for a chain that has
// emitted k.count members so far.
func (c *compiler) extras(extra grammar.SymIdx, k chainKey, lo, hi int) grammar.SymIdx {
	b := c.b
	need := max(0, lo-k.count)
	if extra < 0 {
		if need > 0 {
			return -1
		}
		return b.Empty()
	}
	room := grammar.Unbounded
	if hi >= 0 {
		room = hi - k.count
	}
	if room == 0 {
		if need > 0 {
			return -1
		}
		return b.Empty()
	}
	next := b.Join(c.comma, extra)
	if k.prev {
		return b.Repeat(next, need, room)
	}
	rest := grammar.Unbounded
	if room != grammar.Unbounded {
		rest = room - 1
	}
	seq := b.Join(extra, b.Repeat(next, max(0, need-1), rest))
	if need == 0 {
		return b.Optional(seq)
	}
	return seq
}
