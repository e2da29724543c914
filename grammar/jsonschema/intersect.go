package jsonschema

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ollama/constrain/internal/orderedmap"
)

// intersect returns a schema matching exactly the values both a and b match.
func (r *resolver) intersect(a, b *Schema, depth int) (*Schema, error) {
	if depth > maxIntersectDepth {
		return nil, fmt.Errorf("%w: schema intersection nested deeper than %d", ErrUnsupported, maxIntersectDepth)
	}
	var err error
	if a.Kind == KindRef {
		if a, err = r.resolveRef(a.Ref); err != nil {
			return nil, err
		}
	}
	if b.Kind == KindRef {
		if b, err = r.resolveRef(b.Ref); err != nil {
			return nil, err
		}
	}

	switch {
	case a.IsUnsat():
		return a, nil
	case b.IsUnsat():
		return b, nil
	case a.Kind == KindAny:
		return b, nil
	case b.Kind == KindAny:
		return a, nil
	case a.Kind == KindAnyOf || a.Kind == KindOneOf:
		return r.distribute(a, b, depth)
	case b.Kind == KindAnyOf || b.Kind == KindOneOf:
		return r.distribute(b, a, depth)
	}

	var s *Schema
	switch {
	case a.Kind == KindNull && b.Kind == KindNull:
		s = a
	case a.Kind == KindBoolean && (b.Kind == KindBoolean || b.Kind == KindLiteralBool):
		s = b
	case a.Kind == KindLiteralBool && b.Kind == KindBoolean:
		s = a
	case a.Kind == KindLiteralBool && b.Kind == KindLiteralBool:
		s = a
		if a.Literal != b.Literal {
			s = unsat("%t is not %t", a.Literal, b.Literal)
		}
	case a.Kind == KindNumber && b.Kind == KindNumber:
		s = intersectNumber(a, b)
	case a.Kind == KindString && b.Kind == KindString:
		s = intersectString(a, b)
	case a.Kind == KindArray && b.Kind == KindArray:
		s, err = r.intersectArray(a.Array, b.Array, depth+1)
	case a.Kind == KindObject && b.Kind == KindObject:
		s, err = r.intersectObject(a.Object, b.Object, depth+1)
	default:
		s = unsat("type mismatch: %s and %s", a.Kind, b.Kind)
	}
	if err != nil {
		return nil, err
	}
	return r.normalize(s)
}

// distribute intersects every option of the union u with other.
func (r *resolver) distribute(u, other *Schema, depth int) (*Schema, error) {
	opts := make([]*Schema, 0, len(u.Options))
	for _, o := range u.Options {
		s, err := r.intersect(o, other, depth+1)
		if err != nil {
			return nil, err
		}
		opts = append(opts, s)
	}
	return r.normalize(&Schema{Kind: u.Kind, Options: opts})
}

func tighter(a, b *float64, exA, exB bool, lower bool) (*float64, bool) {
	switch {
	case a == nil:
		return b, exB
	case b == nil:
		return a, exA
	case *a == *b:
		return a, exA || exB
	case (*a > *b) == lower:
		return a, exA
	default:
		return b, exB
	}
}

func intersectNumber(a, b *Schema) *Schema {
	x, y := a.Number, b.Number
	n := &Number{Integer: x.Integer || y.Integer}
	n.Minimum, n.ExclusiveMinimum = tighter(x.Minimum, y.Minimum, x.ExclusiveMinimum, y.ExclusiveMinimum, true)
	n.Maximum, n.ExclusiveMaximum = tighter(x.Maximum, y.Maximum, x.ExclusiveMaximum, y.ExclusiveMaximum, false)
	switch {
	case x.MultipleOf != nil && y.MultipleOf != nil:
		m, err := x.MultipleOf.LCM(*y.MultipleOf)
		if err != nil {
			return unsat("multipleOf %s and %s: %v", x.MultipleOf, y.MultipleOf, err)
		}
		n.MultipleOf = &m
	case x.MultipleOf != nil:
		n.MultipleOf = x.MultipleOf
	default:
		n.MultipleOf = y.MultipleOf
	}
	return &Schema{Kind: KindNumber, Number: n}
}

func intersectString(a, b *Schema) *Schema {
	x, y := a.String, b.String
	s := &String{MinLength: max(x.MinLength, y.MinLength), MaxLength: x.MaxLength}
	if y.MaxLength != nil && (s.MaxLength == nil || *y.MaxLength < *s.MaxLength) {
		s.MaxLength = y.MaxLength
	}
	s.Patterns = slices.Clone(x.Patterns)
	for _, p := range y.Patterns {
		if !slices.Contains(s.Patterns, p) {
			s.Patterns = append(s.Patterns, p)
		}
	}
	switch {
	case x.Const != nil && y.Const != nil && *x.Const != *y.Const:
		return unsat("%q is not %q", *x.Const, *y.Const)
	case x.Const != nil:
		s.Const = x.Const
	default:
		s.Const = y.Const
	}
	return &Schema{Kind: KindString, String: s}
}

func (a *Array) itemAt(i int) *Schema {
	if i < len(a.PrefixItems) {
		return a.PrefixItems[i]
	}
	if a.Items == nil {
		return anySchema
	}
	return a.Items
}

func minPtr(a, b *int) *int {
	if a == nil || (b != nil && *b < *a) {
		return b
	}
	return a
}

func (r *resolver) intersectArray(x, y *Array, depth int) (*Schema, error) {
	a := &Array{MinItems: max(x.MinItems, y.MinItems), MaxItems: minPtr(x.MaxItems, y.MaxItems)}
	for i := range max(len(x.PrefixItems), len(y.PrefixItems)) {
		s, err := r.intersect(x.itemAt(i), y.itemAt(i), depth)
		if err != nil {
			return nil, err
		}
		a.PrefixItems = append(a.PrefixItems, s)
	}
	if x.Items != nil || y.Items != nil {
		s, err := r.intersect(x.itemAt(math.MaxInt), y.itemAt(math.MaxInt), depth)
		if err != nil {
			return nil, err
		}
		a.Items = s
	}
	return &Schema{Kind: KindArray, Array: a}, nil
}

// property returns the schema an object applies to the value of key.
func (r *resolver) property(o *Object, key string, depth int) (*Schema, error) {
	if s, ok := o.Properties.Get(key); ok {
		return s, nil
	}
	var s *Schema
	for pattern, ps := range o.PatternProperties.All() {
		re, err := r.regexp(pattern)
		if err != nil {
			return nil, err
		}
		if !re.MatchString(key) {
			continue
		}
		if s == nil {
			s = ps
		} else if s, err = r.intersect(s, ps, depth); err != nil {
			return nil, err
		}
	}
	if s != nil {
		return s, nil
	}
	if o.Additional == nil {
		return anySchema, nil
	}
	return o.Additional, nil
}

func (r *resolver) intersectObject(x, y *Object, depth int) (*Schema, error) {
	o := &Object{
		MinProperties: max(x.MinProperties, y.MinProperties),
		MaxProperties: minPtr(x.MaxProperties, y.MaxProperties),
	}

	keys := x.Properties.Keys()
	for k := range y.Properties.All() {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		o.Properties = orderedmap.New[string, *Schema]()
	}
	for _, k := range keys {
		px, err := r.property(x, k, depth)
		if err != nil {
			return nil, err
		}
		py, err := r.property(y, k, depth)
		if err != nil {
			return nil, err
		}
		s, err := r.intersect(px, py, depth)
		if err != nil {
			return nil, err
		}
		o.Properties.Set(k, s)
	}

	if x.PatternProperties.Len() > 0 || y.PatternProperties.Len() > 0 {
		o.PatternProperties = x.PatternProperties.Clone()
		for p, s := range y.PatternProperties.All() {
			if prev, ok := o.PatternProperties.Get(p); ok {
				merged, err := r.intersect(prev, s, depth)
				if err != nil {
					return nil, err
				}
				s = merged
			}
			o.PatternProperties.Set(p, s)
		}
	}

	switch {
	case x.Additional == nil:
		o.Additional = y.Additional
	case y.Additional == nil:
		o.Additional = x.Additional
	default:
		s, err := r.intersect(x.Additional, y.Additional, depth)
		if err != nil {
			return nil, err
		}
		o.Additional = s
	}

	o.Required = slices.Clone(x.Required)
	for _, k := range y.Required {
		if !slices.Contains(o.Required, k) {
			o.Required = append(o.Required, k)
		}
	}
	return &Schema{Kind: KindObject, Object: o}, nil
}

// intBounds returns the inclusive integer bounds of a number schema. It
// reports false when no integer fits.
func (n *Number) intBounds() (lo, hi *int64, ok bool) {
	const limit = 1 << 62
	if n.Minimum != nil {
		v := math.Ceil(*n.Minimum)
		if n.ExclusiveMinimum && v == *n.Minimum {
			v++
		}
		if v > limit {
			return nil, nil, false
		}
		if v > -limit {
			lo = ptr(int64(v))
		}
	}
	if n.Maximum != nil {
		v := math.Floor(*n.Maximum)
		if n.ExclusiveMaximum && v == *n.Maximum {
			v--
		}
		if v < -limit {
			return nil, nil, false
		}
		if v < limit {
			hi = ptr(int64(v))
		}
	}
	return lo, hi, lo == nil || hi == nil || *lo <= *hi
}

func (r *resolver) normalize(s *Schema) (*Schema, error) {
	switch s.Kind {
	case KindAnyOf, KindOneOf:
		return r.normalizeUnion(s)
	case KindNumber:
		n := s.Number
		if n.Minimum != nil && n.Maximum != nil {
			lo, hi := *n.Minimum, *n.Maximum
			if lo > hi || (lo == hi && (n.ExclusiveMinimum || n.ExclusiveMaximum)) {
				return unsat("number range is empty: minimum %v > maximum %v", lo, hi), nil
			}
		}
		if n.Integer {
			if _, _, ok := n.intBounds(); !ok {
				return unsat("integer range is empty"), nil
			}
		}
	case KindString:
		st := s.String
		if st.MaxLength != nil && *st.MaxLength < st.MinLength {
			return unsat("maxLength %d < minLength %d", *st.MaxLength, st.MinLength), nil
		}
		if st.Const != nil {
			n := utf8.RuneCountInString(*st.Const)
			if n < st.MinLength || (st.MaxLength != nil && n > *st.MaxLength) {
				return unsat("%q violates the length bounds", *st.Const), nil
			}
			for _, p := range st.Patterns {
				re, err := r.regexp("^" + p + "$")
				if err != nil {
					return nil, err
				}
				if !re.MatchString(*st.Const) {
					return unsat("%q does not match %s", *st.Const, p), nil
				}
			}
		}
	case KindArray:
		return r.normalizeArray(s)
	case KindObject:
		return r.normalizeObject(s)
	}
	return s, nil
}

func (r *resolver) normalizeArray(s *Schema) (*Schema, error) {
	a := *s.Array
	if a.MaxItems != nil && *a.MaxItems < a.MinItems {
		return unsat("maxItems %d < minItems %d", *a.MaxItems, a.MinItems), nil
	}
	for i, item := range a.PrefixItems {
		if !item.IsUnsat() {
			continue
		}
		if i < a.MinItems {
			return unsat("item %d: %s", i, item.Reason), nil
		}
		a.PrefixItems = a.PrefixItems[:i]
		a.MaxItems = ptr(i)
		break
	}
	if a.Items != nil && a.Items.IsUnsat() {
		n := len(a.PrefixItems)
		if a.MinItems > n {
			return unsat("item %d: %s", n, a.Items.Reason), nil
		}
		a.MaxItems = minPtr(a.MaxItems, ptr(n))
	}
	return &Schema{Kind: KindArray, Array: &a}, nil
}

func (r *resolver) normalizeObject(s *Schema) (*Schema, error) {
	o := s.Object
	if o.MaxProperties != nil && *o.MaxProperties < o.MinProperties {
		return unsat("maxProperties %d < minProperties %d", *o.MaxProperties, o.MinProperties), nil
	}
	if o.MaxProperties != nil && *o.MaxProperties < len(o.Required) {
		return unsat("maxProperties %d < %d required properties", *o.MaxProperties, len(o.Required)), nil
	}
	for _, name := range o.Required {
		p, err := r.property(o, name, 0)
		if err != nil {
			return nil, err
		}
		if p.IsUnsat() {
			return unsat("property %q: %s", name, p.Reason), nil
		}
	}
	return s, nil
}

func (r *resolver) normalizeUnion(s *Schema) (*Schema, error) {
	var opts []*Schema
	var reasons []string
	var add func(o *Schema)
	add = func(o *Schema) {
		switch {
		case o.IsUnsat():
			reasons = append(reasons, o.Reason)
		case o.Kind == KindAnyOf && s.Kind == KindAnyOf:
			for _, sub := range o.Options {
				add(sub)
			}
		default:
			opts = append(opts, o)
		}
	}
	for _, o := range s.Options {
		add(o)
	}

	switch {
	case len(opts) == 0:
		if len(reasons) == 0 {
			return unsat("%s has no options", s.Kind), nil
		}
		return unsat("%s", strings.Join(reasons, "; ")), nil
	case len(opts) == 1:
		return opts[0], nil
	}

	if s.Kind == KindAnyOf {
		for _, o := range opts {
			if o.Kind == KindAny {
				return anySchema, nil
			}
		}
		return &Schema{Kind: KindAnyOf, Options: opts}, nil
	}

	if r.opts.CoerceOneOf {
		return r.normalizeUnion(&Schema{Kind: KindAnyOf, Options: opts})
	}
	for i := range opts {
		for j := range i {
			ok, err := r.disjoint(opts[i], opts[j])
			if err != nil {
				return nil, err
			}
			if !ok {
				return &Schema{Kind: KindOneOf, Options: opts}, nil
			}
		}
	}
	return r.normalizeUnion(&Schema{Kind: KindAnyOf, Options: opts})
}

func typeTag(s *Schema) string {
	switch s.Kind {
	case KindLiteralBool:
		return KindBoolean.String()
	case KindAny, KindAnyOf, KindOneOf, KindRef, KindUnsatisfiable:
		return ""
	}
	return s.Kind.String()
}

// disjoint reports whether no value can match both a and b. False means
// the schemas may overlap.
func (r *resolver) disjoint(a, b *Schema) (bool, error) {
	var err error
	if a.Kind == KindRef {
		if a, err = r.resolveRef(a.Ref); err != nil {
			return false, err
		}
	}
	if b.Kind == KindRef {
		if b, err = r.resolveRef(b.Ref); err != nil {
			return false, err
		}
	}
	if a.IsUnsat() || b.IsUnsat() {
		return true, nil
	}
	for _, pair := range [][2]*Schema{{a, b}, {b, a}} {
		if u := pair[0]; u.Kind == KindAnyOf || u.Kind == KindOneOf {
			for _, o := range u.Options {
				if ok, err := r.disjoint(o, pair[1]); err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}
	}

	ta, tb := typeTag(a), typeTag(b)
	switch {
	case ta == "" || tb == "":
		return false, nil
	case ta != tb:
		return true, nil
	}

	switch a.Kind {
	case KindLiteralBool:
		return b.Kind == KindLiteralBool && a.Literal != b.Literal, nil
	case KindString:
		x, y := a.String.Const, b.String.Const
		return x != nil && y != nil && *x != *y, nil
	case KindNumber:
		x, y := a.Number, b.Number
		below := func(hi, lo *Number) bool {
			if hi.Maximum == nil || lo.Minimum == nil {
				return false
			}
			return *hi.Maximum < *lo.Minimum ||
				(*hi.Maximum == *lo.Minimum && (hi.ExclusiveMaximum || lo.ExclusiveMinimum))
		}
		return below(x, y) || below(y, x), nil
	case KindObject:
		return r.disjointObjects(a.Object, b.Object)
	}
	return false, nil
}

func (r *resolver) disjointObjects(x, y *Object) (bool, error) {
	for _, pair := range [][2]*Object{{x, y}, {y, x}} {
		for _, k := range pair[0].Required {
			pb, err := r.property(pair[1], k, 0)
			if err != nil {
				return false, err
			}
			if pb.IsUnsat() {
				return true, nil
			}
			if !pair[1].isRequired(k) {
				continue
			}
			pa, err := r.property(pair[0], k, 0)
			if err != nil {
				return false, err
			}
			if ok, err := r.disjoint(pa, pb); err != nil || ok {
				return ok, err
			}
		}
	}
	return false, nil
}
