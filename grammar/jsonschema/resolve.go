package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/constrain/internal/orderedmap"
)

const maxIntersectDepth = 50

var annotations = []string{
	"$schema", "$id", "$comment", "$defs", "definitions", "title", "description",
	"default", "examples", "readOnly", "writeOnly", "deprecated",
	"contentEncoding", "contentMediaType", "x-guidance",
}

var constraints = []string{
	"$ref", "type", "const", "enum", "allOf", "anyOf", "oneOf",
	"properties", "patternProperties", "additionalProperties", "required",
	"minProperties", "maxProperties",
	"items", "prefixItems", "additionalItems", "minItems", "maxItems",
	"minLength", "maxLength", "pattern", "format",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf",
}

var keywordTypes = map[string]string{
	"properties": "object", "patternProperties": "object", "additionalProperties": "object",
	"required": "object", "minProperties": "object", "maxProperties": "object",
	"items": "array", "prefixItems": "array", "additionalItems": "array",
	"minItems": "array", "maxItems": "array",
	"minLength": "string", "maxLength": "string", "pattern": "string", "format": "string",
	"minimum": "number", "maximum": "number", "exclusiveMinimum": "number",
	"exclusiveMaximum": "number", "multipleOf": "number",
}

// resolver turns documents into Schemas, resolving references against the
// root document.
type resolver struct {
	root     json.RawMessage
	baseID   string
	opts     *Options
	warnings []string

	refs      map[string]*Schema
	resolving map[string]bool
	patterns  map[string]*regexp.Regexp
}

func newResolver(root []byte, opts *Options) (*resolver, error) {
	r := &resolver{
		root:      bytes.TrimSpace(root),
		opts:      opts,
		refs:      make(map[string]*Schema),
		resolving: make(map[string]bool),
		patterns:  make(map[string]*regexp.Regexp),
	}
	if len(r.root) > 0 && r.root[0] == '{' {
		var head struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(r.root, &head); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		r.baseID, _, _ = strings.Cut(head.ID, "#")
	}
	return r, nil
}

func (r *resolver) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// unsupported fails unless the options are lenient, in which case it
// records a warning.
func (r *resolver) unsupported(format string, args ...any) error {
	if r.opts.Lenient {
		r.warn(format, args...)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func (r *resolver) regexp(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalid, pattern, err)
	}
	r.patterns[pattern] = re
	return re, nil
}

func (r *resolver) rootSchema() (*Schema, error) {
	var d document
	if err := json.Unmarshal(r.root, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return r.fromDocument(&d, "#")
}

// resolveRef returns the schema a $ref points to.
func (r *resolver) resolveRef(ref string) (*Schema, error) {
	if r.baseID != "" && strings.HasPrefix(ref, r.baseID) {
		ref = strings.TrimPrefix(ref, r.baseID)
	}
	if s, ok := r.refs[ref]; ok {
		return s, nil
	}
	if !strings.HasPrefix(ref, "#") {
		return nil, fmt.Errorf("%w: remote $ref %q", ErrUnsupported, ref)
	}
	if r.resolving[ref] {
		return nil, fmt.Errorf("%w: $ref %q refers to itself", ErrInvalid, ref)
	}
	r.resolving[ref] = true
	defer delete(r.resolving, ref)

	frag, err := url.PathUnescape(ref[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: $ref %q: %v", ErrInvalid, ref, err)
	}
	raw, err := pointer(r.root, frag)
	if err != nil {
		return nil, fmt.Errorf("%w: $ref %q: %v", ErrInvalid, ref, err)
	}
	var d document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: $ref %q: %v", ErrInvalid, ref, err)
	}
	s, err := r.fromDocument(&d, ref)
	if err != nil {
		return nil, err
	}
	r.refs[ref] = s
	return s, nil
}

func (r *resolver) fromDocument(d *document, path string) (*Schema, error) {
	if d.Bool != nil {
		if *d.Bool {
			return anySchema, nil
		}
		return unsat("schema is false"), nil
	}

	siblings := false
	for _, k := range d.Keywords {
		switch {
		case slices.Contains(annotations, k):
		case slices.Contains(constraints, k):
			siblings = siblings || k != "$ref"
		default:
			if err := r.unsupported("unknown keyword %q at %s", k, path); err != nil {
				return nil, err
			}
		}
	}

	var parts []*Schema
	if d.Ref != "" {
		if !siblings {
			return &Schema{Kind: KindRef, Ref: d.Ref}, nil
		}
		target, err := r.resolveRef(d.Ref)
		if err != nil {
			return nil, err
		}
		parts = append(parts, target)
	}

	typed, err := r.typed(d, path)
	if err != nil {
		return nil, err
	}
	parts = append(parts, typed)

	if d.Const != nil {
		c, err := constSchema(d.Const)
		if err != nil {
			return nil, fmt.Errorf("%w: const at %s: %v", ErrInvalid, path, err)
		}
		parts = append(parts, c)
	}
	if d.has("enum") {
		opts := make([]*Schema, 0, len(d.Enum))
		for _, e := range d.Enum {
			c, err := constSchema(e)
			if err != nil {
				return nil, fmt.Errorf("%w: enum at %s: %v", ErrInvalid, path, err)
			}
			opts = append(opts, c)
		}
		parts = append(parts, &Schema{Kind: KindAnyOf, Options: opts})
	}
	for i, sub := range d.AllOf {
		s, err := r.fromDocument(sub, fmt.Sprintf("%s/allOf/%d", path, i))
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	for _, group := range []struct {
		kind Kind
		name string
		docs []*document
	}{{KindAnyOf, "anyOf", d.AnyOf}, {KindOneOf, "oneOf", d.OneOf}} {
		if !d.has(group.name) {
			continue
		}
		opts := make([]*Schema, 0, len(group.docs))
		for i, sub := range group.docs {
			s, err := r.fromDocument(sub, fmt.Sprintf("%s/%s/%d", path, group.name, i))
			if err != nil {
				return nil, err
			}
			opts = append(opts, s)
		}
		parts = append(parts, &Schema{Kind: group.kind, Options: opts})
	}

	result := anySchema
	for _, p := range parts {
		if result, err = r.intersect(result, p, 0); err != nil {
			return nil, err
		}
	}
	return r.normalize(result)
}

func (r *resolver) typed(d *document, path string) (*Schema, error) {
	names := []string(d.Type)
	if len(names) == 0 {
		for _, k := range d.Keywords {
			if t, ok := keywordTypes[k]; ok && !slices.Contains(names, t) {
				names = append(names, t)
			}
		}
		if len(names) == 0 {
			return anySchema, nil
		}
	}

	opts := make([]*Schema, 0, len(names))
	for _, name := range names {
		var s *Schema
		var err error
		switch name {
		case "null":
			s = &Schema{Kind: KindNull}
		case "boolean":
			s = &Schema{Kind: KindBoolean}
		case "integer", "number":
			s, err = r.number(d, name == "integer", path)
		case "string":
			s, err = r.string(d, path)
		case "array":
			s, err = r.array(d, path)
		case "object":
			s, err = r.object(d, path)
		default:
			return nil, fmt.Errorf("%w: unknown type %q at %s", ErrInvalid, name, path)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, s)
	}
	if len(opts) == 1 {
		return opts[0], nil
	}
	return &Schema{Kind: KindAnyOf, Options: opts}, nil
}

func parseFloat(n json.Number) (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// exclusiveBound decodes exclusiveMinimum or exclusiveMaximum, which is a
// number, or a boolean modifying the inclusive bound in draft 4.
func exclusiveBound(raw json.RawMessage) (v *float64, flag bool, err error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
		return nil, false, nil
	case bytes.Equal(raw, []byte("true")):
		return nil, true, nil
	case bytes.Equal(raw, []byte("false")):
		return nil, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}
	f, err := parseFloat(n)
	if err != nil {
		return nil, false, err
	}
	return &f, false, nil
}

func (r *resolver) number(d *document, integer bool, path string) (*Schema, error) {
	n := &Number{Integer: integer}
	if d.Minimum != nil {
		v, err := parseFloat(*d.Minimum)
		if err != nil {
			return nil, fmt.Errorf("%w: minimum at %s", ErrInvalid, path)
		}
		n.Minimum = &v
	}
	if d.Maximum != nil {
		v, err := parseFloat(*d.Maximum)
		if err != nil {
			return nil, fmt.Errorf("%w: maximum at %s", ErrInvalid, path)
		}
		n.Maximum = &v
	}
	exMin, flagMin, err := exclusiveBound(d.ExclusiveMinimum)
	if err != nil {
		return nil, fmt.Errorf("%w: exclusiveMinimum at %s", ErrInvalid, path)
	}
	exMax, flagMax, err := exclusiveBound(d.ExclusiveMaximum)
	if err != nil {
		return nil, fmt.Errorf("%w: exclusiveMaximum at %s", ErrInvalid, path)
	}
	n.ExclusiveMinimum = flagMin && n.Minimum != nil
	n.ExclusiveMaximum = flagMax && n.Maximum != nil
	if d.MultipleOf != nil {
		m, err := ParseDecimal(string(*d.MultipleOf))
		if err != nil {
			return nil, fmt.Errorf("%w: multipleOf at %s: %v", ErrInvalid, path, err)
		}
		n.MultipleOf = &m
	}

	s := &Schema{Kind: KindNumber, Number: n}
	if exMin != nil {
		s = intersectNumber(s, &Schema{Kind: KindNumber, Number: &Number{Minimum: exMin, ExclusiveMinimum: true}})
	}
	if exMax != nil {
		s = intersectNumber(s, &Schema{Kind: KindNumber, Number: &Number{Maximum: exMax, ExclusiveMaximum: true}})
	}
	return s, nil
}

// anchoredPattern turns a search pattern into one matching whole strings.
func anchoredPattern(p string) string {
	start := strings.HasPrefix(p, "^")
	end := strings.HasSuffix(p, "$") && !strings.HasSuffix(p, `\$`)
	p = strings.TrimPrefix(p, "^")
	if end {
		p = strings.TrimSuffix(p, "$")
	}
	p = "(?:" + p + ")"
	if !start {
		p = "(?s:.*)" + p
	}
	if !end {
		p += "(?s:.*)"
	}
	return p
}

func (r *resolver) string(d *document, path string) (*Schema, error) {
	s := &String{}
	if d.MinLength != nil {
		s.MinLength = *d.MinLength
	}
	s.MaxLength = d.MaxLength
	if d.Pattern != nil {
		if _, err := r.regexp(*d.Pattern); err != nil {
			return nil, err
		}
		s.Patterns = append(s.Patterns, anchoredPattern(*d.Pattern))
	}
	if d.Format != "" {
		if p, ok := formats[d.Format]; ok {
			s.Patterns = append(s.Patterns, p)
		} else {
			r.warn("unknown format %q at %s, using plain strings", d.Format, path)
		}
	}
	return &Schema{Kind: KindString, String: s}, nil
}

func (r *resolver) array(d *document, path string) (*Schema, error) {
	a := &Array{MaxItems: d.MaxItems}
	if d.MinItems != nil {
		a.MinItems = *d.MinItems
	}

	prefix, rest := d.PrefixItems, d.Items.Schema
	if d.Items.Tuple != nil {
		prefix, rest = d.Items.Tuple, d.AdditionalItems
	}
	for i, p := range prefix {
		s, err := r.fromDocument(p, fmt.Sprintf("%s/prefixItems/%d", path, i))
		if err != nil {
			return nil, err
		}
		a.PrefixItems = append(a.PrefixItems, s)
	}
	if rest != nil {
		s, err := r.fromDocument(rest, path+"/items")
		if err != nil {
			return nil, err
		}
		if s.Kind != KindAny {
			a.Items = s
		}
	}
	return &Schema{Kind: KindArray, Array: a}, nil
}

func (r *resolver) object(d *document, path string) (*Schema, error) {
	o := &Object{MaxProperties: d.MaxProperties}
	if d.MinProperties != nil {
		o.MinProperties = *d.MinProperties
	}
	if d.Properties.Len() > 0 {
		o.Properties = orderedmap.New[string, *Schema]()
		for name, p := range d.Properties.All() {
			s, err := r.fromDocument(p, path+"/properties/"+name)
			if err != nil {
				return nil, err
			}
			o.Properties.Set(name, s)
		}
	}
	if d.PatternProperties.Len() > 0 {
		o.PatternProperties = orderedmap.New[string, *Schema]()
		for pattern, p := range d.PatternProperties.All() {
			if _, err := r.regexp(pattern); err != nil {
				return nil, err
			}
			s, err := r.fromDocument(p, path+"/patternProperties/"+pattern)
			if err != nil {
				return nil, err
			}
			o.PatternProperties.Set(pattern, s)
		}
	}
	switch {
	case d.AdditionalProperties != nil:
		s, err := r.fromDocument(d.AdditionalProperties, path+"/additionalProperties")
		if err != nil {
			return nil, err
		}
		if s.Kind != KindAny {
			o.Additional = s
		}
	case !r.opts.AllowAdditionalProperties:
		o.Additional = unsat("additional properties are not allowed")
	}
	for _, name := range d.Required {
		if !slices.Contains(o.Required, name) {
			o.Required = append(o.Required, name)
		}
	}
	return &Schema{Kind: KindObject, Object: o}, nil
}

// constSchema describes exactly one JSON value.
func constSchema(raw json.RawMessage) (*Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	switch raw[0] {
	case 'n':
		return &Schema{Kind: KindNull}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return &Schema{Kind: KindLiteralBool, Literal: b}, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &Schema{Kind: KindString, String: &String{Const: &s}}, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, err
		}
		a := &Array{MinItems: len(elems), MaxItems: ptr(len(elems)), Items: unsat("no more items")}
		for _, e := range elems {
			s, err := constSchema(e)
			if err != nil {
				return nil, err
			}
			a.PrefixItems = append(a.PrefixItems, s)
		}
		return &Schema{Kind: KindArray, Array: a}, nil
	case '{':
		fields, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		o := &Object{
			Properties: orderedmap.New[string, *Schema](),
			Additional: unsat("no other properties"),
		}
		for k, v := range fields.All() {
			s, err := constSchema(v)
			if err != nil {
				return nil, err
			}
			o.Properties.Set(k, s)
			o.Required = append(o.Required, k)
		}
		return &Schema{Kind: KindObject, Object: o}, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	v, err := parseFloat(n)
	if err != nil || math.IsInf(v, 0) {
		return nil, fmt.Errorf("invalid number %s", raw)
	}
	return &Schema{Kind: KindNumber, Number: &Number{Minimum: &v, Maximum: ptr(v)}}, nil
}
