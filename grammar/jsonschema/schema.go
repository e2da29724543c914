// Package jsonschema compiles JSON Schema documents into grammars that
// generate only JSON matching the schema.
package jsonschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/constrain/internal/orderedmap"
)

var (
	ErrUnsupported = errors.New("unsupported schema")
	ErrInvalid     = errors.New("invalid schema")
)

// UnsatisfiableError reports a schema no JSON value can satisfy.
type UnsatisfiableError struct {
	Path   string
	Reason string
}

func (e *UnsatisfiableError) Error() string {
	if e.Path == "" {
		return "unsatisfiable schema: " + e.Reason
	}
	return fmt.Sprintf("unsatisfiable schema at %s: %s", e.Path, e.Reason)
}

type Kind int

const (
	KindAny Kind = iota
	KindUnsatisfiable
	KindNull
	KindBoolean
	KindLiteralBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindAnyOf
	KindOneOf
	KindRef
)

var kindNames = [...]string{"any", "unsatisfiable", "null", "boolean", "literal_bool", "number", "string", "array", "object", "anyOf", "oneOf", "$ref"}

func (k Kind) String() string {
	return kindNames[k]
}

// Schema is the algebraic form of a JSON Schema. Combinators are resolved
// into intersections and unions of these nodes.
type Schema struct {
	Kind Kind `json:"kind"`

	Reason  string    `json:"reason,omitempty"`
	Literal bool      `json:"literal,omitempty"`
	Number  *Number   `json:"number,omitempty"`
	String  *String   `json:"string,omitempty"`
	Array   *Array    `json:"array,omitempty"`
	Object  *Object   `json:"object,omitempty"`
	Options []*Schema `json:"options,omitempty"`
	Ref     string    `json:"ref,omitempty"`
}

type Number struct {
	Minimum          *float64 `json:"minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty"`
	ExclusiveMinimum bool     `json:"exclusive_minimum,omitempty"`
	ExclusiveMaximum bool     `json:"exclusive_maximum,omitempty"`
	Integer          bool     `json:"integer,omitempty"`
	MultipleOf       *Decimal `json:"multiple_of,omitempty"`
}

type String struct {
	MinLength int  `json:"min_length,omitempty"`
	MaxLength *int `json:"max_length,omitempty"`
	// Patterns must all match the whole decoded string.
	Patterns []string `json:"patterns,omitempty"`
	// Const restricts the string to one value.
	Const *string `json:"const,omitempty"`
}

type Array struct {
	MinItems    int       `json:"min_items,omitempty"`
	MaxItems    *int      `json:"max_items,omitempty"`
	PrefixItems []*Schema `json:"prefix_items,omitempty"`
	// Items applies after PrefixItems. Nil allows anything.
	Items *Schema `json:"items,omitempty"`
}

type Object struct {
	Properties        *orderedmap.Map[string, *Schema] `json:"properties,omitempty"`
	PatternProperties *orderedmap.Map[string, *Schema] `json:"pattern_properties,omitempty"`
	// Additional applies to keys matched by neither Properties nor
	// PatternProperties. Nil allows anything.
	Additional    *Schema  `json:"additional,omitempty"`
	Required      []string `json:"required,omitempty"`
	MinProperties int      `json:"min_properties,omitempty"`
	MaxProperties *int     `json:"max_properties,omitempty"`
}

var (
	anySchema = &Schema{Kind: KindAny}
)

func unsat(format string, args ...any) *Schema {
	return &Schema{Kind: KindUnsatisfiable, Reason: fmt.Sprintf(format, args...)}
}

func (s *Schema) IsUnsat() bool {
	return s.Kind == KindUnsatisfiable
}

// IsScalar reports whether the schema compiles to a single lexeme.
func (s *Schema) IsScalar() bool {
	switch s.Kind {
	case KindNull, KindBoolean, KindLiteralBool, KindNumber, KindString:
		return true
	case KindAnyOf, KindOneOf:
		for _, o := range s.Options {
			if !o.IsScalar() {
				return false
			}
		}
		return true
	}
	return false
}

// key identifies the schema structurally.
func (s *Schema) key() string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func ptr[T any](v T) *T { return &v }

func (o *Object) isRequired(name string) bool {
	for _, r := range o.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Describe returns a short description for diagnostics.
func (s *Schema) Describe() string {
	var sb strings.Builder
	s.describe(&sb)
	return sb.String()
}

func (s *Schema) describe(sb *strings.Builder) {
	switch s.Kind {
	case KindAnyOf, KindOneOf:
		sb.WriteString(s.Kind.String())
		sb.WriteString("(")
		for i, o := range s.Options {
			if i > 0 {
				sb.WriteString(", ")
			}
			o.describe(sb)
		}
		sb.WriteString(")")
	case KindLiteralBool:
		fmt.Fprintf(sb, "%t", s.Literal)
	case KindRef:
		sb.WriteString(s.Ref)
	case KindUnsatisfiable:
		fmt.Fprintf(sb, "unsatisfiable(%s)", s.Reason)
	case KindNumber:
		if s.Number.Integer {
			sb.WriteString("integer")
		} else {
			sb.WriteString("number")
		}
	case KindString:
		if s.String.Const != nil {
			b, _ := json.Marshal(*s.String.Const)
			sb.Write(b)
		} else {
			sb.WriteString("string")
		}
	default:
		sb.WriteString(s.Kind.String())
	}
}
