package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/constrain/internal/orderedmap"
)

// document is a JSON Schema node as written, before any keyword is
// interpreted.
type document struct {
	// Bool is set for the boolean schemas true and false.
	Bool *bool `json:"-"`

	// Keywords lists every key of the node in input order.
	Keywords []string `json:"-"`

	ID   string `json:"$id"`
	Ref  string `json:"$ref"`
	Type types  `json:"type"`

	// Const is nil when absent and "null" for a null constant.
	Const json.RawMessage   `json:"const"`
	Enum  []json.RawMessage `json:"enum"`

	AllOf []*document `json:"allOf"`
	AnyOf []*document `json:"anyOf"`
	OneOf []*document `json:"oneOf"`

	// Properties keeps the declaration order of the properties. A key
	// declared twice keeps its first position and its last value.
	Properties           props     `json:"properties"`
	PatternProperties    props     `json:"patternProperties"`
	AdditionalProperties *document `json:"additionalProperties"`
	Required             []string  `json:"required"`
	MinProperties        *int      `json:"minProperties"`
	MaxProperties        *int      `json:"maxProperties"`

	// Items is the schema for each item in a list, or a tuple in the
	// draft-4 array form.
	Items           items       `json:"items"`
	PrefixItems     []*document `json:"prefixItems"`
	AdditionalItems *document   `json:"additionalItems"`
	MinItems        *int        `json:"minItems"`
	MaxItems        *int        `json:"maxItems"`

	MinLength *int    `json:"minLength"`
	MaxLength *int    `json:"maxLength"`
	Pattern   *string `json:"pattern"`

	// Format is the format of a string. Unknown formats are accepted as
	// plain strings.
	Format string `json:"format"`

	Minimum          *json.Number    `json:"minimum"`
	Maximum          *json.Number    `json:"maximum"`
	ExclusiveMinimum json.RawMessage `json:"exclusiveMinimum"`
	ExclusiveMaximum json.RawMessage `json:"exclusiveMaximum"`
	MultipleOf       *json.Number    `json:"multipleOf"`

	XGuidance json.RawMessage `json:"x-guidance"`
}

func (d *document) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		*d = document{Bool: new(bool)}
		*d.Bool = true
		return nil
	case bytes.Equal(data, []byte("false")):
		*d = document{Bool: new(bool)}
		return nil
	case len(data) == 0 || data[0] != '{':
		return errors.New("schema must be an object or a boolean")
	}

	keys, err := keywords(data)
	if err != nil {
		return err
	}

	type D document
	if err := json.Unmarshal(data, (*D)(d)); err != nil {
		return err
	}
	d.Keywords = keys
	return nil
}

func (d *document) has(keyword string) bool {
	return slices.Contains(d.Keywords, keyword)
}

// keywords returns the keys of a JSON object in input order.
func keywords(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if t, err := dec.Token(); err != nil {
		return nil, err
	} else if t != json.Delim('{') {
		return nil, errors.New("expected object")
	}
	var keys []string
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, t.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// types is the type keyword, either a single name or a list.
type types []string

func (t *types) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = types{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("invalid type: %s", data)
	}
	*t = many
	return nil
}

type items struct {
	Schema *document
	Tuple  []*document
	set    bool
}

func (s *items) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("invalid items")
	}
	switch b := data[0]; b {
	case 't', 'f', '{':
		var d document
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		*s = items{Schema: &d, set: true}
	case '[':
		var tuple []*document
		if err := json.Unmarshal(data, &tuple); err != nil {
			return err
		}
		*s = items{Tuple: tuple, set: true}
	case 'n':
	default:
		return errors.New("invalid items")
	}
	return nil
}

// props is an ordered set of named schemas. The order of the properties
// is the order in which they were defined in the schema.
type props struct {
	*orderedmap.Map[string, *document]
}

var _ json.Unmarshaler = (*props)(nil)

func (v *props) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] != '{' {
		return errors.New("expected object")
	}

	d := json.NewDecoder(bytes.NewReader(data))
	t, err := d.Token()
	if err != nil {
		return err
	}
	if t != json.Delim('{') {
		return errors.New("expected object")
	}
	v.Map = orderedmap.New[string, *document]()
	for d.More() {
		// Use the first token (map key) as the property name, then
		// decode the rest of the object fields into a document.
		t, err := d.Token()
		if err != nil {
			return err
		}
		s := &document{}
		if err := d.Decode(s); err != nil {
			return fmt.Errorf("property %q: %w", t, err)
		}
		v.Set(t.(string), s)
	}
	return nil
}

// decodeObject decodes a JSON object keeping key order. Duplicate keys keep
// the last value.
func decodeObject(data []byte) (*orderedmap.Map[string, json.RawMessage], error) {
	m := orderedmap.New[string, json.RawMessage]()
	d := json.NewDecoder(bytes.NewReader(data))
	if t, err := d.Token(); err != nil {
		return nil, err
	} else if t != json.Delim('{') {
		return nil, errors.New("expected object")
	}
	for d.More() {
		t, err := d.Token()
		if err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := d.Decode(&raw); err != nil {
			return nil, err
		}
		m.Set(t.(string), raw)
	}
	return m, nil
}

// pointer follows a JSON pointer (RFC 6901) through a raw document.
func pointer(doc json.RawMessage, ptr string) (json.RawMessage, error) {
	if ptr == "" {
		return doc, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("invalid JSON pointer %q", ptr)
	}
	cur := doc
	for _, tok := range strings.Split(ptr[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		cur = bytes.TrimSpace(cur)
		if len(cur) == 0 {
			return nil, fmt.Errorf("JSON pointer %q: not found", ptr)
		}
		switch cur[0] {
		case '{':
			obj, err := decodeObject(cur)
			if err != nil {
				return nil, err
			}
			next, ok := obj.Get(tok)
			if !ok {
				return nil, fmt.Errorf("JSON pointer %q: no key %q", ptr, tok)
			}
			cur = next
		case '[':
			var arr []json.RawMessage
			if err := json.Unmarshal(cur, &arr); err != nil {
				return nil, err
			}
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(arr) {
				return nil, fmt.Errorf("JSON pointer %q: bad index %q", ptr, tok)
			}
			cur = arr[i]
		default:
			return nil, fmt.Errorf("JSON pointer %q: not found", ptr)
		}
	}
	return cur, nil
}
