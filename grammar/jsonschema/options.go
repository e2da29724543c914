package jsonschema

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

const DefaultWhitespace = `[\x20\x0A\x0D\x09]+`

// Options control how a schema is rendered into a grammar. A schema may
// override them with an "x-guidance" object at its root.
type Options struct {
	ItemSeparator string `mapstructure:"item_separator"`
	KeySeparator  string `mapstructure:"key_separator"`
	// WhitespaceFlexible allows whitespace between any two tokens, matching
	// WhitespacePattern or DefaultWhitespace.
	WhitespaceFlexible bool   `mapstructure:"whitespace_flexible"`
	WhitespacePattern  string `mapstructure:"whitespace_pattern"`
	// CoerceOneOf treats every oneOf as anyOf.
	CoerceOneOf bool `mapstructure:"coerce_one_of"`
	// Lenient turns unsupported keywords and constraints into warnings.
	Lenient bool `mapstructure:"lenient"`
	// AllowAdditionalProperties applies when additionalProperties is absent.
	AllowAdditionalProperties bool `mapstructure:"allow_additional_properties"`
}

func DefaultOptions() Options {
	return Options{ItemSeparator: ",", KeySeparator: ":"}
}

// Merge decodes options from a generic map, such as parsed JSON. Unknown
// keys are an error.
func (o *Options) Merge(raw map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      o,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: x-guidance: %v", ErrInvalid, err)
	}
	return nil
}

// FromDocument returns the options with the document's "x-guidance"
// overrides applied.
func (o Options) FromDocument(doc []byte) (Options, error) {
	var head struct {
		XGuidance map[string]any `json:"x-guidance"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		// boolean schemas have no options
		return o, nil
	}
	if head.XGuidance != nil {
		if err := o.Merge(head.XGuidance); err != nil {
			return o, err
		}
	}
	return o, nil
}
