package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var ErrUnsupported = errors.New("unsupported tokenizer")

// Config holds the companion files of a tokenizer.json that name the BOS and
// EOS tokens. All fields are optional.
type Config struct {
	TokenizerConfigJSON  []byte // tokenizer_config.json
	GenerationConfigJSON []byte // generation_config.json
}

// eosNames are tried, in order, when no configuration names the EOS token.
var eosNames = []string{"<|endoftext|>", "<|im_end|>", "<|eot_id|>", "<|end|>", "</s>", "<eos>"}

// LoadDescription builds a tokenizer from a HuggingFace tokenizer.json
// document. Only BPE models are supported.
func LoadDescription(data []byte, config *Config) (*BytePairEncoding, error) {
	var raw struct {
		Model struct {
			Type   string           `json:"type"`
			Vocab  map[string]int32 `json:"vocab"`
			Merges json.RawMessage  `json:"merges"`
		} `json:"model"`
		PreTokenizer json.RawMessage `json:"pre_tokenizer"`
		Decoder      json.RawMessage `json:"decoder"`
		AddedTokens  []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tokenizer description: %w", err)
	}
	if raw.Model.Type != "BPE" {
		return nil, fmt.Errorf("%w: model type %q", ErrUnsupported, raw.Model.Type)
	}

	merges, err := parseMerges(raw.Model.Merges)
	if err != nil {
		return nil, err
	}

	size := int32(0)
	for _, id := range raw.Model.Vocab {
		size = max(size, id+1)
	}
	for _, tok := range raw.AddedTokens {
		size = max(size, tok.ID+1)
	}
	vocab := &Vocabulary{
		Values: make([]string, size),
		Types:  make([]TokenType, size),
		Merges: merges,
	}
	for i := range vocab.Types {
		vocab.Types[i] = TokenUnused
	}
	for value, id := range raw.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer description: negative id for %q", value)
		}
		vocab.Values[id] = value
		vocab.Types[id] = TokenNormal
		if len(value) == 6 && value[:3] == "<0x" && value[5] == '>' {
			vocab.Types[id] = TokenByte
		}
	}
	for _, tok := range raw.AddedTokens {
		vocab.Values[tok.ID] = tok.Content
		vocab.Types[tok.ID] = TokenUserDefined
		if tok.Special {
			vocab.Types[tok.ID] = TokenControl
		}
	}

	if config != nil {
		applyConfig(vocab, config)
	}
	if len(vocab.EOS) == 0 {
		for _, name := range eosNames {
			if id := vocab.ID(name); id >= 0 {
				vocab.EOS = []int32{id}
				break
			}
		}
	}

	byteLevel := !detectSentencePiece(raw.Decoder)
	var pretokenizers []string
	if p := extractPretokenizer(raw.PreTokenizer); p != "" {
		pretokenizers = append(pretokenizers, p)
	}
	return NewBytePairEncoding(vocab, byteLevel, pretokenizers...)
}

// parseMerges accepts both ["a b", ...] and [["a", "b"], ...].
func parseMerges(data json.RawMessage) ([]string, error) {
	if data == nil {
		return nil, nil
	}
	var merges []string
	if err := json.Unmarshal(data, &merges); err == nil {
		return merges, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("tokenizer description: merges: %w", err)
	}
	merges = make([]string, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("tokenizer description: merge %d has %d parts", i, len(p))
		}
		merges[i] = p[0] + " " + p[1]
	}
	return merges, nil
}

// tokenIDs accepts a single id or a list of ids.
func tokenIDs(v any) []int32 {
	switch val := v.(type) {
	case float64:
		return []int32{int32(val)}
	case []any:
		ids := make([]int32, 0, len(val))
		for _, id := range val {
			if f, ok := id.(float64); ok {
				ids = append(ids, int32(f))
			}
		}
		return ids
	}
	return nil
}

// tokenString accepts "tok" or {"content": "tok"}.
func tokenString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		s, _ := val["content"].(string)
		return s
	}
	return ""
}

// applyConfig reads BOS and EOS, preferring generation_config.json.
func applyConfig(vocab *Vocabulary, config *Config) {
	if len(config.GenerationConfigJSON) > 0 {
		var gen struct {
			EOSTokenID any `json:"eos_token_id"`
			BOSTokenID any `json:"bos_token_id"`
		}
		if err := json.Unmarshal(config.GenerationConfigJSON, &gen); err == nil {
			vocab.EOS = tokenIDs(gen.EOSTokenID)
			vocab.BOS = tokenIDs(gen.BOSTokenID)
		}
	}

	if len(config.TokenizerConfigJSON) > 0 {
		var tc struct {
			BOSToken    any   `json:"bos_token"`
			EOSToken    any   `json:"eos_token"`
			AddBOSToken *bool `json:"add_bos_token"`
			AddEOSToken *bool `json:"add_eos_token"`
		}
		if err := json.Unmarshal(config.TokenizerConfigJSON, &tc); err == nil {
			if id := vocab.ID(tokenString(tc.BOSToken)); id >= 0 && len(vocab.BOS) == 0 {
				vocab.BOS = []int32{id}
			}
			if id := vocab.ID(tokenString(tc.EOSToken)); id >= 0 && !slices.Contains(vocab.EOS, id) {
				vocab.EOS = append(vocab.EOS, id)
			}
			if tc.AddBOSToken != nil {
				vocab.AddBOS = *tc.AddBOSToken
			}
			if tc.AddEOSToken != nil {
				vocab.AddEOS = *tc.AddEOSToken
			}
		}
	}
}

// detectSentencePiece reports whether the decoder turns U+2581 back into
// spaces, as SentencePiece-derived vocabularies do.
func detectSentencePiece(data json.RawMessage) bool {
	if data == nil {
		return false
	}

	var seq struct {
		Type     string `json:"type"`
		Decoders []struct {
			Type    string `json:"type"`
			Pattern struct {
				String string `json:"String"`
			} `json:"pattern"`
		} `json:"decoders"`
	}
	if err := json.Unmarshal(data, &seq); err != nil || seq.Type != "Sequence" {
		return false
	}
	for _, dec := range seq.Decoders {
		if dec.Type == "Replace" && dec.Pattern.String == sentencePieceSpace {
			return true
		}
	}
	return false
}

// extractPretokenizer returns the first Split pattern of the pre_tokenizer,
// alone or inside a Sequence.
func extractPretokenizer(data json.RawMessage) string {
	if data == nil {
		return ""
	}

	type split struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}
	var single split
	if err := json.Unmarshal(data, &single); err == nil && single.Pattern.Regex != "" {
		return single.Pattern.Regex
	}

	var seq struct {
		Type          string  `json:"type"`
		Pretokenizers []split `json:"pretokenizers"`
	}
	if err := json.Unmarshal(data, &seq); err == nil && seq.Type == "Sequence" {
		for _, pt := range seq.Pretokenizers {
			if pt.Type == "Split" && pt.Pattern.Regex != "" {
				return pt.Pattern.Regex
			}
		}
	}
	return ""
}
