package tokenizer

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/ollama/constrain/logutil"
)

// DefaultPretokenizer is the GPT-2 byte-level split pattern.
const DefaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// sentencePieceSpace replaces spaces in SentencePiece-style vocabularies.
const sentencePieceSpace = "▁"

type TextProcessor interface {
	Encode(s string, addSpecial bool) ([]int32, error)
	Decode(ids []int32) (string, error)
	Is(id int32, special Special) bool
	Vocabulary() *Vocabulary
}

// BytePairEncoding is a BPE tokenizer. Byte-level vocabularies spell every
// byte as a printable rune; the others spell spaces as U+2581 and fall back
// to <0xNN> byte tokens.
type BytePairEncoding struct {
	vocab     *Vocabulary
	regexps   []*regexp2.Regexp
	byteLevel bool

	byteTokens [256]int32
}

var _ TextProcessor = (*BytePairEncoding)(nil)

func NewBytePairEncoding(vocab *Vocabulary, byteLevel bool, pretokenizers ...string) (*BytePairEncoding, error) {
	if len(pretokenizers) == 0 && byteLevel {
		pretokenizers = []string{DefaultPretokenizer}
	}

	bpe := &BytePairEncoding{vocab: vocab, byteLevel: byteLevel}
	for _, p := range pretokenizers {
		re, err := regexp2.Compile(p, regexp2.RE2)
		if err != nil {
			return nil, fmt.Errorf("pretokenizer %q: %w", p, err)
		}
		bpe.regexps = append(bpe.regexps, re)
	}

	for b := range bpe.byteTokens {
		bpe.byteTokens[b] = vocab.ID(fmt.Sprintf("<0x%02X>", b))
	}
	return bpe, nil
}

func (bpe *BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe *BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

func (bpe *BytePairEncoding) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range bpe.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if m.Index > offset {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return slices.Values(parts)
}

// byteRune maps a byte to the printable rune byte-level vocabularies use for
// it.
func byteRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	}
	return r
}

// runeByte inverts byteRune.
func runeByte(r rune) (byte, bool) {
	switch {
	case r == 0x0143:
		return 0xad, true
	case r >= 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r >= 0x0121 && r <= 0x0142:
		return byte(r - 0x00a2), true
	case r <= 0xff:
		return byte(r), true
	}
	return 0, false
}

// pair is a pair of adjacent pieces and the rank of their merge.
type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	runes []rune
}

// Encode tokenizes s, cutting out special tokens first.
func (bpe *BytePairEncoding) Encode(s string, addSpecial bool) ([]int32, error) {
	var ids []int32
	for _, frag := range splitSpecialTokens(s, bpe.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}
		ids = bpe.appendText(ids, frag.value)
	}

	if addSpecial {
		ids = bpe.vocab.withSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

// appendText tokenizes s as plain text.
func (bpe *BytePairEncoding) appendText(ids []int32, s string) []int32 {
	for split := range bpe.split(s) {
		var sb strings.Builder
		if bpe.byteLevel {
			for _, b := range []byte(split) {
				sb.WriteRune(byteRune(b))
			}
		} else {
			sb.WriteString(strings.ReplaceAll(split, " ", sentencePieceSpace))
		}

		if id := bpe.vocab.ID(sb.String()); id >= 0 {
			ids = append(ids, id)
			continue
		}

		for _, piece := range bpe.merge([]rune(sb.String())) {
			if id := bpe.vocab.ID(piece); id >= 0 {
				ids = append(ids, id)
				continue
			}
			for _, b := range []byte(piece) {
				if id := bpe.byteTokens[b]; id >= 0 {
					ids = append(ids, id)
				} else {
					slog.Debug("dropping byte missing from vocabulary", "byte", b)
				}
			}
		}
	}
	return ids
}

// merge applies merges in rank order and returns the resulting pieces.
func (bpe *BytePairEncoding) merge(runes []rune) []string {
	merges := make([]merge, len(runes))
	for r := range runes {
		merges[r] = merge{
			p:     r - 1,
			n:     r + 1,
			runes: []rune{runes[r]},
		}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[b].runes)
		rank := bpe.vocab.Rank(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != pair.value {
			continue
		}

		if id := bpe.vocab.ID(pair.value); id < 0 {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var pieces []string
	for _, m := range merges {
		if len(m.runes) > 0 {
			pieces = append(pieces, string(m.runes))
		}
	}
	return pieces
}

// TokenBytes returns the bytes a token stands for. Control tokens are
// returned as 0xFF followed by their name, matching the trie convention for
// special tokens.
func (bpe *BytePairEncoding) TokenBytes(id int32) []byte {
	if id < 0 || int(id) >= bpe.vocab.Len() {
		return nil
	}
	value := bpe.vocab.Values[id]
	switch bpe.vocab.kind(id) {
	case TokenUnused:
		return nil
	case TokenControl:
		return append([]byte{0xff}, value...)
	case TokenUserDefined:
		return []byte(value)
	case TokenByte:
		if len(value) == 6 {
			if b, err := strconv.ParseUint(value[3:5], 16, 8); err == nil {
				return []byte{byte(b)}
			}
		}
	}

	if !bpe.byteLevel {
		return []byte(strings.ReplaceAll(value, sentencePieceSpace, " "))
	}
	out := make([]byte, 0, len(value))
	for _, r := range value {
		b, ok := runeByte(r)
		if !ok {
			// not byte-level encoded; keep the UTF-8 text
			return []byte(value)
		}
		out = append(out, b)
	}
	return out
}

type lazyIdsString struct {
	ids []int32
}

func (l lazyIdsString) LogValue() slog.Value {
	return slog.AnyValue(fmt.Sprint(l.ids))
}

// Decode joins token bytes, dropping the markers of control tokens.
func (bpe *BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= bpe.vocab.Len() {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		b := bpe.TokenBytes(id)
		if bpe.vocab.kind(id) == TokenControl {
			b = b[1:]
		}
		sb.Write(b)
	}

	logutil.Trace("decoded", "string", sb.String(), "from", lazyIdsString{ids: ids})
	return sb.String(), nil
}
