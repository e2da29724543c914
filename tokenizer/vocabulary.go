package tokenizer

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
)

// TokenType classifies vocabulary entries the way GGUF and SentencePiece do.
type TokenType int32

const (
	TokenNormal TokenType = iota + 1
	TokenUnknown
	TokenControl
	TokenUserDefined
	TokenUnused
	TokenByte
)

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
)

// Vocabulary is a token table plus the merge list of a BPE model. Fields
// must not change after the first lookup.
type Vocabulary struct {
	Values []string
	Types  []TokenType
	Merges []string

	BOS, EOS       []int32
	AddBOS, AddEOS bool

	once  sync.Once
	index vocabIndex
}

type vocabIndex struct {
	ids      map[string]int32
	ranks    map[string]int
	specials []string
}

func (v *Vocabulary) lookup() *vocabIndex {
	v.once.Do(func() {
		ix := vocabIndex{
			ids:   make(map[string]int32, len(v.Values)),
			ranks: make(map[string]int, len(v.Merges)),
		}
		for i, value := range v.Values {
			id := int32(i)
			switch v.kind(id) {
			case TokenUnused:
				continue
			case TokenControl, TokenUserDefined:
				ix.specials = append(ix.specials, value)
			}
			if _, dup := ix.ids[value]; !dup {
				ix.ids[value] = id
			}
		}
		slices.SortStableFunc(ix.specials, func(a, b string) int {
			return cmp.Compare(len(b), len(a))
		})
		for rank, m := range v.Merges {
			if _, dup := ix.ranks[m]; !dup {
				ix.ranks[m] = rank
			}
		}
		v.index = ix
	})
	return &v.index
}

func (v *Vocabulary) Is(id int32, special Special) bool {
	switch special {
	case SpecialBOS:
		return slices.Contains(v.BOS, id)
	case SpecialEOS:
		return slices.Contains(v.EOS, id)
	}
	return false
}

func (v *Vocabulary) Len() int { return len(v.Values) }

// kind defaults to TokenNormal for vocabularies without type information.
func (v *Vocabulary) kind(id int32) TokenType {
	if int(id) < len(v.Types) {
		return v.Types[id]
	}
	return TokenNormal
}

// ID returns the id of a token value, or -1. Unused slots never match.
func (v *Vocabulary) ID(s string) int32 {
	if id, ok := v.lookup().ids[s]; ok {
		return id
	}
	return -1
}

// Rank returns the priority of merging left and right, lower first, or -1.
func (v *Vocabulary) Rank(left, right string) int {
	if r, ok := v.lookup().ranks[left+" "+right]; ok {
		return r
	}
	return -1
}

// Specials lists control and user-defined tokens, longest first.
func (v *Vocabulary) Specials() []string {
	return v.lookup().specials
}

// withSpecials adds BOS and EOS around ids when the model asks for them.
func (v *Vocabulary) withSpecials(ids []int32) []int32 {
	if v.AddBOS && len(v.BOS) > 0 {
		if len(ids) > 0 && v.Is(ids[0], SpecialBOS) {
			slog.Warn("prompt already starts with bos", "id", ids[0])
		}
		ids = slices.Insert(ids, 0, v.BOS[0])
	}
	if v.AddEOS && len(v.EOS) > 0 {
		if len(ids) > 0 && v.Is(ids[len(ids)-1], SpecialEOS) {
			slog.Warn("prompt already ends with eos", "id", ids[len(ids)-1])
		}
		ids = append(ids, v.EOS[0])
	}
	return ids
}
