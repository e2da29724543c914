package tokenizer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ollama/constrain/toktrie"
)

var ErrNoEOS = errors.New("vocabulary has no EOS token")

// Info describes the vocabulary for the token trie. The first EOS token is
// the canonical one; the rest are aliases.
func Info(tp TextProcessor) (toktrie.TokRxInfo, error) {
	vocab := tp.Vocabulary()
	if len(vocab.EOS) == 0 {
		return toktrie.TokRxInfo{}, ErrNoEOS
	}
	info := toktrie.TokRxInfo{
		VocabSize: uint32(vocab.Len()),
		EOS:       toktrie.TokenID(vocab.EOS[0]),
	}
	for _, id := range vocab.EOS[1:] {
		info.EOSAliases = append(info.EOSAliases, toktrie.TokenID(id))
	}
	return info, nil
}

// Env implements toktrie.TokEnv over a BPE tokenizer.
type Env struct {
	bpe  *BytePairEncoding
	trie *toktrie.TokTrie
}

var _ toktrie.TokEnv = (*Env)(nil)

func NewEnv(bpe *BytePairEncoding) (*Env, error) {
	info, err := Info(bpe)
	if err != nil {
		return nil, err
	}
	words := make([][]byte, bpe.vocab.Len())
	for i := range words {
		words[i] = bpe.TokenBytes(int32(i))
	}
	trie, err := toktrie.FromBytes(info, words)
	if err != nil {
		return nil, fmt.Errorf("token trie: %w", err)
	}
	return &Env{bpe: bpe, trie: trie}, nil
}

func (e *Env) TokTrie() *toktrie.TokTrie {
	return e.trie
}

func (e *Env) Tokenizer() *BytePairEncoding {
	return e.bpe
}

// TokenizeBytes tokenizes text in which special tokens are written as 0xFF
// followed by their name. Special token names in plain text are not
// recognized.
func (e *Env) TokenizeBytes(b []byte) []toktrie.TokenID {
	var ids []int32
	for len(b) > 0 {
		i := bytes.IndexByte(b, toktrie.SpecialTokenPrefix)
		if i < 0 {
			ids = e.bpe.appendText(ids, string(b))
			break
		}
		ids = e.bpe.appendText(ids, string(b[:i]))
		n, id := e.special(b[i+1:])
		if n == 0 {
			ids = e.bpe.appendText(ids, string(b[i:i+1]))
			b = b[i+1:]
			continue
		}
		ids = append(ids, id)
		b = b[i+1+n:]
	}

	out := make([]toktrie.TokenID, len(ids))
	for i, id := range ids {
		out[i] = toktrie.TokenID(id)
	}
	return out
}

// special finds the longest control token name at the start of b.
func (e *Env) special(b []byte) (int, int32) {
	for _, name := range e.bpe.vocab.Specials() {
		if !bytes.HasPrefix(b, []byte(name)) {
			continue
		}
		if id := e.bpe.vocab.ID(name); id >= 0 && e.bpe.vocab.kind(id) == TokenControl {
			return len(name), id
		}
	}
	return 0, 0
}
