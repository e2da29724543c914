package tokenizer

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/constrain/toktrie"
)

// Snapshot is the compact form of a vocabulary: enough to rebuild the token
// trie without the tokenizer that produced it.
type Snapshot struct {
	VocabSize  uint32   `cbor:"1,keyasint"`
	EOS        uint32   `cbor:"2,keyasint"`
	EOSAliases []uint32 `cbor:"3,keyasint,omitempty"`
	Tokens     [][]byte `cbor:"4,keyasint"`
}

// maxVocab bounds the arrays accepted when reading a snapshot.
const maxVocab = 1 << 22

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxArrayElements: maxVocab}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func NewSnapshot(trie *toktrie.TokTrie) *Snapshot {
	info := trie.Info()
	s := &Snapshot{
		VocabSize: info.VocabSize,
		EOS:       uint32(info.EOS),
		Tokens:    make([][]byte, info.VocabSize),
	}
	for _, a := range info.EOSAliases {
		s.EOSAliases = append(s.EOSAliases, uint32(a))
	}
	for i := range s.Tokens {
		s.Tokens[i] = trie.TokenBytes(toktrie.TokenID(i))
	}
	return s
}

func (s *Snapshot) Write(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(s)
}

func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := decMode.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("vocabulary snapshot: %w", err)
	}
	if uint32(len(s.Tokens)) != s.VocabSize {
		return nil, fmt.Errorf("vocabulary snapshot: %d tokens, header says %d", len(s.Tokens), s.VocabSize)
	}
	return &s, nil
}

func (s *Snapshot) Trie() (*toktrie.TokTrie, error) {
	info := toktrie.TokRxInfo{VocabSize: s.VocabSize, EOS: toktrie.TokenID(s.EOS)}
	for _, a := range s.EOSAliases {
		info.EOSAliases = append(info.EOSAliases, toktrie.TokenID(a))
	}
	return toktrie.FromBytes(info, s.Tokens)
}

// Env returns a greedy tokenizing environment, since the snapshot has no
// merge rules.
func (s *Snapshot) Env() (toktrie.TokEnv, error) {
	trie, err := s.Trie()
	if err != nil {
		return nil, err
	}
	return toktrie.GreedyEnv{Trie: trie}, nil
}
