package toktrie

// TokEnv pairs a trie with the tokenizer that produced its vocabulary.
type TokEnv interface {
	TokTrie() *TokTrie
	// TokenizeBytes tokenizes raw bytes. Runs starting with
	// SpecialTokenPrefix name special tokens.
	TokenizeBytes(b []byte) []TokenID
}

// GreedyEnv tokenizes by longest match over the trie.
type GreedyEnv struct {
	Trie *TokTrie
}

func (e GreedyEnv) TokTrie() *TokTrie { return e.Trie }

func (e GreedyEnv) TokenizeBytes(b []byte) []TokenID {
	return e.Trie.GreedyTokenize(b)
}

// FuncEnv delegates tokenization to an externally supplied function.
type FuncEnv struct {
	Trie     *TokTrie
	Tokenize func([]byte) []TokenID
}

func (e FuncEnv) TokTrie() *TokTrie { return e.Trie }

func (e FuncEnv) TokenizeBytes(b []byte) []TokenID {
	if e.Tokenize == nil {
		return e.Trie.GreedyTokenize(b)
	}
	return e.Tokenize(b)
}
