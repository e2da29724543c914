package toktrie

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/constrain/regex"
)

func newTestTrie(t testing.TB, words ...string) *TokTrie {
	t.Helper()
	bs := make([][]byte, len(words))
	for i, w := range words {
		bs[i] = []byte(w)
	}
	trie, err := FromBytes(TokRxInfo{VocabSize: uint32(len(words)), EOS: TokenID(len(words) - 1)}, bs)
	require.NoError(t, err)
	require.NoError(t, trie.checkInvariants())
	return trie
}

// regexRecognizer accepts prefixes of a regex language.
type regexRecognizer struct {
	a     *regex.Automaton
	stack []regex.ExprRef
}

func newRegexRecognizer(t testing.TB, pattern string) *regexRecognizer {
	t.Helper()
	set := regex.NewExprSet()
	e, err := set.Parse(pattern, regex.ParseOptions{})
	require.NoError(t, err)
	return &regexRecognizer{a: regex.NewAutomaton(set), stack: []regex.ExprRef{e}}
}

func (r *regexRecognizer) TryPushByte(b byte) bool {
	next := r.a.Next(r.stack[len(r.stack)-1], b)
	if next == regex.NoMatch {
		return false
	}
	r.stack = append(r.stack, next)
	return true
}

func (r *regexRecognizer) PopBytes(n int) { r.stack = r.stack[:len(r.stack)-n] }

func (r *regexRecognizer) Collapse() { r.stack = r.stack[len(r.stack)-1:] }

func (r *regexRecognizer) TrieStarted(string) {}

func (r *regexRecognizer) TrieFinished() {}

func (r *regexRecognizer) Err() error { return nil }

var testVocab = []string{
	"a", "b", "c", "ab", "abc", "abd", "ba", "bab", "x", "xy", "xyz", " ", " a", "{", "}", `"`, `{"`,
	"0", "1", "12", "123", "\xff<|end|>", "",
}

func TestTrieLayout(t *testing.T) {
	trie := newTestTrie(t, testVocab...)

	tok, ok := trie.TokenID([]byte("abc"))
	require.True(t, ok)
	assert.Equal(t, TokenID(4), tok)
	_, ok = trie.TokenID([]byte("abz"))
	assert.False(t, ok)
	assert.True(t, trie.HasPrefix([]byte("xy")))
	assert.Equal(t, 8, trie.MaxTokenLen())

	special, ok := trie.SpecialToken("<|end|>")
	require.True(t, ok)
	assert.True(t, trie.IsSpecial(special))
	assert.Equal(t, "<|end|>", trie.TokenString(special))
	assert.Equal(t, `"ab"`, trie.TokenString(3))
}

func TestFromLengths(t *testing.T) {
	trie, err := FromLengths(TokRxInfo{VocabSize: 3, EOS: 2}, []uint32{1, 2, 0}, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), trie.TokenBytes(1))

	_, err = FromLengths(TokRxInfo{VocabSize: 2}, []uint32{1, 5}, []byte("abc"))
	require.Error(t, err)
}

func TestComputeBiasMatchesBruteForce(t *testing.T) {
	trie := newTestTrie(t, testVocab...)

	patterns := []string{`(a|b)+`, `ab[cd]?x*`, `[0-9]+`, `\{"?`, ` ?a`, `xyz`, `.*`}
	for _, pattern := range patterns {
		t.Run(pattern, func(t *testing.T) {
			r := newRegexRecognizer(t, pattern)
			mask := NewBitmask(trie.VocabSize())
			trie.ComputeBias(r, nil, mask)
			require.Len(t, r.stack, 1, "walk must leave the recognizer where it started")

			var want, got []TokenID
			for i, w := range testVocab {
				if w == "" {
					continue
				}
				fresh := newRegexRecognizer(t, pattern)
				ok := true
				for _, b := range []byte(w) {
					if !fresh.TryPushByte(b) {
						ok = false
						break
					}
				}
				if ok {
					want = append(want, TokenID(i))
				}
			}
			for tok := range mask.Tokens {
				got = append(got, tok)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mask mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestComputeBiasAnythingGoes(t *testing.T) {
	trie := newTestTrie(t, testVocab...)
	r := &AnythingGoes{}
	mask := NewBitmask(trie.VocabSize())
	trie.ComputeBias(r, nil, mask)
	assert.Equal(t, len(testVocab)-1, mask.Count())
	assert.Equal(t, 0, r.depth)
}

func TestComputeBiasWithPrefix(t *testing.T) {
	trie := newTestTrie(t, testVocab...)

	// "ab" is already forced; the recognizer sits after it and wants "d"
	r := NewFixedString("d")
	mask := NewBitmask(trie.VocabSize())
	trie.ComputeBias(r, []byte("ab"), mask)

	var got []string
	for tok := range mask.Tokens {
		got = append(got, string(trie.TokenBytes(tok)))
	}
	slices.Sort(got)
	assert.Equal(t, []string{"a", "ab", "abd"}, got)
}

func TestChopTokens(t *testing.T) {
	trie := newTestTrie(t, testVocab...)

	tokens := []TokenID{8, 3} // "x" "ab"
	n, nbytes := trie.ChopTokens(NewFixedString("c"), tokens)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, nbytes)

	n, nbytes = trie.ChopTokens(NewFixedString("q"), tokens)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, nbytes)

	// "{" followed by a forced quote retokenizes as `{"`
	n, _ = trie.ChopTokens(NewFixedString(`"`), []TokenID{13})
	assert.Equal(t, 1, n)
}

func TestGreedyTokenize(t *testing.T) {
	trie := newTestTrie(t, testVocab...)
	got := trie.GreedyTokenize([]byte("abcabxyz123\xff<|end|>"))
	assert.Equal(t, "[\"abc\" \"ab\" \"xyz\" \"123\" <|end|>]", trie.TokensString(got))
	assert.Equal(t, "abcabxyz123", string(trie.DecodeText(got)))
	assert.True(t, strings.HasSuffix(string(trie.Decode(got)), "<|end|>"))
}

func TestBitmask(t *testing.T) {
	m := NewBitmask(70)
	assert.True(t, m.IsZero())
	m.Allow(3)
	m.Allow(69)
	m.Allow(70)
	assert.Equal(t, 2, m.Count())
	assert.True(t, m.IsAllowed(69))
	assert.False(t, m.IsAllowed(70))

	m.SetAll(true)
	assert.Equal(t, 70, m.Count())

	o := NewBitmask(70)
	o.Allow(5)
	m.And(o)
	tok, ok := m.Single()
	require.True(t, ok)
	assert.Equal(t, TokenID(5), tok)

	dst := make([]uint32, 4)
	dst[3] = 7
	require.NoError(t, m.CopyTo(dst))
	assert.Equal(t, []uint32{1 << 5, 0, 0, 0}, dst)
	require.Error(t, m.CopyTo(make([]uint32, 1)))
}
