// Package toktrie packs a tokenizer vocabulary into a byte trie and computes,
// for a recognizer state, the set of tokens the recognizer can accept.
package toktrie

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

type TokenID uint32

const (
	// NoToken marks trie nodes where no token ends.
	NoToken = 1<<24 - 1

	// SpecialTokenPrefix starts the trie bytes of special tokens, which can
	// never occur in UTF-8 text.
	SpecialTokenPrefix = 0xff

	maxDepth = 255
)

var (
	ErrVocabTooLarge = errors.New("vocabulary too large for trie")
	ErrTokenTooLong  = errors.New("token too long for trie")
)

// TokRxInfo describes a vocabulary.
type TokRxInfo struct {
	VocabSize uint32
	EOS       TokenID
	// EOSAliases are additional tokens treated like EOS.
	EOSAliases []TokenID
}

// node is one packed trie record: the low word holds the token id (24 bits)
// and edge byte (8 bits), the high word holds the subtree size (24 bits,
// including the node) and the number of levels to pop once the subtree is
// finished (8 bits).
type node uint64

func newNode(b byte, tok uint32, size uint32, pops uint32) node {
	lo := tok&0xffffff | uint32(b)<<24
	hi := size&0xffffff | pops<<24
	return node(uint64(lo) | uint64(hi)<<32)
}

func (n node) token() uint32 { return uint32(n) & 0xffffff }

func (n node) edge() byte { return byte(uint32(n) >> 24) }

func (n node) subtreeSize() int { return int(uint32(n>>32) & 0xffffff) }

func (n node) numParents() int { return int(uint32(n>>32) >> 24) }

func (n node) hasToken() bool { return n.token() != NoToken }

func (n node) tokenID() TokenID { return TokenID(n.token()) }

// TokTrie is immutable after construction and safe for concurrent use.
type TokTrie struct {
	info     TokRxInfo
	nodes    []node
	data     []byte
	offsets  []uint32
	lens     []uint32
	maxLen   int
	specials map[string]TokenID
}

// FromBytes builds a trie from the byte string of every token; words[i] is
// token i. Empty words are unreachable tokens.
func FromBytes(info TokRxInfo, words [][]byte) (*TokTrie, error) {
	if uint32(len(words)) != info.VocabSize {
		return nil, fmt.Errorf("vocabulary has %d tokens, info says %d", len(words), info.VocabSize)
	}
	if info.VocabSize >= NoToken {
		return nil, fmt.Errorf("%w: %d tokens", ErrVocabTooLarge, info.VocabSize)
	}

	t := &TokTrie{
		info:     info,
		offsets:  make([]uint32, len(words)),
		lens:     make([]uint32, len(words)),
		specials: make(map[string]TokenID),
	}
	for i, w := range words {
		if len(w) > maxDepth {
			return nil, fmt.Errorf("%w: token %d has %d bytes", ErrTokenTooLong, i, len(w))
		}
		t.offsets[i] = uint32(len(t.data))
		t.lens[i] = uint32(len(w))
		t.data = append(t.data, w...)
		t.maxLen = max(t.maxLen, len(w))
		if len(w) > 1 && w[0] == SpecialTokenPrefix {
			t.specials[string(w[1:])] = TokenID(i)
		}
	}

	root := &buildNode{tok: NoToken}
	for i, w := range words {
		if len(w) == 0 {
			continue
		}
		n := root
		for _, b := range w {
			n = n.child(b)
		}
		if n.tok != NoToken {
			slog.Debug("duplicate token bytes", "token", i, "first", n.tok, "bytes", strconv.Quote(string(w)))
			continue
		}
		n.tok = uint32(i)
	}

	var depths []int
	var flatten func(n *buildNode, depth int)
	flatten = func(n *buildNode, depth int) {
		idx := len(t.nodes)
		t.nodes = append(t.nodes, 0)
		depths = append(depths, depth)
		for _, c := range n.children {
			flatten(c, depth+1)
		}
		size := len(t.nodes) - idx
		t.nodes[idx] = newNode(n.b, n.tok, uint32(size), 0)
	}
	flatten(root, 0)
	if len(t.nodes) >= 1<<24 {
		return nil, fmt.Errorf("%w: %d trie nodes", ErrVocabTooLarge, len(t.nodes))
	}

	for i := 1; i < len(t.nodes); i++ {
		n := t.nodes[i]
		next := i + n.subtreeSize()
		nextDepth := 1
		if next < len(t.nodes) {
			nextDepth = depths[next]
		}
		pops := depths[i] - nextDepth + 1
		t.nodes[i] = newNode(n.edge(), n.token(), uint32(n.subtreeSize()), uint32(pops))
	}

	return t, nil
}

// FromLengths builds a trie from per-token byte lengths and the tokens'
// concatenated bytes.
func FromLengths(info TokRxInfo, lens []uint32, data []byte) (*TokTrie, error) {
	words := make([][]byte, len(lens))
	var off uint32
	for i, l := range lens {
		if int(off+l) > len(data) {
			return nil, fmt.Errorf("token %d extends past token data (%d bytes)", i, len(data))
		}
		words[i] = data[off : off+l]
		off += l
	}
	if int(off) != len(data) {
		return nil, fmt.Errorf("token data has %d trailing bytes", len(data)-int(off))
	}
	return FromBytes(info, words)
}

type buildNode struct {
	b        byte
	tok      uint32
	children []*buildNode
}

func (n *buildNode) child(b byte) *buildNode {
	i, found := slices.BinarySearchFunc(n.children, b, func(c *buildNode, b byte) int {
		return int(c.b) - int(b)
	})
	if found {
		return n.children[i]
	}
	c := &buildNode{b: b, tok: NoToken}
	n.children = slices.Insert(n.children, i, c)
	return c
}

func (t *TokTrie) Info() TokRxInfo {
	return t.info
}

func (t *TokTrie) VocabSize() int {
	return int(t.info.VocabSize)
}

func (t *TokTrie) EOS() TokenID {
	return t.info.EOS
}

// IsEOS reports whether tok is the end-of-sequence token or one of its aliases.
func (t *TokTrie) IsEOS(tok TokenID) bool {
	return tok == t.info.EOS || slices.Contains(t.info.EOSAliases, tok)
}

func (t *TokTrie) NumNodes() int {
	return len(t.nodes)
}

func (t *TokTrie) MaxTokenLen() int {
	return t.maxLen
}

// TokenBytes returns the bytes of tok. Special tokens start with
// SpecialTokenPrefix.
func (t *TokTrie) TokenBytes(tok TokenID) []byte {
	if int(tok) >= len(t.lens) {
		return nil
	}
	off := t.offsets[tok]
	return t.data[off : off+t.lens[tok]]
}

func (t *TokTrie) TokenLen(tok TokenID) int {
	if int(tok) >= len(t.lens) {
		return 0
	}
	return int(t.lens[tok])
}

func (t *TokTrie) IsSpecial(tok TokenID) bool {
	b := t.TokenBytes(tok)
	return len(b) > 1 && b[0] == SpecialTokenPrefix
}

// SpecialToken looks a special token up by name, e.g. "<|end|>".
func (t *TokTrie) SpecialToken(name string) (TokenID, bool) {
	tok, ok := t.specials[name]
	return tok, ok
}

// Decode concatenates token bytes, keeping special-token markers.
func (t *TokTrie) Decode(tokens []TokenID) []byte {
	var out []byte
	for _, tok := range tokens {
		out = append(out, t.TokenBytes(tok)...)
	}
	return out
}

// DecodeText concatenates token bytes, dropping special tokens.
func (t *TokTrie) DecodeText(tokens []TokenID) []byte {
	var out []byte
	for _, tok := range tokens {
		if !t.IsSpecial(tok) {
			out = append(out, t.TokenBytes(tok)...)
		}
	}
	return out
}

// TokenString renders a token for logs.
func (t *TokTrie) TokenString(tok TokenID) string {
	if int(tok) >= len(t.lens) {
		return fmt.Sprintf("<[%d]>", tok)
	}
	b := t.TokenBytes(tok)
	if len(b) > 1 && b[0] == SpecialTokenPrefix {
		return string(b[1:])
	}
	return strconv.Quote(string(b))
}

// TokensString renders a token sequence for logs.
func (t *TokTrie) TokensString(tokens []TokenID) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = t.TokenString(tok)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (t *TokTrie) root() int {
	return 0
}

func (t *TokTrie) childAt(n int, b byte) (int, bool) {
	end := n + t.nodes[n].subtreeSize()
	for c := n + 1; c < end; c += t.nodes[c].subtreeSize() {
		if t.nodes[c].edge() == b {
			return c, true
		}
	}
	return 0, false
}

func (t *TokTrie) nodeAt(bs []byte) (int, bool) {
	n := t.root()
	for _, b := range bs {
		var ok bool
		if n, ok = t.childAt(n, b); !ok {
			return 0, false
		}
	}
	return n, true
}

// TokenID returns the token whose bytes are exactly bs.
func (t *TokTrie) TokenID(bs []byte) (TokenID, bool) {
	n, ok := t.nodeAt(bs)
	if !ok || len(bs) == 0 || !t.nodes[n].hasToken() {
		return 0, false
	}
	return t.nodes[n].tokenID(), true
}

// HasPrefix reports whether some token starts with bs.
func (t *TokTrie) HasPrefix(bs []byte) bool {
	_, ok := t.nodeAt(bs)
	return ok
}

// GreedyTokenize splits bs into the longest matching tokens from left to
// right. Bytes no token starts with are skipped.
func (t *TokTrie) GreedyTokenize(bs []byte) []TokenID {
	var out []TokenID
	for i := 0; i < len(bs); {
		n := t.root()
		last, lastLen := TokenID(0), 0
		for j := i; j < len(bs); j++ {
			var ok bool
			if n, ok = t.childAt(n, bs[j]); !ok {
				break
			}
			if t.nodes[n].hasToken() {
				last, lastLen = t.nodes[n].tokenID(), j-i+1
			}
		}
		if lastLen == 0 {
			slog.Warn("no token for byte", "offset", i, "byte", bs[i])
			i++
			continue
		}
		out = append(out, last)
		i += lastLen
	}
	return out
}

// checkInvariants verifies the packed layout; used by tests.
func (t *TokTrie) checkInvariants() error {
	if t.nodes[0].subtreeSize() != len(t.nodes) {
		return fmt.Errorf("root subtree size %d, have %d nodes", t.nodes[0].subtreeSize(), len(t.nodes))
	}
	for i, w := range t.lens {
		if w == 0 {
			continue
		}
		word := t.TokenBytes(TokenID(i))
		got, ok := t.TokenID(word)
		if !ok {
			return fmt.Errorf("token %d (%q) not found", i, word)
		}
		if got != TokenID(i) && !bytes.Equal(t.TokenBytes(got), word) {
			return fmt.Errorf("token %d maps to %d", i, got)
		}
	}
	return nil
}
