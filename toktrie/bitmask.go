package toktrie

import (
	"fmt"
	"math/bits"
	"strings"
)

// Bitmask is a set of token ids, one bit per vocabulary entry, stored in
// 32-bit words so it can be copied directly into caller-provided buffers.
type Bitmask struct {
	words []uint32
	size  int
}

func NewBitmask(size int) *Bitmask {
	return &Bitmask{words: make([]uint32, (size+31)/32), size: size}
}

// WordsFor returns the number of uint32 words a mask over size tokens needs.
func WordsFor(size int) int {
	return (size + 31) / 32
}

func (m *Bitmask) Len() int {
	return m.size
}

func (m *Bitmask) Allow(t TokenID) {
	if int(t) < m.size {
		m.words[t/32] |= 1 << (t % 32)
	}
}

func (m *Bitmask) Disallow(t TokenID) {
	if int(t) < m.size {
		m.words[t/32] &^= 1 << (t % 32)
	}
}

func (m *Bitmask) IsAllowed(t TokenID) bool {
	return int(t) < m.size && m.words[t/32]&(1<<(t%32)) != 0
}

func (m *Bitmask) SetAll(allowed bool) {
	var w uint32
	if allowed {
		w = ^uint32(0)
	}
	for i := range m.words {
		m.words[i] = w
	}
	if allowed && m.size%32 != 0 {
		m.words[len(m.words)-1] = 1<<(m.size%32) - 1
	}
}

func (m *Bitmask) Count() int {
	var n int
	for _, w := range m.words {
		n += bits.OnesCount32(w)
	}
	return n
}

func (m *Bitmask) IsZero() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Or adds every token of o to m.
func (m *Bitmask) Or(o *Bitmask) {
	for i := range min(len(m.words), len(o.words)) {
		m.words[i] |= o.words[i]
	}
}

// And keeps only tokens present in both m and o.
func (m *Bitmask) And(o *Bitmask) {
	for i := range m.words {
		if i < len(o.words) {
			m.words[i] &= o.words[i]
		} else {
			m.words[i] = 0
		}
	}
}

func (m *Bitmask) Clone() *Bitmask {
	return &Bitmask{words: append([]uint32(nil), m.words...), size: m.size}
}

// Words exposes the underlying storage; callers must not retain it across
// mutations.
func (m *Bitmask) Words() []uint32 {
	return m.words
}

// CopyTo writes the mask into dst, which must hold at least WordsFor(Len())
// words.
func (m *Bitmask) CopyTo(dst []uint32) error {
	if len(dst) < len(m.words) {
		return fmt.Errorf("mask buffer too small: %d words, need %d", len(dst), len(m.words))
	}
	n := copy(dst, m.words)
	clear(dst[n:])
	return nil
}

// Tokens yields allowed token ids in increasing order.
func (m *Bitmask) Tokens(yield func(TokenID) bool) {
	for i, w := range m.words {
		for w != 0 {
			tz := bits.TrailingZeros32(w)
			if !yield(TokenID(i*32 + tz)) {
				return
			}
			w &= w - 1
		}
	}
}

// Single returns the only allowed token, if exactly one is allowed.
func (m *Bitmask) Single() (TokenID, bool) {
	if m.Count() != 1 {
		return 0, false
	}
	for t := range m.Tokens {
		return t, true
	}
	return 0, false
}

func (m *Bitmask) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bitmask(%d/%d", m.Count(), m.size)
	n := 0
	for t := range m.Tokens {
		if n == 10 {
			sb.WriteString(" …")
			break
		}
		fmt.Fprintf(&sb, " %d", t)
		n++
	}
	sb.WriteByte(')')
	return sb.String()
}
