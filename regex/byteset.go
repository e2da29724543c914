package regex

import (
	"fmt"
	"math/bits"
	"strings"
)

// ByteSet is a set of bytes stored as a 256-bit bitmap.
type ByteSet [4]uint64

func ByteSetOf(bs ...byte) ByteSet {
	var s ByteSet
	for _, b := range bs {
		s.Add(b)
	}
	return s
}

func ByteRange(lo, hi byte) ByteSet {
	var s ByteSet
	s.AddRange(lo, hi)
	return s
}

func FullByteSet() ByteSet {
	return ByteSet{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}
}

func (s *ByteSet) Add(b byte) {
	s[b>>6] |= 1 << (b & 63)
}

func (s *ByteSet) Remove(b byte) {
	s[b>>6] &^= 1 << (b & 63)
}

func (s *ByteSet) AddRange(lo, hi byte) {
	for b := int(lo); b <= int(hi); b++ {
		s.Add(byte(b))
	}
}

func (s ByteSet) Has(b byte) bool {
	return s[b>>6]&(1<<(b&63)) != 0
}

func (s ByteSet) Union(o ByteSet) ByteSet {
	return ByteSet{s[0] | o[0], s[1] | o[1], s[2] | o[2], s[3] | o[3]}
}

func (s ByteSet) Intersect(o ByteSet) ByteSet {
	return ByteSet{s[0] & o[0], s[1] & o[1], s[2] & o[2], s[3] & o[3]}
}

func (s ByteSet) Minus(o ByteSet) ByteSet {
	return ByteSet{s[0] &^ o[0], s[1] &^ o[1], s[2] &^ o[2], s[3] &^ o[3]}
}

func (s ByteSet) IsEmpty() bool {
	return s[0]|s[1]|s[2]|s[3] == 0
}

func (s ByteSet) Len() int {
	return bits.OnesCount64(s[0]) + bits.OnesCount64(s[1]) + bits.OnesCount64(s[2]) + bits.OnesCount64(s[3])
}

// Single returns the only member of s, if s has exactly one.
func (s ByteSet) Single() (byte, bool) {
	if s.Len() != 1 {
		return 0, false
	}
	for i, w := range s {
		if w != 0 {
			return byte(i*64 + bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

// All yields the members of s in increasing order.
func (s ByteSet) All(yield func(byte) bool) {
	for i, w := range s {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			if !yield(byte(i*64 + tz)) {
				return
			}
			w &= w - 1
		}
	}
}

func (s ByteSet) String() string {
	if s == FullByteSet() {
		return "[\\x00-\\xff]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	b := 0
	for b < 256 {
		if !s.Has(byte(b)) {
			b++
			continue
		}
		e := b
		for e+1 < 256 && s.Has(byte(e+1)) {
			e++
		}
		sb.WriteString(escapeByte(byte(b)))
		if e > b {
			if e > b+1 {
				sb.WriteByte('-')
			}
			sb.WriteString(escapeByte(byte(e)))
		}
		b = e + 1
	}
	sb.WriteByte(']')
	return sb.String()
}

func escapeByte(b byte) string {
	switch {
	case b == '\\' || b == ']' || b == '[' || b == '-' || b == '^':
		return "\\" + string(b)
	case b >= 0x20 && b < 0x7f:
		return string(b)
	default:
		return fmt.Sprintf("\\x%02x", b)
	}
}
