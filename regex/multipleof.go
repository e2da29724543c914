package regex

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	phaseStart    uint8 = iota // nothing consumed
	phaseInteger               // inside the integer digits
	phaseDot                   // just consumed '.'
	phaseFraction              // inside the fraction digits
)

// multipleOf matches unsigned decimals "digits('.'digits)?" whose value times
// 10^scale is an integer divisible by divisor. rem tracks the digits seen so
// far, taken as one integer, modulo divisor.
type multipleOf struct {
	divisor uint64
	scale   uint32
	rem     uint64
	phase   uint8
	frac    uint32
}

func (m multipleOf) appendKey(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, m.divisor)
	buf = binary.LittleEndian.AppendUint32(buf, m.scale)
	buf = binary.LittleEndian.AppendUint64(buf, m.rem)
	buf = append(buf, m.phase)
	return binary.LittleEndian.AppendUint32(buf, m.frac)
}

func (m multipleOf) String() string {
	return fmt.Sprintf("MultipleOf(%d/10^%d, rem=%d, phase=%d, frac=%d)", m.divisor, m.scale, m.rem, m.phase, m.frac)
}

func mulAddMod(a, mul, add, m uint64) uint64 {
	hi, lo := bits.Mul64(a, mul)
	lo, carry := bits.Add64(lo, add, 0)
	hi += carry
	return bits.Rem64(hi, lo, m)
}

func (m multipleOf) accepting() bool {
	if m.phase != phaseInteger && m.phase != phaseFraction {
		return false
	}
	r := m.rem
	for range m.scale - m.frac {
		r = mulAddMod(r, 10, 0, m.divisor)
	}
	return r == 0
}

// MultipleOf matches unsigned decimal numbers that are integer multiples of
// divisor × 10^-scale. Signs, exponents and leading-zero rules are left to
// the surrounding expression.
func (s *ExprSet) MultipleOf(divisor uint64, scale uint32) ExprRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if divisor == 0 {
		return NoMatch
	}
	return s.multipleOf(multipleOf{divisor: divisor, scale: scale})
}

func (s *ExprSet) multipleOf(m multipleOf) ExprRef {
	if m.phase >= phaseDot && m.frac == m.scale && m.rem != 0 {
		// only trailing zeros may follow, which cannot fix the remainder
		return NoMatch
	}
	f := flagComplex
	if m.accepting() {
		f |= flagNullable
	}
	return s.intern(node{kind: kindMultipleOf, flags: f, mo: m})
}

func (s *ExprSet) multipleOfDerivative(m multipleOf, b byte) ExprRef {
	switch {
	case b >= '0' && b <= '9':
		digit := uint64(b - '0')
		switch m.phase {
		case phaseStart, phaseInteger:
			m.rem = mulAddMod(m.rem, 10, digit, m.divisor)
			m.phase = phaseInteger
		default:
			m.phase = phaseFraction
			if m.frac < m.scale {
				m.rem = mulAddMod(m.rem, 10, digit, m.divisor)
				m.frac++
			} else if digit != 0 {
				return NoMatch
			}
		}
		return s.multipleOf(m)
	case b == '.' && m.phase == phaseInteger:
		m.phase = phaseDot
		return s.multipleOf(m)
	}
	return NoMatch
}
