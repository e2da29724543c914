package jsonschema

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"strconv"
	"strings"
)

var errDecimalRange = errors.New("decimal out of range")

// Decimal is the positive number Coef × 10^-Scale in lowest terms.
type Decimal struct {
	Coef  uint64
	Scale uint32
}

// ParseDecimal parses a JSON number into a positive Decimal.
func ParseDecimal(s string) (Decimal, error) {
	mant, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return Decimal{}, fmt.Errorf("invalid decimal %q", s)
		}
		mant, exp = s[:i], e
	}
	if strings.HasPrefix(mant, "-") {
		return Decimal{}, fmt.Errorf("decimal %q must be positive", s)
	}
	intPart, frac, _ := strings.Cut(mant, ".")
	digits := strings.TrimLeft(intPart+frac, "0")
	if digits == "" {
		return Decimal{}, fmt.Errorf("decimal %q must be positive", s)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Decimal{}, fmt.Errorf("invalid decimal %q", s)
		}
	}

	scale := len(frac) - exp
	// trailing zeros move into the scale
	for scale > 0 && strings.HasSuffix(digits, "0") {
		digits = digits[:len(digits)-1]
		scale--
	}
	if scale < 0 {
		digits += strings.Repeat("0", -scale)
		scale = 0
	}
	coef, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || scale > math.MaxUint32 {
		return Decimal{}, fmt.Errorf("%w: %q", errDecimalRange, s)
	}
	return Decimal{Coef: coef, Scale: uint32(scale)}, nil
}

func (d Decimal) String() string {
	s := strconv.FormatUint(d.Coef, 10)
	if d.Scale == 0 {
		return s
	}
	if int(d.Scale) >= len(s) {
		s = strings.Repeat("0", int(d.Scale)-len(s)+1) + s
	}
	return s[:len(s)-int(d.Scale)] + "." + s[len(s)-int(d.Scale):]
}

func (d Decimal) normalize() Decimal {
	for d.Scale > 0 && d.Coef%10 == 0 {
		d.Coef /= 10
		d.Scale--
	}
	return d
}

func mul64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func pow10(n uint32) (uint64, bool) {
	r := uint64(1)
	for range n {
		var ok bool
		if r, ok = mul64(r, 10); !ok {
			return 0, false
		}
	}
	return r, true
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// LCM returns the least common multiple: every multiple of the result is a
// multiple of both d and o.
func (d Decimal) LCM(o Decimal) (Decimal, error) {
	scale := max(d.Scale, o.Scale)
	pa, ok1 := pow10(scale - d.Scale)
	pb, ok2 := pow10(scale - o.Scale)
	a, ok3 := mul64(d.Coef, pa)
	b, ok4 := mul64(o.Coef, pb)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Decimal{}, errDecimalRange
	}
	l, ok := mul64(a/gcd(a, b), b)
	if !ok {
		return Decimal{}, errDecimalRange
	}
	return Decimal{Coef: l, Scale: scale}.normalize(), nil
}

// IsInteger reports whether every multiple of d is an integer.
func (d Decimal) IsInteger() bool {
	return d.Scale == 0
}

func nines(n int) string { return strings.Repeat("9", n) }
func zeros(n int) string { return strings.Repeat("0", n) }

func digitClass(lo, hi byte) string {
	if lo == hi {
		return string(lo)
	}
	return "[" + string(lo) + "-" + string(hi) + "]"
}

func anyDigits(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "[0-9]"
	}
	return "[0-9]{" + strconv.Itoa(n) + "}"
}

func alternate(alts []string) string {
	switch len(alts) {
	case 0:
		return ""
	case 1:
		return alts[0]
	}
	return "(?:" + strings.Join(alts, "|") + ")"
}

// sameLength matches digit strings of len(lo) between lo and hi.
func sameLength(lo, hi string) string {
	n := len(lo)
	switch {
	case n == 0:
		return ""
	case lo == hi:
		return lo
	case lo[0] == hi[0]:
		return lo[:1] + sameLength(lo[1:], hi[1:])
	}

	var alts []string
	start, end := lo[0], hi[0]
	if lo[1:] != zeros(n-1) {
		alts = append(alts, lo[:1]+sameLength(lo[1:], nines(n-1)))
		start++
	}
	tail := ""
	if hi[1:] != nines(n-1) {
		tail = hi[:1] + sameLength(zeros(n-1), hi[1:])
		end--
	}
	if start <= end {
		alts = append(alts, digitClass(start, end)+anyDigits(n-1))
	}
	if tail != "" {
		alts = append(alts, tail)
	}
	return alternate(alts)
}

// digitRange matches canonical non-negative integers in [lo, hi], both
// given as canonical decimal strings.
func digitRange(lo, hi string) string {
	if len(lo) == len(hi) {
		return sameLength(lo, hi)
	}
	alts := []string{sameLength(lo, nines(len(lo)))}
	for n := len(lo) + 1; n < len(hi); n++ {
		alts = append(alts, "[1-9]"+anyDigits(n-1))
	}
	alts = append(alts, sameLength("1"+zeros(len(hi)-1), hi))
	return alternate(alts)
}

// atLeast matches canonical non-negative integers >= lo.
func atLeast(lo string) string {
	return alternate([]string{
		digitRange(lo, nines(len(lo))),
		"[1-9][0-9]{" + strconv.Itoa(len(lo)) + ",}",
	})
}

const (
	naturalPattern  = `(?:0|[1-9][0-9]*)`
	fractionPattern = `(?:\.[0-9]+)?`
)

// IntRangePattern returns a regular expression in Go syntax matching
// exactly the decimal integers in [lo, hi]. Nil bounds are open. It
// reports false when the range is empty.
func IntRangePattern(lo, hi *int64) (string, bool) {
	if lo != nil && hi != nil && *lo > *hi {
		return "", false
	}
	abs := func(v int64) string {
		return strings.TrimPrefix(strconv.FormatInt(v, 10), "-")
	}
	var alts []string
	switch {
	case lo == nil && hi == nil:
		alts = []string{"-?" + naturalPattern}
	case hi == nil && *lo >= 0:
		alts = []string{atLeast(abs(*lo))}
	case hi == nil:
		alts = []string{"-" + digitRange("1", abs(*lo)), naturalPattern}
	case lo == nil && *hi >= 0:
		alts = []string{"-[1-9][0-9]*", digitRange("0", abs(*hi))}
	case lo == nil:
		alts = []string{"-" + atLeast(abs(*hi))}
	case *lo >= 0:
		alts = []string{digitRange(abs(*lo), abs(*hi))}
	case *hi < 0:
		alts = []string{"-" + digitRange(abs(*hi), abs(*lo))}
	default:
		alts = []string{"-" + digitRange("1", abs(*lo)), digitRange("0", abs(*hi))}
	}
	return alternate(alts), true
}

// splitDecimal formats a non-negative float as integer and fractional
// digits, without trailing fractional zeros.
func splitDecimal(v float64) (string, string) {
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	i, f, _ := strings.Cut(s, ".")
	return i, strings.TrimRight(f, "0")
}

func decrement(s string) string {
	n, _ := new(big.Int).SetString(s, 10)
	return n.Sub(n, big.NewInt(1)).String()
}

func increment(s string) string {
	n, _ := new(big.Int).SetString(s, 10)
	return n.Add(n, big.NewInt(1)).String()
}

// fracAtLeast matches fractions (with the dot, possibly absent) whose value
// is >= 0.f, or > 0.f when strict.
func fracAtLeast(f string, strict bool) string {
	if f == "" {
		if strict {
			return `\.[0-9]*[1-9][0-9]*`
		}
		return fractionPattern
	}
	var alts []string
	for i := range len(f) {
		if f[i] < '9' {
			alts = append(alts, `\.`+f[:i]+digitClass(f[i]+1, '9')+"[0-9]*")
		}
	}
	if strict {
		alts = append(alts, `\.`+f+"[0-9]*[1-9][0-9]*")
	} else {
		alts = append(alts, `\.`+f+"[0-9]*")
	}
	return alternate(alts)
}

// fracAtMost is the counterpart of fracAtLeast. The empty string means no
// fraction matches.
func fracAtMost(f string, strict bool) string {
	if f == "" {
		if strict {
			return ""
		}
		return `(?:\.0+)?`
	}
	alts := []string{`(?:)`}
	for i := range len(f) {
		if f[i] > '0' {
			alts = append(alts, `\.`+f[:i]+digitClass('0', f[i]-1)+"[0-9]*")
		}
		if i > 0 {
			alts = append(alts, `\.`+f[:i]+"0*")
		}
	}
	if !strict {
		alts = append(alts, `\.`+f+"0*")
	}
	return alternate(alts)
}

// magnitudeAtLeast matches unsigned decimals >= v (> v when strict).
func magnitudeAtLeast(v float64, strict bool) string {
	i, f := splitDecimal(v)
	return alternate([]string{
		atLeast(increment(i)) + fractionPattern,
		i + fracAtLeast(f, strict),
	})
}

// magnitudeAtMost matches unsigned decimals <= v (< v when strict), or
// returns "" when there are none.
func magnitudeAtMost(v float64, strict bool) string {
	i, f := splitDecimal(v)
	var alts []string
	if i != "0" {
		alts = append(alts, digitRange("0", decrement(i))+fractionPattern)
	}
	if frac := fracAtMost(f, strict); frac != "" {
		alts = append(alts, i+frac)
	}
	return alternate(alts)
}

// LowerBoundPattern matches decimals (without exponent) >= lo, or > lo when
// strict.
func LowerBoundPattern(lo float64, strict bool) string {
	unsigned := naturalPattern + fractionPattern
	if lo < 0 {
		neg := magnitudeAtMost(-lo, strict)
		if neg == "" {
			return unsigned
		}
		return alternate([]string{"-" + neg, unsigned})
	}
	alts := []string{magnitudeAtLeast(lo, strict)}
	if lo == 0 && !strict {
		alts = append(alts, `-0(?:\.0+)?`)
	}
	return alternate(alts)
}

// UpperBoundPattern matches decimals (without exponent) <= hi, or < hi when
// strict.
func UpperBoundPattern(hi float64, strict bool) string {
	if hi < 0 {
		return "-" + magnitudeAtLeast(-hi, strict)
	}
	alts := []string{"-" + magnitudeAtLeast(0, hi == 0 && strict)}
	if pos := magnitudeAtMost(hi, strict); pos != "" {
		alts = append(alts, pos)
	}
	return alternate(alts)
}
