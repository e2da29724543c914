package jsonschema

import (
	"fmt"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullMatch(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	require.NoError(t, err, pattern)
	return re
}

func TestIntRangePattern(t *testing.T) {
	i64 := func(v int64) *int64 { return &v }
	cases := []struct {
		lo, hi *int64
	}{
		{i64(0), i64(0)},
		{i64(0), i64(9)},
		{i64(3), i64(47)},
		{i64(10), i64(999)},
		{i64(-25), i64(-7)},
		{i64(-130), i64(255)},
		{i64(19), i64(1200)},
		{i64(-1), nil},
		{i64(42), nil},
		{nil, i64(-12)},
		{nil, i64(88)},
		{nil, nil},
	}
	for _, tt := range cases {
		lo, hi := int64(-1500), int64(1500)
		if tt.lo != nil {
			lo = *tt.lo - 1000
		}
		if tt.hi != nil {
			hi = *tt.hi + 1000
		}
		pattern, ok := IntRangePattern(tt.lo, tt.hi)
		require.True(t, ok)
		re := fullMatch(t, pattern)
		for n := lo; n <= hi; n++ {
			want := (tt.lo == nil || n >= *tt.lo) && (tt.hi == nil || n <= *tt.hi)
			if got := re.MatchString(strconv.FormatInt(n, 10)); got != want {
				t.Fatalf("%s: %d: got %t, want %t", pattern, n, got, want)
			}
		}
		for _, bad := range []string{"", "-", "007", "1.0", "+1", "--1"} {
			assert.False(t, re.MatchString(bad), "%s matched %q", pattern, bad)
		}
	}

	_, ok := IntRangePattern(i64(4), i64(3))
	assert.False(t, ok)
}

func decimals() []string {
	var out []string
	for n := -120; n <= 120; n++ {
		for _, frac := range []string{"", ".0", ".5", ".05", ".25", ".99", ".001", ".50"} {
			out = append(out, fmt.Sprintf("%d%s", n, frac))
		}
	}
	return append(out, "-0", "-0.5", "-0.05", "-0.001")
}

func TestFloatBoundPatterns(t *testing.T) {
	bounds := []float64{-100, -12.5, -1, -0.5, -0.05, 0, 0.05, 0.5, 1, 7, 12.25, 99.9, 100}
	for _, bound := range bounds {
		for _, strict := range []bool{false, true} {
			lower := fullMatch(t, LowerBoundPattern(bound, strict))
			upper := fullMatch(t, UpperBoundPattern(bound, strict))
			for _, s := range decimals() {
				v, err := strconv.ParseFloat(s, 64)
				require.NoError(t, err)

				wantLower, wantUpper := v >= bound, v <= bound
				if strict {
					wantLower, wantUpper = v > bound, v < bound
				}
				if got := lower.MatchString(s); got != wantLower {
					t.Errorf("lower %v strict=%t: %s: got %t", bound, strict, s, got)
				}
				if got := upper.MatchString(s); got != wantUpper {
					t.Errorf("upper %v strict=%t: %s: got %t", bound, strict, s, got)
				}
			}
		}
	}
}

func TestParseDecimal(t *testing.T) {
	cases := map[string]Decimal{
		"3":      {3, 0},
		"0.10":   {1, 1},
		"1e-3":   {1, 3},
		"2.5e1":  {25, 0},
		"100":    {100, 0},
		"0.0025": {25, 4},
	}
	for in, want := range cases {
		got, err := ParseDecimal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"0", "-1", "abc", "1e"} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecimalLCM(t *testing.T) {
	cases := []struct {
		a, b, want Decimal
	}{
		{Decimal{5, 1}, Decimal{3, 1}, Decimal{15, 1}},
		{Decimal{25, 2}, Decimal{1, 1}, Decimal{5, 1}},
		{Decimal{4, 0}, Decimal{6, 0}, Decimal{12, 0}},
		{Decimal{2, 0}, Decimal{5, 1}, Decimal{2, 0}},
	}
	for _, tt := range cases {
		got, err := tt.a.LCM(tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s, %s", tt.a, tt.b)
	}

	_, err := Decimal{1 << 40, 0}.LCM(Decimal{(1 << 40) - 1, 0})
	assert.ErrorIs(t, err, errDecimalRange)
	assert.Equal(t, "0.05", Decimal{5, 2}.String())
}
