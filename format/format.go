// Package format renders counts, sizes and timings for command output.
package format

import (
	"fmt"
)

type unit struct {
	size   float64
	suffix string
}

var numberUnits = []unit{
	{1e12, "T"},
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

// HumanNumber shortens large counts, such as vocabulary or grammar sizes:
// 1500 becomes "1.50K".
func HumanNumber(b uint64) string {
	for _, u := range numberUnits {
		if float64(b) >= u.size {
			return decimalPlace(float64(b)/u.size) + u.suffix
		}
	}
	return fmt.Sprintf("%d", b)
}

// decimalPlace keeps three significant digits.
func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
