package format

import (
	"testing"
)

func TestHumanNumber(t *testing.T) {
	type testCase struct {
		input    uint64
		expected string
	}

	testCases := []testCase{
		{0, "0"},
		{100, "100"},
		{999, "999"},
		{1000, "1.00K"},
		{1500, "1.50K"},
		{128256, "128K"},
		{1000000, "1.00M"},
		{26000000, "26.0M"},
		{206000000, "206M"},
		{26000000000, "26.0B"},
		{1000000000000, "1.00T"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanNumber(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}
