package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole", "500", "500.00"},
		{"one place", "1.5", "1.50"},
		{"two places", "120.00", "120.00"},
		{"leading zeros", "007.50", "7.50"},
		{"padded", "  42.1 ", "42.10"},
		{"half even down", "2.345", "2.34"},
		{"half even up", "2.355", "2.36"},
		{"empty", "", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if Format(got) != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, Format(got), tt.expected)
			}
		})
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	for _, in := range []string{"-1", "-0.01", "abc", "1.2.3", "1,000"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.Zero); got != "0.00" {
		t.Errorf("Format(0) = %s", got)
	}
	if got := Format(decimal.RequireFromString("380")); got != "380.00" {
		t.Errorf("Format(380) = %s", got)
	}
}

func TestPositive(t *testing.T) {
	if Positive(Zero) {
		t.Error("zero is not positive")
	}
	if !Positive(MustParse("0.01")) {
		t.Error("0.01 is positive")
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParse("nope")
}
