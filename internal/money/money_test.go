package money

import (
	"errors"
	"testing"
)

func TestParseCents_ValidAmounts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"empty", "", 0},
		{"whole", "1000", 100000},
		{"two decimals", "10.50", 1050},
		{"one decimal pads", "10.5", 1050},
		{"extra decimals truncate", "10.509", 1050},
		{"zero", "0", 0},
		{"leading zeros", "007.25", 725},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCents(tt.in)
			if err != nil {
				t.Fatalf("ParseCents(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseCents(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseCents_InvalidAmounts(t *testing.T) {
	for _, in := range []string{"-1", "1.2.3", "abc", "1,000"} {
		if _, err := ParseCents(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseCents(%q) expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{1050, "10.50"},
		{0, "0.00"},
		{5, "0.05"},
		{100000, "1000.00"},
		{-1050, "-10.50"},
	}
	for _, tt := range tests {
		if got := FormatCents(tt.in); got != tt.want {
			t.Errorf("FormatCents(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFractionToBps(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.70, 7000},
		{1.0, 10000},
		{0.0001, 1},
		{0.333, 3330},
	}
	for _, tt := range tests {
		got, err := FractionToBps(tt.in)
		if err != nil {
			t.Fatalf("FractionToBps(%v) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("FractionToBps(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, in := range []float64{0, -0.5, 1.01, 0.000001} {
		if _, err := FractionToBps(in); !errors.Is(err, ErrInvalidFraction) {
			t.Errorf("FractionToBps(%v) expected ErrInvalidFraction, got %v", in, err)
		}
	}
}

func TestBpsOf(t *testing.T) {
	if got := BpsOf(100000, 7000); got != 70000 {
		t.Errorf("BpsOf(100000, 7000) = %d, want 70000", got)
	}
	if got := BpsOf(100000, 10000); got != 100000 {
		t.Errorf("BpsOf(100000, 10000) = %d, want 100000", got)
	}
	// Truncation, never rounding up: a release can only send what the
	// fraction strictly covers.
	if got := BpsOf(99, 5000); got != 49 {
		t.Errorf("BpsOf(99, 5000) = %d, want 49", got)
	}
}
