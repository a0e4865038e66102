// Package money provides shared amount parsing and fraction arithmetic.
//
// Amounts are carried as int64 cents (2 decimal places); cumulative release
// fractions are carried as basis points (1 bps = 0.01%, 10000 bps = 100%).
// Integer smallest-units keep the escrow math exact under repeated partial
// releases.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// Decimals is the number of decimal places in a formatted amount.
const Decimals = 2

// FullReleaseBps is the basis-point value of a 100% cumulative release.
const FullReleaseBps = 10000

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidFraction = errors.New("money: fraction out of range")
)

// ParseCents converts a decimal string (e.g. "10.50") to cents (1050).
//
// Rules:
//   - Empty string returns (0, nil)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func ParseCents(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
		d := int64(r - '0')
		if cents > (1<<62)/10 {
			return 0, ErrInvalidAmount
		}
		cents = cents*10 + d
	}
	return cents, nil
}

// FormatCents converts cents to a decimal string with exactly 2 decimal
// places (e.g. 1050 -> "10.50").
func FormatCents(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if neg {
		s = "-" + s
	}
	return s
}

// FractionToBps converts a decimal fraction in (0, 1] to basis points.
// Values that round to zero or exceed 10000 bps are rejected.
func FractionToBps(fraction float64) (int, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, ErrInvalidFraction
	}
	bps := int(fraction*FullReleaseBps + 0.5)
	if bps <= 0 || bps > FullReleaseBps {
		return 0, ErrInvalidFraction
	}
	return bps, nil
}

// BpsToFraction converts basis points to a decimal fraction.
func BpsToFraction(bps int) float64 {
	return float64(bps) / FullReleaseBps
}

// BpsOf returns the given basis-point share of an amount in cents,
// truncated toward zero. 7000 bps of 100000 cents is 70000 cents.
func BpsOf(amountCents int64, bps int) int64 {
	return amountCents * int64(bps) / FullReleaseBps
}
