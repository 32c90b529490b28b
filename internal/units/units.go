// Package units converts between the engine's integer minor-unit amounts
// and on-chain token amounts.
//
// All escrow records store amounts as int64 minor units, where one minor
// unit is the stable token's smallest unit (the token uses 6 decimals, so
// 1_000_000 minor units = 1.000000). The chain boundary works in big.Int.
package units

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

const Decimals = 6

// ToChain converts minor units to the big.Int representation used on chain.
func ToChain(minor int64) *big.Int {
	return big.NewInt(minor)
}

// FromChain converts an on-chain amount to minor units.
// Returns an error if the amount is negative or does not fit in int64.
func FromChain(amount *big.Int) (int64, error) {
	if amount == nil {
		return 0, nil
	}
	if amount.Sign() < 0 {
		return 0, fmt.Errorf("units: negative amount %s", amount)
	}
	if !amount.IsInt64() {
		return 0, fmt.Errorf("units: amount %s overflows int64", amount)
	}
	return amount.Int64(), nil
}

// Format renders minor units as a decimal string with exactly 6 places
// (e.g. 1500000 -> "1.500000").
func Format(minor int64) string {
	neg := minor < 0
	abs := minor
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%07d", abs)
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// Parse converts a decimal string (e.g. "1.50") to minor units.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 places
func Parse(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("units: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("units: negative amounts not allowed")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("units: invalid amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return 0, nil
	}
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("units: invalid amount %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("units: amount %q overflows int64", s)
	}
	return v.Int64(), nil
}

// MulPct returns minor * pct/100, rounding down. Used only for the
// fallback fee estimate when no fee-split transfer has been observed.
func MulPct(minor int64, pct float64) int64 {
	if pct <= 0 || minor <= 0 {
		return 0
	}
	return int64(math.Floor(float64(minor) * pct / 100))
}
