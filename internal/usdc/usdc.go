// Package usdc provides USDC unit arithmetic shared by pricing and
// payment verification.
//
// USDC uses 6 decimal places. Amounts are carried as big.Int in the
// smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

var unitScale = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromUSD converts a USD amount to smallest-unit USDC, rounding half up.
// Non-positive and non-finite inputs yield zero; prices are never negative.
//
// The float is first rendered as its shortest round-tripping decimal so the
// rational math sees the decimal the caller wrote (0.02005, not the nearest
// binary float below it).
func FromUSD(usd float64) *big.Int {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return big.NewInt(0)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(usd, 'f', -1, 64))
	if !ok {
		return big.NewInt(0)
	}
	scaled := r.Mul(r, new(big.Rat).SetInt(unitScale))

	q, rem := new(big.Int).QuoRem(scaled.Num(), scaled.Denom(), new(big.Int))
	// Half up: bump the quotient when 2*rem >= denominator.
	if new(big.Int).Lsh(rem, 1).Cmp(scaled.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ToUSD converts smallest-unit USDC back to a USD float. Exact to within
// one minor unit, which is all the pricing layer needs.
func ToUSD(units *big.Int) float64 {
	if units == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(units, unitScale).Float64()
	return f
}
