// Package fixed implements the x10^6 fixed-point arithmetic used for every
// price and money amount in the projection. All math is big-integer with
// truncation toward zero; floating point is never used.
package fixed

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/perpdex/perpindexer/internal/domain"
)

// fracDigits is the fixed-point scale: 10^6.
const fracDigits = 6

var scale = big.NewInt(1_000_000)

// ParseDecimalX6 converts a decimal string ("108910.01", "-0.5", "3") to its
// x10^6 integer representation. The fractional part is right-padded to six
// digits; digits beyond the sixth are rejected rather than rounded.
func ParseDecimalX6(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("fixed: empty decimal")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("fixed: malformed decimal %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > fracDigits {
		return 0, fmt.Errorf("fixed: more than %d fractional digits in %q", fracDigits, s)
	}
	fracPart += strings.Repeat("0", fracDigits-len(fracPart))

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return 0, fmt.Errorf("fixed: malformed decimal %q", s)
	}
	if neg {
		v.Neg(v)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("fixed: decimal %q overflows int64", s)
	}
	return v.Int64(), nil
}

// FormatX6 renders a x10^6 integer as a decimal string with trailing zeros
// trimmed ("108910.01", "-0.5", "3").
func FormatX6(v int64) string {
	neg := v < 0
	u := new(big.Int).Abs(big.NewInt(v))

	q, r := new(big.Int).QuoRem(u, scale, new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := fmt.Sprintf("%06d", r.Int64())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Bucket returns floor(priceX6 / tickX6), the quantized key of the
// price-indexed lookup tables. A non-positive tick fails with ErrBadTick.
// Prices are non-negative in practice; floor and truncation coincide.
func Bucket(priceX6, tickX6 int64) (int64, error) {
	if tickX6 <= 0 {
		return 0, domain.ErrBadTick
	}
	return new(big.Int).Quo(big.NewInt(priceX6), big.NewInt(tickX6)).Int64(), nil
}

// Notional computes floor(entryX6 * lots * lotNum / lotDen) in USD x10^6.
func Notional(entryX6 int64, lots uint16, lotNum, lotDen *big.Int) int64 {
	n := new(big.Int).Mul(big.NewInt(entryX6), big.NewInt(int64(lots)))
	n.Mul(n, lotNum)
	n.Quo(n, lotDen)
	return n.Int64()
}

// Margin computes floor(notionalUSD6 / leverageX). Zero leverage yields zero
// margin rather than a panic; the chain never emits leverage 0 for OPEN.
func Margin(notionalUSD6 int64, leverageX uint16) int64 {
	if leverageX == 0 {
		return 0
	}
	return new(big.Int).Quo(big.NewInt(notionalUSD6), big.NewInt(int64(leverageX))).Int64()
}
