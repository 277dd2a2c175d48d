// Package units formats and parses 18-decimal token amounts and relative times.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Decimals of SQT and of the chain's native token.
const Decimals = 18

// DisplayDecimals is the number of fractional digits Format keeps.
const DisplayDecimals = 4

var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Format renders wei as a grouped decimal ("1,234.5 SQT"). Trailing zeros are trimmed
// and the fraction is truncated to DisplayDecimals digits.
func Format(wei *big.Int, symbol string) string {
	if wei == nil {
		wei = new(big.Int)
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, one, new(big.Int))

	s := humanize.BigComma(whole)
	if frac.Sign() > 0 {
		fs := frac.String()
		fs = (strings.Repeat("0", Decimals-len(fs)) + fs)[:DisplayDecimals]
		if fs = strings.TrimRight(fs, "0"); fs != "" {
			s += "." + fs
		}
	}
	if neg {
		s = "-" + s
	}
	if symbol != "" {
		s += " " + symbol
	}
	return s
}

// Parse converts a decimal amount ("0.5", "1200") into wei.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return nil, errors.New("units: empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > Decimals {
		return nil, fmt.Errorf("units: %q has more than %d decimals", s, Decimals)
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok || strings.ContainsAny(frac, "+-") {
		return nil, fmt.Errorf("units: invalid amount %q", s)
	}
	return v, nil
}

// MustParse is Parse for constants; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Relative renders t relative to now ("3 hours ago", "2 days from now").
func Relative(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}
