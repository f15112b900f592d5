package params

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	// banUnit is one BAN in ledger base units.
	banUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(WBANDecimals), nil)

	// rawShift converts between ledger base units and node raw units.
	rawShift = new(big.Int).Exp(big.NewInt(10), big.NewInt(RawPerBANExponent-WBANDecimals), nil)
)

// ParseBAN converts a human-readable decimal BAN amount such as "1.5" into
// ledger base units. At most WBANDecimals fractional digits are accepted.
func ParseBAN(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if s == "" {
		return nil, fmt.Errorf("params: empty amount")
	}
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > WBANDecimals {
		return nil, fmt.Errorf("params: amount %q exceeds %d decimals", s, WBANDecimals)
	}
	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("params: malformed amount %q", s)
	}
	result := new(big.Int).Mul(whole, banUnit)
	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return nil, fmt.Errorf("params: malformed amount %q", s)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(WBANDecimals-len(fracPart))), nil)
		result.Add(result, frac.Mul(frac, scale))
	}
	if neg {
		result.Neg(result)
	}
	return result, nil
}

// FormatBAN renders ledger base units as a human-readable decimal BAN
// string, trimming trailing fractional zeros.
func FormatBAN(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}
	whole, frac := new(big.Int).QuoRem(abs, banUnit, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	digits := frac.String()
	digits = strings.Repeat("0", WBANDecimals-len(digits)) + digits
	return fmt.Sprintf("%s%s.%s", sign, whole.String(), strings.TrimRight(digits, "0"))
}

// BANToRaw converts ledger base units to the native node's raw unit.
func BANToRaw(amount *big.Int) *big.Int {
	return new(big.Int).Mul(amount, rawShift)
}

// RawToBAN converts the native node's raw unit down to ledger base units,
// truncating sub-base-unit dust.
func RawToBAN(raw *big.Int) *big.Int {
	return new(big.Int).Quo(raw, rawShift)
}
