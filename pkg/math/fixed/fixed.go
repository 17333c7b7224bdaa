// Package fixed converts between human decimal inputs and field elements.
// Values are scaled by 100 (two fractional digits) and embedded into the
// field; sums are decoded back through the signed centered representative.
// All parsing is textual so no binary floating point ever touches a value.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/benchmark/pkg/math/field"
)

// Scale is the fixed-point scaling factor.
const Scale = 100

var (
	// ErrSyntax indicates a string that is not a plain decimal number.
	ErrSyntax = errors.New("fixed: not a decimal number")

	// ErrPrecision indicates more than two fractional digits.
	ErrPrecision = errors.New("fixed: more than two fractional digits")
)

// Parse converts a decimal string into hundredths. Accepted forms are an
// optional sign, an integer part, and an optional fraction of at most two
// digits. Exponents, hex and empty parts are rejected.
func Parse(s string) (*big.Int, error) {
	rest := s
	negative := false
	switch {
	case strings.HasPrefix(rest, "-"):
		negative = true
		rest = rest[1:]
	case strings.HasPrefix(rest, "+"):
		rest = rest[1:]
	}

	intPart := rest
	fracPart := ""
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		intPart = rest[:dot]
		fracPart = rest[dot+1:]
		if fracPart == "" {
			return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	if intPart == "" || !isDigits(intPart) {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if fracPart != "" && !isDigits(fracPart) {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if len(fracPart) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrPrecision, s)
	}

	// Pad the fraction to exactly two digits and fold it into the integer.
	fracPart += strings.Repeat("0", 2-len(fracPart))
	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	if negative {
		v.Neg(v)
	}
	return v, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Encode embeds a value in hundredths into the field. Values whose scaled
// magnitude exceeds the embeddable range are rejected.
func Encode(hundredths *big.Int) (field.Element, error) {
	return field.FromInt(hundredths)
}

// DecodeAverage interprets sum as the total of n scaled inputs, computes
// their mean rounded half away from zero to whole hundredths, and formats
// it with up to two fractional digits.
func DecodeAverage(sum field.Element, n int) string {
	total := sum.Centered()
	divisor := big.NewInt(int64(n))

	q, r := new(big.Int).QuoRem(total, divisor, new(big.Int))
	// Round half away from zero: |r|*2 >= n bumps the quotient outward.
	r.Abs(r)
	if r.Lsh(r, 1).Cmp(divisor) >= 0 {
		if total.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return Format(q)
}

// Format renders a value in hundredths as a decimal string, trimming
// trailing fractional zeros.
func Format(hundredths *big.Int) string {
	v := new(big.Int).Set(hundredths)
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	whole, frac := new(big.Int).QuoRem(v, big.NewInt(Scale), new(big.Int))
	f := frac.Int64()
	switch {
	case f == 0:
		return fmt.Sprintf("%s%s", sign, whole)
	case f%10 == 0:
		return fmt.Sprintf("%s%s.%d", sign, whole, f/10)
	default:
		return fmt.Sprintf("%s%s.%02d", sign, whole, f)
	}
}
