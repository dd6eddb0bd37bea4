package md

import (
	"strconv"
	"strings"

	"github.com/yanun0323/errors"
)

// Price is a fixed-point price scaled by 1e4. The hot path never touches
// floating point; conversions happen only at serialization boundaries.
type Price int64

// PriceScale is the fixed-point scale factor.
const PriceScale = 10000

// ParsePrice parses a decimal string ("4500.5") into a fixed-point price.
func ParsePrice(s string) (Price, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty price")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	var fracPart string
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart, fracPart = s[:idx], s[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", s)
	}

	var frac int64
	scale := int64(PriceScale)
	for _, c := range fracPart {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("parse price %q: bad fraction", s)
		}
		if scale == 1 {
			break // truncate beyond 4 decimals
		}
		scale /= 10
		frac += int64(c-'0') * scale
	}

	v := whole*PriceScale + frac
	if neg {
		v = -v
	}
	return Price(v), nil
}

// Float64 converts for indicator math; never used on the hot path.
func (p Price) Float64() float64 { return float64(p) / PriceScale }

// MarshalJSON renders the price as a decimal string.
func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts a decimal string or a bare number.
func (p *Price) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	v, err := ParsePrice(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// String renders the price as a decimal with trailing zeros trimmed.
func (p Price) String() string {
	neg := p < 0
	if neg {
		p = -p
	}
	whole := int64(p) / PriceScale
	frac := int64(p) % PriceScale
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(whole, 10))
	if frac != 0 {
		digits := strconv.FormatInt(int64(frac)+PriceScale, 10)[1:] // zero-padded
		digits = strings.TrimRight(digits, "0")
		b.WriteByte('.')
		b.WriteString(digits)
	}
	return b.String()
}
