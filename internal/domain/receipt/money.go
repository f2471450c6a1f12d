package receipt

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in minor currency units (kopecks).
type Money int64

var (
	errNotDecimal = errors.New("not a decimal number")
	errOutOfRange = errors.New("out of range")
)

// String renders the amount with two fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float returns the amount in major units.
func (m Money) Float() float64 { return float64(m) / 100 }

// ParseMoney parses a decimal amount such as "1 299,90" or "12.5".
// Whitespace (including non-breaking spaces) and a trailing ruble sign are ignored,
// comma is accepted as the decimal separator, extra fractional digits are rounded half up.
func ParseMoney(s string) (Money, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\u00a0', '\u202f', '₽':
			return -1
		case ',':
			return '.'
		}
		return r
	}, s)
	if s == "" {
		return 0, errNotDecimal
	}

	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, errNotDecimal
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, errNotDecimal
	}

	var units int64
	if whole != "" {
		w, err := strconv.ParseInt(whole, 10, 64)
		if errors.Is(err, strconv.ErrRange) || w > math.MaxInt64/100 {
			return 0, errOutOfRange
		}
		if err != nil {
			return 0, fmt.Errorf("parse whole part: %w", err)
		}
		units = w * 100
	}

	var cents int64
	switch {
	case len(frac) == 1:
		cents = int64(frac[0]-'0') * 10
	case len(frac) >= 2:
		cents = int64(frac[0]-'0')*10 + int64(frac[1]-'0')
		if len(frac) > 2 && frac[2] >= '5' {
			cents++
		}
	}
	if units > math.MaxInt64-cents {
		return 0, errOutOfRange
	}
	units += cents

	if neg {
		units = -units
	}
	return Money(units), nil
}

// moneyFromFloat rounds v to whole minor units; ok is false when the result does not fit.
func moneyFromFloat(v float64) (m Money, ok bool) {
	r := math.Round(v)
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
	if math.IsNaN(r) || r >= math.MaxInt64 || r < math.MinInt64 {
		return 0, false
	}
	return Money(r), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
