package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is an amount in minor currency units (cents).
type Money int64

// ParseMoney parses a decimal amount such as "12.5" or "-3.005". Digits past
// the second decimal place are rounded half-up (away from zero).
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if strings.HasPrefix(whole, "-") || strings.HasPrefix(whole, "+") {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
	}
	frac += "000"
	cents, _ := strconv.ParseInt(frac[:2], 10, 64)
	total := units*100 + cents
	if frac[2] >= '5' {
		total++
	}
	if neg {
		total = -total
	}
	return Money(total), nil
}

// MoneyFromFloat converts a float amount to cents, rounding half-up.
func MoneyFromFloat(v float64) (Money, error) {
	return ParseMoney(strconv.FormatFloat(v, 'f', -1, 64))
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float64 is meant for display and third-party APIs, never for arithmetic.
func (m Money) Float64() float64 {
	return float64(m) / 100
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return nil
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
