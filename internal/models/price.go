package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Price is an optional amount in cents. The zero value is "unknown", which is
// different from a booking that is free (Valid with Cents == 0).
type Price struct {
	Cents int64
	Valid bool
}

func PriceFromCents(cents int64) Price {
	return Price{Cents: cents, Valid: true}
}

func UnknownPrice() Price {
	return Price{}
}

// String renders the price as a two-decimal amount, or an empty string when unknown.
func (p Price) String() string {
	if !p.Valid {
		return ""
	}
	sign := ""
	cents := p.Cents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return []byte(p.String()), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Price{}
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseAmount parses a plain decimal amount such as "50", "50.5" or "1234.00".
func ParseAmount(s string) (Price, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Price{}, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return Price{}, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return PriceFromCents(cents), nil
}

var _ json.Marshaler = Price{}
