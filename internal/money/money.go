// Package money converts unit-tagged prices from the wire into integer base
// units. Nothing past the HTTP and websocket boundary sees a unit.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a count of base currency units (rupees).
type Amount int64

// Unit multipliers.
const (
	Rupee Amount = 1
	Lakh  Amount = 100_000
	Crore Amount = 10_000_000
)

var (
	ErrInvalidUnit = errors.New("money: unknown unit")
	ErrNegative    = errors.New("money: amount must not be negative")
	ErrFractional  = errors.New("money: amount is not a whole number of base units")
	ErrMalformed   = errors.New("money: malformed amount")
	ErrOutOfRange  = errors.New("money: amount out of range")
)

var (
	minAmount = decimal.NewFromInt(math.MinInt64)
	maxAmount = decimal.NewFromInt(math.MaxInt64)
)

// Price is the {value, unit} pair clients send, e.g. {"value": 1.5, "unit": "Crores"}.
type Price struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit"`
}

// ParseUnit returns the multiplier for a unit name. Matching is
// case-insensitive and accepts singular and short forms.
func ParseUnit(unit string) (Amount, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "lakhs", "lakh", "l":
		return Lakh, nil
	case "crores", "crore", "cr":
		return Crore, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrInvalidUnit, unit)
	}
}

// Amount converts p to base units.
func (p Price) Amount() (Amount, error) {
	return p.amount(false)
}

// SignedAmount is Amount for relative adjustments, where a negative value
// is a correction rather than an error.
func (p Price) SignedAmount() (Amount, error) {
	return p.amount(true)
}

func (p Price) amount(signed bool) (Amount, error) {
	mult, err := ParseUnit(p.Unit)
	if err != nil {
		return 0, err
	}
	if !signed && p.Value.IsNegative() {
		return 0, ErrNegative
	}
	return whole(p.Value.Mul(decimal.NewFromInt(int64(mult))))
}

func whole(d decimal.Decimal) (Amount, error) {
	if !d.IsInteger() {
		return 0, ErrFractional
	}
	if d.LessThan(minAmount) || d.GreaterThan(maxAmount) {
		return 0, ErrOutOfRange
	}
	return Amount(d.IntPart()), nil
}

// ParseJSON accepts either a {value, unit} object or a bare number that is
// already expressed in base units.
func ParseJSON(raw json.RawMessage) (Amount, error) {
	return parseJSON(raw, false)
}

// ParseSignedJSON is ParseJSON for bid increments: the {value, unit} form
// may carry a negative value too.
func ParseSignedJSON(raw json.RawMessage) (Amount, error) {
	return parseJSON(raw, true)
}

func parseJSON(raw json.RawMessage, signed bool) (Amount, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, ErrMalformed
	}
	if raw[0] == '{' {
		var p Price
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return p.amount(signed)
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return whole(d)
}

// IsValidationError reports whether err came from parsing client input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidUnit) ||
		errors.Is(err, ErrNegative) ||
		errors.Is(err, ErrFractional) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrOutOfRange)
}

// Add returns a+b clamped to the int64 range.
func (a Amount) Add(b Amount) Amount {
	sum := a + b
	switch {
	case b > 0 && sum < a:
		return math.MaxInt64
	case b < 0 && sum > a:
		return math.MinInt64
	}
	return sum
}

// String renders the amount the way auction commentary reads it:
// ₹1.5 Cr, ₹25 L or ₹900.
func (a Amount) String() string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	switch {
	case a >= Crore:
		return sign + "₹" + scaled(a, Crore) + " Cr"
	case a >= Lakh:
		return sign + "₹" + scaled(a, Lakh) + " L"
	default:
		return fmt.Sprintf("%s₹%d", sign, int64(a))
	}
}

func scaled(a, unit Amount) string {
	return decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(int64(unit))).String()
}
