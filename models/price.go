package models

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of implied decimal places carried by Price.
const PriceDecimals = 8

var (
	ErrNegativePrice  = errors.New("price is negative")
	ErrNonFinitePrice = errors.New("price is not finite")
	ErrPriceOverflow  = errors.New("price does not fit fixed point range")
	ErrInvalidStep    = errors.New("price step must be positive")
)

// Price is a fixed point price with PriceDecimals implied decimals. It is
// comparable and hashable so it can key maps and ordered trees directly.
type Price int64

// ParsePrice converts a decimal string as sent by providers into a Price
// without passing through binary floating point.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return PriceFromDecimal(d)
}

// PriceFromDecimal scales d to the fixed point representation, rounding half
// away from zero at the last implied decimal.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	if d.IsNegative() {
		return 0, ErrNegativePrice
	}
	scaled := d.Shift(PriceDecimals).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, ErrPriceOverflow
	}
	return Price(scaled.IntPart()), nil
}

// PriceFromFloat rejects NaN, infinities and negative values.
func PriceFromFloat(f float64) (Price, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNonFinitePrice
	}
	return PriceFromDecimal(decimal.NewFromFloat(f))
}

// MustPrice is ParsePrice for constants and tests.
func MustPrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceDecimals)
}

func (p Price) String() string {
	return p.Decimal().String()
}

func (p Price) Float64() float64 {
	f, _ := p.Decimal().Float64()
	return f
}

// MarshalText renders the price as a decimal string so JSON consumers never
// see the scaled integer.
func (p Price) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Price) UnmarshalText(text []byte) error {
	v, err := ParsePrice(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// RoundToStep maps p onto the step grid. Exact multiples are unchanged and any
// value strictly between two adjacent levels resolves to the higher level.
func (p Price) RoundToStep(step PriceStep) Price {
	s := Price(step)
	if s <= 0 {
		return p
	}
	r := p % s
	if r == 0 {
		return p
	}
	if r > 0 {
		return p - r + s
	}
	return p - r
}

// PriceStep is the aggregation granularity of a stream. It is immutable for
// the lifetime of the stream that owns it.
type PriceStep int64

// ParsePriceStep parses a positive step such as "0.5".
func ParsePriceStep(s string) (PriceStep, error) {
	p, err := ParsePrice(s)
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		return 0, ErrInvalidStep
	}
	return PriceStep(p), nil
}

func (s PriceStep) Price() Price { return Price(s) }

func (s PriceStep) String() string { return Price(s).String() }

// ParseQuantity parses a provider quantity string. Quantities are carried as
// float64 once parsed.
func ParseQuantity(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// ValidQuantity reports whether q is finite and not negative.
func ValidQuantity(q float64) bool {
	return !math.IsNaN(q) && !math.IsInf(q, 0) && q >= 0
}
