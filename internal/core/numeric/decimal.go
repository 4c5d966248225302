package numeric

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimal is an immutable fixed-point value bound to its declared Shape.
// The zero Decimal is not usable; construct values with New, Parse, Zero or FromCount.
type Decimal struct {
	value decimal.Decimal
	shape Shape
}

// New binds v to shape. Values are never rounded on construction: digits beyond the
// scale fail with ErrScale and integer digits beyond precision-scale fail with ErrOverflow.
func New(v decimal.Decimal, shape Shape) (Decimal, error) {
	if err := shape.Validate(); err != nil {
		return Decimal{}, err
	}
	if err := fits(v, shape); err != nil {
		return Decimal{}, err
	}
	return Decimal{value: v, shape: shape}, nil
}

// MustNew is New that panics on error. Intended for constants and tests.
func MustNew(v decimal.Decimal, shape Shape) Decimal {
	d, err := New(v, shape)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a decimal literal into shape.
func Parse(text string, shape Shape) (Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return Decimal{}, fmt.Errorf("parse numeric %q: %w", text, err)
	}
	return New(v, shape)
}

// Zero returns 0 at shape.
func Zero(shape Shape) (Decimal, error) {
	return New(decimal.Zero, shape)
}

// FromCount represents a row count exactly at shape.
func FromCount(n uint64, shape Shape) (Decimal, error) {
	return New(decimal.NewFromUint64(n), shape)
}

// Value returns the underlying arbitrary-precision value.
func (d Decimal) Value() decimal.Decimal { return d.value }

// Shape returns the declared shape.
func (d Decimal) Shape() Shape { return d.shape }

func (d Decimal) IsZero() bool { return d.value.IsZero() }

func (d Decimal) Sign() int { return d.value.Sign() }

// Equal compares numeric value only; shapes may differ.
func (d Decimal) Equal(other Decimal) bool {
	return d.value.Equal(other.value)
}

// String renders the value with exactly Scale fractional digits.
func (d Decimal) String() string {
	return d.value.StringFixed(d.shape.Scale)
}

func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Cast moves d into another shape without rounding.
func Cast(d Decimal, shape Shape) (Decimal, error) {
	return New(d.value, shape)
}

// Add returns a+b at a's shape. The operands are never modified.
func Add(a, b Decimal) (Decimal, error) {
	sum, err := New(a.value.Add(b.value), a.shape)
	if err != nil {
		return Decimal{}, fmt.Errorf("add %s into %s: %w", b.shape, a.shape, err)
	}
	return sum, nil
}

// Divide computes dividend/divisor at target's scale, rounded by mode.
// This is the only operation in the package that may discard digits.
func Divide(dividend, divisor Decimal, target Shape, mode Rounding) (Decimal, error) {
	if err := target.Validate(); err != nil {
		return Decimal{}, err
	}
	if divisor.value.IsZero() {
		return Decimal{}, ErrDivisionByZero
	}
	q, err := New(mode.divide(dividend.value, divisor.value, target.Scale), target)
	if err != nil {
		return Decimal{}, fmt.Errorf("divide into %s: %w", target, err)
	}
	return q, nil
}

// DigitCount returns the number of base-10 digits of n. DigitCount(0) is 1.
func DigitCount(n uint64) int {
	return len(strconv.FormatUint(n, 10))
}

// DigitCountBig is DigitCount for counts wider than 64 bits.
func DigitCountBig(n *big.Int) int {
	if n.Sign() == 0 {
		return 1
	}
	return len(new(big.Int).Abs(n).Text(10))
}

func fits(v decimal.Decimal, shape Shape) error {
	if v.Exponent() < -shape.Scale && !v.Equal(v.Truncate(shape.Scale)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrScale, v.String(), shape.Scale)
	}
	intPart := v.BigInt()
	if intPart.Sign() == 0 {
		return nil
	}
	if digits := DigitCountBig(intPart); int32(digits) > shape.IntegerDigits() {
		return fmt.Errorf("%w: value with precision %d, scale %d must round to an absolute value less than 10^%d",
			ErrOverflow, shape.Precision, shape.Scale, shape.IntegerDigits())
	}
	return nil
}

// NullDecimal is a Decimal that may be SQL NULL.
type NullDecimal struct {
	Decimal Decimal
	Valid   bool
}

// NewNullDecimal wraps a non-null value.
func NewNullDecimal(d Decimal) NullDecimal {
	return NullDecimal{Decimal: d, Valid: true}
}

func (n NullDecimal) String() string {
	if !n.Valid {
		return "NULL"
	}
	return n.Decimal.String()
}

func (n NullDecimal) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(n.Decimal.String())), nil
}
