// Package numeric is the fixed-point decimal primitive set the aggregates run on.
// Every Decimal carries the NUMERIC(precision, scale) shape it was declared with,
// and arithmetic refuses to produce a value its target shape cannot hold.
package numeric

import (
	"errors"
	"fmt"
)

// MaxPrecision is the hard ceiling on representable precision.
const MaxPrecision int32 = 1024

var (
	// ErrInvalidShape is returned for a precision/scale pair outside legal bounds.
	ErrInvalidShape = errors.New("invalid numeric shape")
	// ErrOverflow is returned when a value has more integer digits than its shape allows.
	ErrOverflow = errors.New("numeric field overflow")
	// ErrScale is returned when a value has non-zero digits beyond its shape's scale.
	ErrScale = errors.New("numeric value exceeds declared scale")
	// ErrDivisionByZero is returned by Divide for a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")
)

// Shape is a declared NUMERIC(precision, scale).
type Shape struct {
	Precision int32 `json:"precision" yaml:"precision"`
	Scale     int32 `json:"scale" yaml:"scale"`
}

// Validate checks 1 <= precision <= MaxPrecision and 0 <= scale <= precision.
func (s Shape) Validate() error {
	if s.Precision < 1 || s.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d must be between 1 and %d", ErrInvalidShape, s.Precision, MaxPrecision)
	}
	if s.Scale < 0 || s.Scale > s.Precision {
		return fmt.Errorf("%w: scale %d must be between 0 and precision %d", ErrInvalidShape, s.Scale, s.Precision)
	}
	return nil
}

// IntegerDigits is the number of digits left of the decimal point.
func (s Shape) IntegerDigits() int32 {
	return s.Precision - s.Scale
}

func (s Shape) String() string {
	return fmt.Sprintf("NUMERIC(%d,%d)", s.Precision, s.Scale)
}
