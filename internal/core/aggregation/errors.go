package aggregation

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidInputShape is returned for a declared input precision/scale outside legal bounds.
	ErrInvalidInputShape = errors.New("invalid input numeric shape")
	// ErrPrecisionExceeded marks a group whose exact sum cannot be represented at all.
	// The concrete error is always a *PrecisionExceededError.
	ErrPrecisionExceeded = errors.New("precision exceeded")
	// ErrCorruptState is returned when an aggregation state violates its own invariants.
	ErrCorruptState = errors.New("corrupt aggregation state")
	// ErrFinalized is returned for any call on an aggregate after Finalize.
	ErrFinalized = errors.New("aggregate already finalized")
	// ErrPhaseOrder is returned for Accumulate after Merge.
	ErrPhaseOrder = errors.New("aggregate phase order violated")
	// ErrCounterOverflow is returned when the row counter would wrap.
	ErrCounterOverflow = errors.New("row counter overflow")
)

// PrecisionExceededError proves that no aggregator can hold the exact sum of
// Count values of InputPrecision digits under MaxPrecision.
type PrecisionExceededError struct {
	RequiredPrecision int64
	InputPrecision    int32
	CountDigits       int
	Count             *big.Int
	MaxPrecision      int32
}

func (e *PrecisionExceededError) Error() string {
	return fmt.Sprintf(
		"exact_avg: cannot calculate the exact average for such huge numbers: "+
			"required precision %d (input precision %d plus %d digits for row count %s) "+
			"exceeds maximum NUMERIC precision %d; consider reducing the magnitude or number of rows",
		e.RequiredPrecision, e.InputPrecision, e.CountDigits, e.Count.String(), e.MaxPrecision,
	)
}

func (e *PrecisionExceededError) Is(target error) bool {
	return target == ErrPrecisionExceeded
}

// Details returns the diagnostic numbers for API error responses.
func (e *PrecisionExceededError) Details() map[string]interface{} {
	return map[string]interface{}{
		"required_precision": e.RequiredPrecision,
		"input_precision":    e.InputPrecision,
		"row_count_digits":   e.CountDigits,
		"row_count":          e.Count.String(),
		"max_precision":      e.MaxPrecision,
	}
}

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrCorruptState}, args...)...)
}
