package aggregation

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

// Phase is the position of an aggregate in its lifecycle:
// Fresh -> Accumulating -> Merged* -> Finalized.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseAccumulating
	PhaseMerged
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseAccumulating:
		return "accumulating"
	case PhaseMerged:
		return "merged"
	case PhaseFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Option configures an ExactAverage.
type Option func(*ExactAverage)

// WithRounding sets the rounding applied by the final division. Default is half-up.
func WithRounding(r numeric.Rounding) Option {
	return func(a *ExactAverage) { a.rounding = r }
}

// ExactAverage computes AVG over fixed-point values without ever returning a
// value it cannot prove exact. One instance serves one group on one partition
// and is not safe for concurrent use; partitions combine through Merge.
type ExactAverage struct {
	plan     Plan
	rounding numeric.Rounding
	state    State
	phase    Phase
}

var _ Aggregator = (*ExactAverage)(nil)

// NewExactAverage returns an initialized aggregate for plan.
// plan must come from Planner.Plan.
func NewExactAverage(plan Plan, opts ...Option) *ExactAverage {
	a := &ExactAverage{plan: plan}
	for _, opt := range opts {
		opt(a)
	}
	a.Initialize()
	return a
}

// Initialize resets the aggregate to an empty sum at the planned sum shape.
func (a *ExactAverage) Initialize() {
	zero, err := numeric.Zero(a.plan.Sum)
	if err != nil {
		panic(fmt.Sprintf("exact_avg: unplanned sum shape %s: %v", a.plan.Sum, err))
	}
	a.state = State{Sum: zero}
	a.phase = PhaseFresh
}

func (a *ExactAverage) Plan() Plan { return a.plan }

func (a *ExactAverage) Phase() Phase { return a.phase }

// State returns a snapshot of the partial state, suitable for shipping to another partition.
func (a *ExactAverage) State() State { return a.state }

// Accumulate folds one row. The first call records declared as the input shape.
// Null values are excluded from both sum and count.
func (a *ExactAverage) Accumulate(value numeric.NullDecimal, declared numeric.Shape) error {
	switch a.phase {
	case PhaseFinalized:
		return ErrFinalized
	case PhaseMerged:
		return fmt.Errorf("%w: accumulate after merge", ErrPhaseOrder)
	}

	if !a.state.InputKnown {
		if declared.Precision <= 0 || declared.Precision > a.plan.MaxPrecision {
			return fmt.Errorf("%w: exact_avg: invalid input NUMERIC precision %d", ErrInvalidInputShape, declared.Precision)
		}
		if err := declared.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInputShape, err)
		}
		a.state.Input = declared
		a.state.InputKnown = true
	}
	a.phase = PhaseAccumulating

	if !value.Valid {
		return nil
	}

	v, err := numeric.Cast(value.Decimal, a.state.Input)
	if err != nil {
		return fmt.Errorf("%w: value does not fit %s: %v", ErrInvalidInputShape, a.state.Input, err)
	}
	if a.state.Count == math.MaxUint64 {
		return ErrCounterOverflow
	}
	sum, err := numeric.Add(a.state.Sum, v)
	if err != nil {
		return a.sumOverflow(fmt.Errorf("exact_avg: accumulate into %s after %d rows: %w", a.plan.Sum, a.state.Count, err),
			a.state.Input.Precision, a.state.Count+1)
	}
	a.state.Sum = sum
	a.state.Count++
	return nil
}

// AccumulateBatch folds a block of rows that share one declared shape.
// On error the rows before the failing one remain accumulated.
func (a *ExactAverage) AccumulateBatch(values []numeric.NullDecimal, declared numeric.Shape) error {
	for i, v := range values {
		if err := a.Accumulate(v, declared); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// Merge folds another partition's partial state into this one.
// The caller serializes merges into the same destination.
func (a *ExactAverage) Merge(other State) error {
	if a.phase == PhaseFinalized {
		return ErrFinalized
	}
	merged, err := MergeStates(a.state, other)
	if err != nil {
		return a.sumOverflow(err, mergedInputPrecision(a.state, other), a.state.Count+other.Count)
	}
	a.state = merged
	a.phase = PhaseMerged
	return nil
}

// Finalize divides the exact sum by the row count at the planned output shape.
// It returns a null result for a group with no non-null rows and a
// *PrecisionExceededError when no exact sum can exist. Finalize is terminal.
func (a *ExactAverage) Finalize() (numeric.NullDecimal, error) {
	if a.phase == PhaseFinalized {
		return numeric.NullDecimal{}, ErrFinalized
	}
	a.phase = PhaseFinalized

	s := a.state
	if s.Count == 0 {
		return numeric.NullDecimal{}, nil
	}
	if !s.InputKnown {
		return numeric.NullDecimal{}, corruptf("row count %d with no recorded input shape", s.Count)
	}
	if s.Input.Precision <= 0 || s.Input.Precision > a.plan.MaxPrecision {
		return numeric.NullDecimal{}, corruptf("exact_avg: invalid stored input precision %d", s.Input.Precision)
	}
	if s.Input.Scale < 0 {
		return numeric.NullDecimal{}, corruptf("exact_avg: invalid stored input scale %d", s.Input.Scale)
	}

	if err := CertifyExactness(s.Input.Precision, new(big.Int).SetUint64(s.Count), a.plan.MaxPrecision); err != nil {
		return numeric.NullDecimal{}, err
	}

	// p_sum >= p_in + digits(count) here, so the sum is exact.
	count, err := numeric.FromCount(s.Count, s.Sum.Shape())
	if err != nil {
		return numeric.NullDecimal{}, corruptf("row count %d does not fit sum shape %s: %v", s.Count, s.Sum.Shape(), err)
	}
	mean, err := numeric.Divide(s.Sum, count, a.plan.Output, a.rounding)
	if err != nil {
		return numeric.NullDecimal{}, fmt.Errorf("exact_avg: error in finalize (overflow or divide): %w", err)
	}
	return numeric.NewNullDecimal(mean), nil
}

// sumOverflow reports an addition overflow as PrecisionExceeded when the row
// count already proves no exact sum exists. With guard digits covering every
// uint64 count that is the only way the running sum can overflow.
func (a *ExactAverage) sumOverflow(err error, inputPrecision int32, rows uint64) error {
	if !errors.Is(err, numeric.ErrOverflow) || inputPrecision <= 0 {
		return err
	}
	if cerr := CertifyExactness(inputPrecision, new(big.Int).SetUint64(rows), a.plan.MaxPrecision); cerr != nil {
		return cerr
	}
	return err
}

func mergedInputPrecision(a, b State) int32 {
	var p int32
	if a.InputKnown {
		p = a.Input.Precision
	}
	if b.InputKnown {
		p = max(p, b.Input.Precision)
	}
	return p
}

// CertifyExactness proves from the row count alone whether an exact sum of
// count values with inputPrecision digits fits under maxPrecision. The check
// is independent of the sum's digits: p_needed = inputPrecision + digits(count).
func CertifyExactness(inputPrecision int32, count *big.Int, maxPrecision int32) error {
	if count.Sign() < 0 {
		return corruptf("exact_avg: negative row count %s", count.String())
	}
	digits := numeric.DigitCountBig(count)
	needed := int64(inputPrecision) + int64(digits)
	if needed > int64(maxPrecision) {
		return &PrecisionExceededError{
			RequiredPrecision: needed,
			InputPrecision:    inputPrecision,
			CountDigits:       digits,
			Count:             new(big.Int).Set(count),
			MaxPrecision:      maxPrecision,
		}
	}
	return nil
}

// IsUserError reports whether err is a correct negative answer or bad input,
// as opposed to a defect.
func IsUserError(err error) bool {
	return errors.Is(err, ErrPrecisionExceeded) ||
		errors.Is(err, ErrInvalidInputShape) ||
		errors.Is(err, ErrCounterOverflow) ||
		errors.Is(err, numeric.ErrOverflow)
}
