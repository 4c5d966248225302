package aggregation

import (
	"fmt"
	"math"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

var (
	// DefaultGuardDigits reserves room in the running sum for any uint64 row count.
	DefaultGuardDigits = int32(numeric.DigitCount(math.MaxUint64))
	// DefaultOutputGrowth is the number of guard digits added to the result's precision and scale.
	DefaultOutputGrowth int32 = 5
)

// Planner derives the intermediate-sum and result shapes from an input column shape.
// It holds only tunables; Plan is a pure function of its argument.
type Planner struct {
	MaxPrecision int32
	GuardDigits  int32
	OutputGrowth int32
}

// Plan is the storage layout chosen for one input column, consulted once before execution.
type Plan struct {
	Input        numeric.Shape `json:"input"`
	Sum          numeric.Shape `json:"sum"`
	Output       numeric.Shape `json:"output"`
	MaxPrecision int32         `json:"max_precision"`
}

// DefaultPlanner uses the platform ceiling with uint64-sized guard digits.
func DefaultPlanner() Planner {
	return Planner{
		MaxPrecision: numeric.MaxPrecision,
		GuardDigits:  DefaultGuardDigits,
		OutputGrowth: DefaultOutputGrowth,
	}
}

// NewPlanner validates the tunables. Guard digits below DefaultGuardDigits
// would let a legal row count outgrow the sum shape.
func NewPlanner(maxPrecision, guardDigits, outputGrowth int32) (Planner, error) {
	if maxPrecision < 1 || maxPrecision > numeric.MaxPrecision {
		return Planner{}, fmt.Errorf("max precision %d must be between 1 and %d", maxPrecision, numeric.MaxPrecision)
	}
	if guardDigits < DefaultGuardDigits {
		return Planner{}, fmt.Errorf("guard digits must be >= %d to hold any uint64 row count, got %d", DefaultGuardDigits, guardDigits)
	}
	if outputGrowth < 0 {
		return Planner{}, fmt.Errorf("output growth must be >= 0, got %d", outputGrowth)
	}
	return Planner{MaxPrecision: maxPrecision, GuardDigits: guardDigits, OutputGrowth: outputGrowth}, nil
}

// Plan sizes the running sum and the result for an input of shape in.
//
//	sum:    p = min(max, p_in + guard),  s = clamp(s_in, 0, p)
//	output: p = min(max, p_in + growth), s = min(p, s_in + growth)
func (p Planner) Plan(in numeric.Shape) (Plan, error) {
	if in.Precision < 1 || in.Precision > p.MaxPrecision {
		return Plan{}, fmt.Errorf("%w: precision %d must be between 1 and %d", ErrInvalidInputShape, in.Precision, p.MaxPrecision)
	}
	if in.Scale < 0 || in.Scale > in.Precision {
		return Plan{}, fmt.Errorf("%w: scale %d must be between 0 and precision %d", ErrInvalidInputShape, in.Scale, in.Precision)
	}

	sumPrecision := min(p.MaxPrecision, in.Precision+p.GuardDigits)
	outPrecision := min(p.MaxPrecision, in.Precision+p.OutputGrowth)

	return Plan{
		Input:        in,
		Sum:          numeric.Shape{Precision: sumPrecision, Scale: clamp32(in.Scale, 0, sumPrecision)},
		Output:       numeric.Shape{Precision: outPrecision, Scale: min(outPrecision, in.Scale+p.OutputGrowth)},
		MaxPrecision: p.MaxPrecision,
	}, nil
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
