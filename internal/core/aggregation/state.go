package aggregation

import (
	"fmt"
	"math"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

// State is the partial result of one group on one partition: the exact running
// sum, the number of non-null rows and the declared input shape.
// Input is meaningful only when InputKnown is set.
type State struct {
	Sum        numeric.Decimal
	Count      uint64
	Input      numeric.Shape
	InputKnown bool
}

// Validate checks the invariants every state must hold before it is merged or finalized.
func (s State) Validate() error {
	if err := s.Sum.Shape().Validate(); err != nil {
		return corruptf("sum shape: %v", err)
	}
	if s.InputKnown {
		if s.Input.Precision <= 0 || s.Input.Precision > numeric.MaxPrecision {
			return corruptf("invalid stored input precision %d", s.Input.Precision)
		}
		if s.Input.Scale < 0 {
			return corruptf("invalid stored input scale %d", s.Input.Scale)
		}
	} else if s.Count > 0 {
		return corruptf("row count %d with no recorded input shape", s.Count)
	}
	return nil
}

// MergeStates combines two partial states. It is commutative and associative,
// so partials may be combined in any order and any tree shape.
func MergeStates(a, b State) (State, error) {
	if err := a.Validate(); err != nil {
		return State{}, err
	}
	if err := b.Validate(); err != nil {
		return State{}, err
	}
	if b.Count > math.MaxUint64-a.Count {
		return State{}, fmt.Errorf("%w: %d + %d rows", ErrCounterOverflow, a.Count, b.Count)
	}

	target := widerShape(a.Sum.Shape(), b.Sum.Shape())
	left, err := numeric.Cast(a.Sum, target)
	if err != nil {
		return State{}, fmt.Errorf("merge: %w", err)
	}
	sum, err := numeric.Add(left, b.Sum)
	if err != nil {
		return State{}, fmt.Errorf("merge: %w", err)
	}

	out := State{Sum: sum, Count: a.Count + b.Count}
	switch {
	case a.InputKnown && b.InputKnown:
		// Both sides describe the same column; max only matters if they diverge.
		out.Input = numeric.Shape{
			Precision: max(a.Input.Precision, b.Input.Precision),
			Scale:     max(a.Input.Scale, b.Input.Scale),
		}
		out.InputKnown = true
	case a.InputKnown:
		out.Input, out.InputKnown = a.Input, true
	case b.InputKnown:
		out.Input, out.InputKnown = b.Input, true
	}
	return out, nil
}

// ReduceStates merges a non-empty slice of partials as a balanced binary tree.
func ReduceStates(states []State) (State, error) {
	switch len(states) {
	case 0:
		return State{}, fmt.Errorf("reduce: no partial states")
	case 1:
		if err := states[0].Validate(); err != nil {
			return State{}, err
		}
		return states[0], nil
	}
	mid := len(states) / 2
	left, err := ReduceStates(states[:mid])
	if err != nil {
		return State{}, err
	}
	right, err := ReduceStates(states[mid:])
	if err != nil {
		return State{}, err
	}
	return MergeStates(left, right)
}

// widerShape covers both shapes' integer and fractional digits. Equal shapes
// are returned unchanged.
func widerShape(a, b numeric.Shape) numeric.Shape {
	if a == b {
		return a
	}
	scale := max(a.Scale, b.Scale)
	precision := max(a.IntegerDigits(), b.IntegerDigits()) + scale
	if precision > numeric.MaxPrecision {
		precision = numeric.MaxPrecision
	}
	if scale > precision {
		scale = precision
	}
	return numeric.Shape{Precision: precision, Scale: scale}
}
