package aggregation

import (
	"testing"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlanner_GuardDigitsCoverCounter(t *testing.T) {
	p := DefaultPlanner()
	require.Equal(t, numeric.MaxPrecision, p.MaxPrecision)
	require.Equal(t, int32(20), p.GuardDigits)
	require.Equal(t, int32(5), p.OutputGrowth)
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name    string
		in      numeric.Shape
		wantSum numeric.Shape
		wantOut numeric.Shape
	}{
		{name: "money", in: shape(10, 2), wantSum: shape(30, 2), wantOut: shape(15, 7)},
		{name: "integer", in: shape(1, 0), wantSum: shape(21, 0), wantOut: shape(6, 5)},
		{name: "all fraction", in: shape(4, 4), wantSum: shape(24, 4), wantOut: shape(9, 9)},
		{name: "near ceiling", in: shape(1010, 3), wantSum: shape(1024, 3), wantOut: shape(1015, 8)},
		{name: "ceiling", in: shape(1024, 1024), wantSum: shape(1024, 1024), wantOut: shape(1024, 1024)},
		{name: "ceiling integer", in: shape(1024, 0), wantSum: shape(1024, 0), wantOut: shape(1024, 5)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := DefaultPlanner().Plan(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.in, plan.Input)
			require.Equal(t, tc.wantSum, plan.Sum)
			require.Equal(t, tc.wantOut, plan.Output)
			require.NoError(t, plan.Sum.Validate())
			require.NoError(t, plan.Output.Validate())
		})
	}
}

func TestPlanner_PlanRejectsInvalidShape(t *testing.T) {
	for _, in := range []numeric.Shape{
		shape(0, 0),
		shape(-3, 0),
		shape(1025, 0),
		shape(10, -1),
		shape(10, 11),
	} {
		t.Run(in.String(), func(t *testing.T) {
			_, err := DefaultPlanner().Plan(in)
			require.ErrorIs(t, err, ErrInvalidInputShape)
		})
	}
}

func TestPlanner_Monotonic(t *testing.T) {
	p := DefaultPlanner()
	var prev Plan
	for precision := int32(1); precision <= numeric.MaxPrecision; precision++ {
		plan, err := p.Plan(shape(precision, precision/2))
		require.NoError(t, err)

		require.GreaterOrEqual(t, plan.Sum.Precision, prev.Sum.Precision)
		require.GreaterOrEqual(t, plan.Output.Precision, prev.Output.Precision)
		require.GreaterOrEqual(t, plan.Sum.Precision, plan.Input.Precision)
		if precision+p.GuardDigits <= numeric.MaxPrecision {
			require.Equal(t, precision+p.GuardDigits, plan.Sum.Precision)
		} else {
			require.Equal(t, numeric.MaxPrecision, plan.Sum.Precision)
		}
		prev = plan
	}
}

func TestPlanner_Deterministic(t *testing.T) {
	p := DefaultPlanner()
	a, err := p.Plan(shape(38, 6))
	require.NoError(t, err)
	b, err := p.Plan(shape(38, 6))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNewPlanner(t *testing.T) {
	tests := []struct {
		name      string
		max       int32
		guard     int32
		growth    int32
		wantError bool
	}{
		{name: "defaults", max: 1024, guard: 20, growth: 5},
		{name: "smaller ceiling", max: 38, guard: 20, growth: 0},
		{name: "wider guard", max: 1024, guard: 25, growth: 5},
		{name: "ceiling zero", max: 0, guard: 20, growth: 5, wantError: true},
		{name: "ceiling above platform", max: 2048, guard: 20, growth: 5, wantError: true},
		{name: "no guard digits", max: 1024, guard: 0, growth: 5, wantError: true},
		{name: "guard for signed counter", max: 1024, guard: 19, growth: 5, wantError: true},
		{name: "guard too small for counter", max: 1024, guard: 5, growth: 5, wantError: true},
		{name: "negative growth", max: 1024, guard: 20, growth: -1, wantError: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewPlanner(tc.max, tc.guard, tc.growth)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.max, p.MaxPrecision)
		})
	}
}

func TestWiderShape(t *testing.T) {
	require.Equal(t, shape(30, 2), widerShape(shape(30, 2), shape(30, 2)))
	require.Equal(t, shape(32, 4), widerShape(shape(30, 2), shape(24, 4)))
	require.Equal(t, widerShape(shape(24, 4), shape(30, 2)), widerShape(shape(30, 2), shape(24, 4)))
	require.Equal(t, shape(1024, 10), widerShape(shape(1024, 0), shape(20, 10)))
}
