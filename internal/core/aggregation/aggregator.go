package aggregation

import (
	"fmt"
	"sort"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

// Aggregator is the four-phase protocol a host drives per group and partition:
// Initialize, Accumulate for every row, Merge partials, Finalize once.
type Aggregator interface {
	Initialize()
	Accumulate(value numeric.NullDecimal, declared numeric.Shape) error
	Merge(other State) error
	Finalize() (numeric.NullDecimal, error)
	State() State
}

// Factory builds an aggregator for one planned input column.
type Factory func(plan Plan, rounding numeric.Rounding) Aggregator

// Functions is the registry of aggregate functions a rule may name.
// To add a function: implement Aggregator and register a Factory here.
var Functions = map[string]Factory{
	FuncExactAvg: newExactAvg,
	FuncAvg:      newExactAvg,
}

func newExactAvg(plan Plan, rounding numeric.Rounding) Aggregator {
	return NewExactAverage(plan, WithRounding(rounding))
}

// ValidFunction reports whether name is a registered aggregate function.
func ValidFunction(name string) bool {
	_, ok := Functions[name]
	return ok
}

// FunctionNames lists the registered function names in sorted order.
func FunctionNames() []string {
	names := make([]string, 0, len(Functions))
	for name := range Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewAggregator looks up name and builds an initialized aggregator for plan.
func NewAggregator(name string, plan Plan, rounding numeric.Rounding) (Aggregator, error) {
	factory, ok := Functions[name]
	if !ok {
		return nil, fmt.Errorf("unsupported aggregate function %q", name)
	}
	return factory(plan, rounding), nil
}
