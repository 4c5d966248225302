package evaluate

import (
	"context"
	"fmt"
	"strings"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxPartitions bounds the fan-out of one evaluation.
	MaxPartitions = 256
	// MaxValues bounds the number of rows one evaluation accepts.
	MaxValues = 100000
)

// Job is one in-process run of the aggregate over a column of values.
type Job struct {
	Input      numeric.Shape
	Values     []numeric.NullDecimal
	Partitions int
	Rounding   numeric.Rounding
}

// Result is the finalized average plus the merged state it came from.
type Result struct {
	Plan    coreagg.Plan
	Average numeric.NullDecimal
	State   coreagg.State
}

// ParseValue reads one row. NULL (any case) and the empty string are SQL NULL.
func ParseValue(text string, shape numeric.Shape) (numeric.NullDecimal, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "null") {
		return numeric.NullDecimal{}, nil
	}
	d, err := numeric.Parse(text, shape)
	if err != nil {
		return numeric.NullDecimal{}, fmt.Errorf("%w: %v", coreagg.ErrInvalidInputShape, err)
	}
	return numeric.NewNullDecimal(d), nil
}

// Run plans the input shape, spreads the values round-robin over
// job.Partitions aggregators that accumulate concurrently, merges the
// partials pairwise as a balanced tree and finalizes the root.
func Run(ctx context.Context, planner coreagg.Planner, job Job) (Result, error) {
	plan, err := planner.Plan(job.Input)
	if err != nil {
		return Result{}, err
	}
	partitions := job.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	if partitions > MaxPartitions {
		return Result{}, fmt.Errorf("partitions %d exceeds the limit of %d", partitions, MaxPartitions)
	}

	aggs := make([]coreagg.Aggregator, partitions)
	for i := range aggs {
		aggs[i] = coreagg.NewExactAverage(plan, coreagg.WithRounding(job.Rounding))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range aggs {
		g.Go(func() error {
			for j := i; j < len(job.Values); j += partitions {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := aggs[i].Accumulate(job.Values[j], job.Input); err != nil {
					return fmt.Errorf("row %d: %w", j, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	root, err := mergeTree(ctx, aggs)
	if err != nil {
		return Result{}, err
	}
	state := root.State()
	avg, err := root.Finalize()
	if err != nil {
		return Result{}, err
	}
	return Result{Plan: plan, Average: avg, State: state}, nil
}

// mergeTree folds aggs[i+stride] into aggs[i] level by level until aggs[0]
// holds every partial. Merges within a level touch disjoint destinations and run in parallel.
func mergeTree(ctx context.Context, aggs []coreagg.Aggregator) (coreagg.Aggregator, error) {
	for stride := 1; stride < len(aggs); stride *= 2 {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i+stride < len(aggs); i += 2 * stride {
			dst, src := aggs[i], aggs[i+stride]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return dst.Merge(src.State())
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return aggs[0], nil
}
