package projection

import (
	"fmt"
	"time"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
)

type outputWindow struct {
	start, end time.Time
}

// windowKey compares instants, not time.Time values with their locations.
type windowKey struct {
	start, end int64
}

func (w outputWindow) key() windowKey {
	return windowKey{start: w.start.UnixNano(), end: w.end.UnixNano()}
}

// rollup merges bucket states into output windows and finalizes each one.
// Buckets must be sorted by window start. Hourly and daily output covers the
// whole range, with null averages for windows that hold no rows.
func rollup(
	rule coreagg.AggregationRule,
	buckets []bucketState,
	g coreagg.Granularity,
	bucketDuration time.Duration,
	start, end time.Time,
) ([]AverageValue, error) {
	var order []outputWindow
	grouped := make(map[windowKey][]coreagg.State)

	for _, w := range windowsInRange(g, start, end) {
		order = append(order, w)
		grouped[w.key()] = nil
	}
	for _, b := range buckets {
		ws, we := g.WindowFor(b.windowStart, bucketDuration, start, end)
		w := outputWindow{start: ws, end: we}
		if _, seen := grouped[w.key()]; !seen {
			order = append(order, w)
		}
		grouped[w.key()] = append(grouped[w.key()], b.state)
	}

	values := make([]AverageValue, 0, len(order))
	for _, w := range order {
		v, err := finalizeWindow(rule, grouped[w.key()])
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", w.start.Format(time.RFC3339), err)
		}
		v.WindowStart, v.WindowEnd = w.start, w.end
		values = append(values, v)
	}
	return values, nil
}

func finalizeWindow(rule coreagg.AggregationRule, states []coreagg.State) (AverageValue, error) {
	agg, err := rule.NewAggregator()
	if err != nil {
		return AverageValue{}, err
	}
	for _, st := range states {
		if err := agg.Merge(st); err != nil {
			return AverageValue{}, err
		}
	}
	merged := agg.State()

	avg, err := agg.Finalize()
	if err != nil {
		return AverageValue{}, err
	}
	return AverageValue{
		Average:  avg,
		Sum:      merged.Sum.String(),
		RowCount: merged.Count,
	}, nil
}

// windowsInRange lists the output windows that are always reported, even when empty.
// windowCount is the number of output windows windowsInRange would list
// for [start, end). Bucket output only lists windows holding data, so its
// count is an upper bound.
func windowCount(g coreagg.Granularity, bucketDuration time.Duration, start, end time.Time) int64 {
	var first time.Time
	var step time.Duration
	switch g {
	case coreagg.GranularityHour:
		first, step = start.Truncate(time.Hour), time.Hour
	case coreagg.GranularityDay:
		first, step = coreagg.TruncateToDay(start), 24*time.Hour
	case coreagg.GranularityBucket:
		first, step = start.Truncate(bucketDuration), bucketDuration
	default:
		return 1
	}
	if step <= 0 {
		return 1
	}
	// Sub saturates for ranges beyond ~292 years, still far above any cap.
	span := end.Sub(first)
	n := int64(span / step)
	if span%step != 0 {
		n++
	}
	return n
}

func windowsInRange(g coreagg.Granularity, start, end time.Time) []outputWindow {
	var (
		windows []outputWindow
		step    time.Duration
		cur     time.Time
	)
	switch g {
	case coreagg.GranularityTotal:
		return []outputWindow{{start: start, end: end}}
	case coreagg.GranularityHour:
		step, cur = time.Hour, start.Truncate(time.Hour)
	case coreagg.GranularityDay:
		step, cur = 24*time.Hour, coreagg.TruncateToDay(start)
	default:
		return nil
	}
	for cur.Before(end) {
		windows = append(windows, outputWindow{start: cur, end: cur.Add(step)})
		cur = cur.Add(step)
	}
	return windows
}
