package projection

import (
	"testing"
	"time"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/stretchr/testify/require"
)

func TestWindowsInRange_DayBoundaries(t *testing.T) {
	tests := []struct {
		name         string
		start        time.Time
		end          time.Time
		wantWindows  int
		wantFirstDay time.Time
	}{
		{
			name:         "end aligned to day boundary does not add extra day",
			start:        time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			end:          time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
			wantWindows:  1,
			wantFirstDay: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:         "partial end day includes final day window",
			start:        time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			end:          time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC),
			wantWindows:  2,
			wantFirstDay: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			windows := windowsInRange(coreagg.GranularityDay, tc.start, tc.end)
			require.Len(t, windows, tc.wantWindows)
			require.Equal(t, tc.wantFirstDay, windows[0].start)
			require.Equal(t, tc.wantFirstDay.Add(24*time.Hour), windows[0].end)
		})
	}
}

func TestWindowsInRange_BucketHasNoFixedWindows(t *testing.T) {
	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.Empty(t, windowsInRange(coreagg.GranularityBucket, start, start.Add(time.Hour)))
	require.Len(t, windowsInRange(coreagg.GranularityTotal, start, start.Add(time.Hour)), 1)
	require.Len(t, windowsInRange(coreagg.GranularityHour, start.Add(30*time.Minute), start.Add(3*time.Hour)), 3)
}

func TestRollup_BucketGranularity(t *testing.T) {
	rule := kwhRule(t, 6, 2)
	buckets := []bucketState{
		{windowStart: queryStart, state: partialAt(t, rule, queryStart, "5.00", 2).State},
		{windowStart: queryStart.Add(3 * time.Minute), state: partialAt(t, rule, queryStart, "1.00", 3).State},
		// A stored partial and a tail partial for the same bucket merge into one window.
		{windowStart: queryStart.Add(3 * time.Minute), state: partialAt(t, rule, queryStart, "2.00", 3).State},
	}

	values, err := rollup(rule, buckets, coreagg.GranularityBucket, time.Minute, queryStart, queryStart.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, values, 2)

	require.Equal(t, "2.5000000", values[0].Average.String())
	require.Equal(t, queryStart.Add(time.Minute), values[0].WindowEnd)
	require.Equal(t, "0.5000000", values[1].Average.String())
	require.Equal(t, uint64(6), values[1].RowCount)
	require.Equal(t, "3.00", values[1].Sum)
}

func TestRollup_WindowKeysIgnoreLocation(t *testing.T) {
	rule := kwhRule(t, 6, 2)
	local := time.FixedZone("UTC+0", 0)
	buckets := []bucketState{
		{windowStart: queryStart.In(local), state: partialAt(t, rule, queryStart, "1.00", 1).State},
		{windowStart: queryStart, state: partialAt(t, rule, queryStart, "3.00", 1).State},
	}

	values, err := rollup(rule, buckets, coreagg.GranularityBucket, time.Minute, queryStart, queryStart.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, "2.0000000", values[0].Average.String())
}

func TestWindowCount_MatchesWindowsInRange(t *testing.T) {
	start := time.Date(2026, 2, 1, 10, 59, 0, 0, time.UTC)
	for _, g := range []coreagg.Granularity{coreagg.GranularityHour, coreagg.GranularityDay, coreagg.GranularityTotal} {
		for _, span := range []time.Duration{time.Minute, 62 * time.Minute, 25 * time.Hour, 30 * 24 * time.Hour} {
			want := len(windowsInRange(g, start, start.Add(span)))
			require.Equal(t, int64(want), windowCount(g, time.Minute, start, start.Add(span)), "%s over %s", g, span)
		}
	}
	require.Equal(t, int64(60), windowCount(coreagg.GranularityBucket, time.Minute, start, start.Add(time.Hour)))
}

func TestWindowCount_CenturyOfHours(t *testing.T) {
	start := time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, int64(876600), windowCount(coreagg.GranularityHour, time.Minute, start, end))
	require.Greater(t, windowCount(coreagg.GranularityHour, time.Minute, time.Time{}, end), int64(MaxOutputWindows))
}
