package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseWindowSize(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantSize  time.Duration
		wantError bool
	}{
		{name: "minute", input: "1m", wantSize: time.Minute},
		{name: "hour", input: "2h", wantSize: 2 * time.Hour},
		{name: "days suffix", input: "3d", wantSize: 72 * time.Hour},
		{name: "empty invalid", input: "", wantError: true},
		{name: "negative invalid", input: "-1m", wantError: true},
		{name: "zero invalid", input: "0m", wantError: true},
		{name: "bad day format invalid", input: "xd", wantError: true},
		{name: "unknown unit invalid", input: "10x", wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := ParseWindowSize(tc.input)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantSize, spec.Size)
		})
	}
}

func TestBucketFor(t *testing.T) {
	ts := time.Date(2026, 2, 11, 10, 35, 42, 123456789, time.UTC)

	require.Equal(t,
		time.Date(2026, 2, 11, 10, 35, 0, 0, time.UTC),
		BucketFor(ts, time.Minute),
	)
	require.Equal(t,
		time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC),
		BucketFor(ts, time.Hour),
	)
	require.Equal(t,
		time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC),
		BucketFor(ts, 24*time.Hour),
	)
}

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		input     string
		want      Granularity
		wantError bool
	}{
		{input: "", want: GranularityTotal},
		{input: "total", want: GranularityTotal},
		{input: "bucket", want: GranularityBucket},
		{input: "hour", want: GranularityHour},
		{input: "1h", want: GranularityHour},
		{input: "1d", want: GranularityDay},
		{input: "week", wantError: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			g, err := ParseGranularity(tc.input)
			if tc.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, g)
		})
	}
}

func TestGranularity_WindowFor(t *testing.T) {
	bucket := time.Date(2026, 2, 11, 10, 35, 0, 0, time.UTC)
	start := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)

	ws, we := GranularityBucket.WindowFor(bucket, time.Minute, start, end)
	require.Equal(t, bucket, ws)
	require.Equal(t, bucket.Add(time.Minute), we)

	ws, we = GranularityHour.WindowFor(bucket, time.Minute, start, end)
	require.Equal(t, time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC), ws)
	require.Equal(t, time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC), we)

	ws, we = GranularityDay.WindowFor(bucket, time.Minute, start, end)
	require.Equal(t, start, ws)
	require.Equal(t, end, we)

	ws, we = GranularityTotal.WindowFor(bucket, time.Minute, start, end)
	require.Equal(t, start, ws)
	require.Equal(t, end, we)
}
