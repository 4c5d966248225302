package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
	"github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEventStore struct {
	events []*v1.Event
}

func (m *mockEventStore) SaveEvent(_ context.Context, event *v1.Event) error {
	event.IngestSeq = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventStore) RetrieveEventsAfterCursor(_ context.Context, cursor int64, limit int) ([]*v1.Event, error) {
	var result []*v1.Event
	for _, evt := range m.events {
		if evt.IngestSeq > cursor {
			result = append(result, evt)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *mockEventStore) RetrieveScopedEventsAfterCursor(
	_ context.Context,
	cursor int64,
	principalID string,
	eventType string,
	start time.Time,
	end time.Time,
	limit int,
) ([]*v1.Event, error) {
	var result []*v1.Event
	for _, evt := range m.events {
		if evt.IngestSeq <= cursor || evt.PrincipalID != principalID || evt.Type != eventType {
			continue
		}
		if evt.OccurredAt.Before(start) || !evt.OccurredAt.Before(end) {
			continue
		}
		result = append(result, evt)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *mockEventStore) ListPrincipalEvents(_ context.Context, principalID string, limit int) ([]*v1.Event, error) {
	return nil, nil
}

// mockPartialStore merges flushed partials the way the SQL upsert does.
type mockPartialStore struct {
	checkpoints map[string]int64
	partials    map[aggregation.AggregateKey]aggregation.PartialAggregate
	flushes     int
}

func newMockPartialStore() *mockPartialStore {
	return &mockPartialStore{
		checkpoints: map[string]int64{},
		partials:    map[aggregation.AggregateKey]aggregation.PartialAggregate{},
	}
}

func (m *mockPartialStore) ReadCheckpoint(_ context.Context, bucketSize string) (int64, error) {
	return m.checkpoints[bucketSize], nil
}

func (m *mockPartialStore) Flush(_ context.Context, partials map[aggregation.AggregateKey]aggregation.PartialAggregate, cursor int64, bucketSize string) error {
	if cursor <= m.checkpoints[bucketSize] {
		return nil
	}
	for k, p := range partials {
		if existing, ok := m.partials[k]; ok {
			merged, err := aggregation.MergeStates(existing.State, p.State)
			if err != nil {
				return err
			}
			p.State = merged
		}
		m.partials[k] = p
	}
	m.checkpoints[bucketSize] = cursor
	m.flushes++
	return nil
}

func (m *mockPartialStore) QueryRange(_ context.Context, principalID, ruleName, bucketSize string, start, end time.Time) ([]aggregation.PartialAggregate, error) {
	var results []aggregation.PartialAggregate
	for k, p := range m.partials {
		if k.PrincipalID != principalID || k.RuleName != ruleName || k.BucketSize != bucketSize {
			continue
		}
		if !k.WindowStart.Before(start) && k.WindowStart.Before(end) {
			results = append(results, p)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key.WindowStart.Before(results[j].Key.WindowStart) })
	return results, nil
}

func avgRule(t *testing.T, name string, window time.Duration) aggregation.AggregationRule {
	t.Helper()
	input := numeric.Shape{Precision: 6, Scale: 2}
	plan, err := aggregation.DefaultPlanner().Plan(input)
	require.NoError(t, err)
	return aggregation.AggregationRule{
		Name:        name,
		SourceEvent: "meter.read",
		Function:    aggregation.FuncExactAvg,
		Field:       "kwh",
		Input:       input,
		Plan:        plan,
		Rounding:    numeric.RoundHalfUp,
		WindowSize:  window,
		Fingerprint: "fp-" + name,
	}
}

func reading(seq int64, principal string, at time.Time, kwh interface{}) *v1.Event {
	data := map[string]interface{}{}
	if kwh != nil {
		data["kwh"] = kwh
	}
	return &v1.Event{
		ID:          fmt.Sprintf("evt-%d", seq),
		PrincipalID: principal,
		Type:        "meter.read",
		OccurredAt:  at,
		IngestSeq:   seq,
		Data:        data,
	}
}

func onlyPartial(t *testing.T, store *mockPartialStore) aggregation.PartialAggregate {
	t.Helper()
	require.Len(t, store.partials, 1)
	for _, p := range store.partials {
		return p
	}
	return aggregation.PartialAggregate{}
}

func TestBatchJob_NoEvents(t *testing.T) {
	store := newMockPartialStore()

	err := RunBatchAggregation(context.Background(), &mockEventStore{}, store, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), store.checkpoints["1m"])
	assert.Empty(t, store.partials)
	assert.Zero(t, store.flushes)
}

func TestBatchJob_AccumulatesExactPartial(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("1.10")),
		reading(2, "sensor-1", now.Add(10*time.Second), json.Number("2.20")),
		reading(3, "sensor-1", now.Add(20*time.Second), json.Number("3.35")),
	}}
	store := newMockPartialStore()

	err := RunBatchAggregation(context.Background(), events, store, []aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, int64(3), store.checkpoints["1m"])
	p := onlyPartial(t, store)
	assert.Equal(t, "6.65", p.State.Sum.String())
	assert.Equal(t, numeric.Shape{Precision: 26, Scale: 2}, p.State.Sum.Shape())
	assert.Equal(t, uint64(3), p.State.Count)
	assert.True(t, p.State.InputKnown)
	assert.Equal(t, "evt-3", p.LastEventID)
	assert.Equal(t, "fp-avg_kwh", p.RuleFingerprint)
	assert.Equal(t, now, p.Key.WindowStart)
}

func TestBatchJob_NullsAreExcludedFromCount(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("4.00")),
		reading(2, "sensor-1", now, nil),
		{ID: "evt-3", PrincipalID: "sensor-1", Type: "meter.read", OccurredAt: now, IngestSeq: 3,
			Data: map[string]interface{}{"kwh": nil}},
		reading(4, "sensor-1", now, "2.00"),
	}}
	store := newMockPartialStore()

	err := RunBatchAggregation(context.Background(), events, store, []aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)})
	require.NoError(t, err)

	p := onlyPartial(t, store)
	assert.Equal(t, "6.00", p.State.Sum.String())
	assert.Equal(t, uint64(2), p.State.Count)
}

func TestBatchJob_RejectedRowsDoNotStallCheckpoint(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("1.00")),
		reading(2, "sensor-1", now, json.Number("1.005")),   // too many fractional digits
		reading(3, "sensor-1", now, json.Number("12345.00")), // does not fit NUMERIC(6,2)
		reading(4, "sensor-1", now, true),
		reading(5, "sensor-1", now, json.Number("3.00")),
	}}
	store := newMockPartialStore()

	result, err := RunBatchAggregationWithOptions(context.Background(), events, store,
		[]aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)}, DefaultBatchJobOptions())
	require.NoError(t, err)

	assert.Equal(t, 5, result.EventsProcessed)
	assert.Equal(t, 3, result.RejectedRows)
	assert.Equal(t, int64(5), result.ToCursor)
	assert.NotEmpty(t, result.RunID)

	p := onlyPartial(t, store)
	assert.Equal(t, "4.00", p.State.Sum.String())
	assert.Equal(t, uint64(2), p.State.Count)
	assert.Equal(t, "evt-5", p.LastEventID)
}

func TestBatchJob_MultipleWindows(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("1.00")),
		reading(2, "sensor-1", now.Add(2*time.Minute), json.Number("2.00")),
	}}
	store := newMockPartialStore()

	err := RunBatchAggregation(context.Background(), events, store, []aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)})
	require.NoError(t, err)

	assert.Len(t, store.partials, 2)
	for _, p := range store.partials {
		assert.Equal(t, uint64(1), p.State.Count)
	}
}

func TestBatchJob_IncrementalBatchesMergeAdditively(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("1.25")),
		reading(2, "sensor-1", now, json.Number("2.50")),
		reading(3, "sensor-1", now, json.Number("3.75")),
	}}
	store := newMockPartialStore()
	rules := []aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)}
	opts := DefaultBatchJobOptions()
	opts.BatchSize = 2

	first, err := RunBatchAggregationWithOptions(context.Background(), events, store, rules, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, first.EventsProcessed)

	second, err := RunBatchAggregationWithOptions(context.Background(), events, store, rules, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.EventsProcessed)
	assert.Equal(t, int64(2), second.FromCursor)

	p := onlyPartial(t, store)
	assert.Equal(t, "7.50", p.State.Sum.String())
	assert.Equal(t, uint64(3), p.State.Count)

	// A rerun at the durable checkpoint sees nothing new.
	third, err := RunBatchAggregationWithOptions(context.Background(), events, store, rules, opts)
	require.NoError(t, err)
	assert.Zero(t, third.EventsProcessed)
	assert.Equal(t, 2, store.flushes)
	assert.Equal(t, "7.50", onlyPartial(t, store).State.Sum.String())
}

func TestBatchJob_WorkerCountDoesNotChangeResult(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	var evts []*v1.Event
	for i := 1; i <= 200; i++ {
		principal := fmt.Sprintf("sensor-%d", i%17)
		evts = append(evts, reading(int64(i), principal, now.Add(time.Duration(i)*time.Second),
			json.Number(fmt.Sprintf("%d.%02d", i%100, i%97))))
	}
	rules := []aggregation.AggregationRule{avgRule(t, "avg_kwh", time.Minute)}

	run := func(workers int) map[aggregation.AggregateKey]aggregation.PartialAggregate {
		store := newMockPartialStore()
		opts := DefaultBatchJobOptions()
		opts.WorkerCount = workers
		_, err := RunBatchAggregationWithOptions(context.Background(), &mockEventStore{events: evts}, store, rules, opts)
		require.NoError(t, err)
		return store.partials
	}

	serial := run(1)
	parallel := run(7)
	require.Equal(t, len(serial), len(parallel))
	for key, want := range serial {
		got, ok := parallel[key]
		require.True(t, ok, "missing key %v", key)
		assert.True(t, want.State.Sum.Equal(got.State.Sum), "sum mismatch for %v", key)
		assert.Equal(t, want.State.Count, got.State.Count)
		assert.Equal(t, want.LastEventID, got.LastEventID)
	}
}

func TestBatchJob_BucketScopedCheckpoint(t *testing.T) {
	now := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	events := &mockEventStore{events: []*v1.Event{
		reading(1, "sensor-1", now, json.Number("1.00")),
		reading(2, "sensor-1", now.Add(90*time.Second), json.Number("2.00")),
	}}
	store := newMockPartialStore()
	rules := []aggregation.AggregationRule{
		avgRule(t, "avg_kwh_1m", time.Minute),
		avgRule(t, "avg_kwh_10m", 10*time.Minute),
	}

	streams := BucketStreams(rules, DefaultBatchJobOptions())
	require.Len(t, streams, 2)
	for _, opts := range streams {
		_, err := RunBatchAggregationWithOptions(context.Background(), events, store, rules, opts)
		require.NoError(t, err)
	}

	require.Equal(t, int64(2), store.checkpoints["1m"])
	require.Equal(t, int64(2), store.checkpoints["10m"])

	var fine, coarse int
	for key, p := range store.partials {
		switch key.BucketSize {
		case "1m":
			fine++
			require.Equal(t, "avg_kwh_1m", key.RuleName)
		case "10m":
			coarse++
			require.Equal(t, "avg_kwh_10m", key.RuleName)
			require.Equal(t, uint64(2), p.State.Count)
		}
	}
	require.Equal(t, 2, fine)
	require.Equal(t, 1, coarse)
}

func TestBucketStreams(t *testing.T) {
	rules := []aggregation.AggregationRule{
		{Name: "a", WindowSize: time.Hour},
		{Name: "b"},
		{Name: "c", WindowSize: time.Minute},
		{Name: "d", WindowSize: 24 * time.Hour},
	}

	streams := BucketStreams(rules, BatchJobParameter{BatchSize: 10, WorkerCount: 2})
	labels := make([]string, 0, len(streams))
	for _, s := range streams {
		labels = append(labels, s.BucketLabel)
		assert.Equal(t, 10, s.BatchSize)
		assert.Equal(t, 2, s.WorkerCount)
	}
	assert.Equal(t, []string{"1m", "1h", "1d"}, labels)
}

func TestWindowSizeLabel(t *testing.T) {
	assert.Equal(t, "30s", WindowSizeLabel(30*time.Second))
	assert.Equal(t, "5m", WindowSizeLabel(5*time.Minute))
	assert.Equal(t, "2h", WindowSizeLabel(2*time.Hour))
	assert.Equal(t, "7d", WindowSizeLabel(7*24*time.Hour))
	assert.Equal(t, "1.5s", WindowSizeLabel(1500*time.Millisecond))
}
