package projection

import (
	"context"
	"time"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/stretchr/testify/mock"
)

type partialStoreMock struct {
	mock.Mock
}

func (m *partialStoreMock) Flush(ctx context.Context, partials map[coreagg.AggregateKey]coreagg.PartialAggregate, cursor int64, bucketSize string) error {
	return m.Called(ctx, partials, cursor, bucketSize).Error(0)
}

func (m *partialStoreMock) ReadCheckpoint(ctx context.Context, bucketSize string) (int64, error) {
	args := m.Called(ctx, bucketSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *partialStoreMock) QueryRange(ctx context.Context, principalID, ruleName, bucketSize string, start, end time.Time) ([]coreagg.PartialAggregate, error) {
	args := m.Called(ctx, principalID, ruleName, bucketSize, start, end)
	return args.Get(0).([]coreagg.PartialAggregate), args.Error(1)
}

// snapshotStoreMock also reads partials and checkpoint in one call.
type snapshotStoreMock struct {
	partialStoreMock
}

func (m *snapshotStoreMock) QueryRangeWithCheckpoint(ctx context.Context, principalID, ruleName, bucketSize string, start, end time.Time) ([]coreagg.PartialAggregate, int64, error) {
	args := m.Called(ctx, principalID, ruleName, bucketSize, start, end)
	return args.Get(0).([]coreagg.PartialAggregate), args.Get(1).(int64), args.Error(2)
}

type eventStoreMock struct {
	mock.Mock
}

func (m *eventStoreMock) SaveEvent(ctx context.Context, event *v1.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *eventStoreMock) RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error) {
	args := m.Called(ctx, cursor, limit)
	return args.Get(0).([]*v1.Event), args.Error(1)
}

func (m *eventStoreMock) RetrieveScopedEventsAfterCursor(ctx context.Context, cursor int64, principalID, eventType string, start, end time.Time, limit int) ([]*v1.Event, error) {
	args := m.Called(ctx, cursor, principalID, eventType, start, end, limit)
	return args.Get(0).([]*v1.Event), args.Error(1)
}

func (m *eventStoreMock) ListPrincipalEvents(ctx context.Context, principalID string, limit int) ([]*v1.Event, error) {
	args := m.Called(ctx, principalID, limit)
	return args.Get(0).([]*v1.Event), args.Error(1)
}
