package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	aggstore "github.com/aevon-lab/exactavg/internal/aggregation"
	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/storage"
)

const (
	rawQueryBatchSize     = 5000
	maxRawQueryIterations = 20 // bound the tail scan when the checkpoint is far behind

	// MaxOutputWindows bounds the windows one query may produce. Hourly and
	// daily output lists empty windows too, so the range alone sets the cost.
	MaxOutputWindows = 10000
)

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid average query")

// Service implements the projection/query layer.
// It serves a hybrid read path: durable partials plus unflushed raw events,
// merged per output window and finalized into exact averages.
type Service struct {
	partialStore aggstore.PartialStore
	eventStore   storage.EventStore
	rules        map[string]coreagg.AggregationRule
	nowFn        func() time.Time
}

// NewService creates a new projection service.
func NewService(
	partialStore aggstore.PartialStore,
	eventStore storage.EventStore,
	rules []coreagg.AggregationRule,
) *Service {
	ruleMap := make(map[string]coreagg.AggregationRule, len(rules))
	for _, rule := range rules {
		ruleMap[rule.Name] = rule
	}

	return &Service{
		partialStore: partialStore,
		eventStore:   eventStore,
		rules:        ruleMap,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// bucketState is the partial state of one storage bucket.
type bucketState struct {
	windowStart     time.Time
	state           coreagg.State
	ruleFingerprint string // empty for raw-tail buckets
}

// QueryAverages computes exact averages for a principal and rule over a time range.
func (s *Service) QueryAverages(ctx context.Context, req AverageQueryRequest) (*AverageQueryResponse, error) {
	granularity, err := s.normalizeAndValidate(&req)
	if err != nil {
		return nil, err
	}

	rule, ok := s.rules[req.Rule]
	if !ok {
		return nil, fmt.Errorf("%w: %q", coreagg.ErrRuleNotFound, req.Rule)
	}
	bucketDuration := rule.WindowSize
	if bucketDuration <= 0 {
		bucketDuration = coreagg.DefaultWindowSize
	}
	if n := windowCount(granularity, bucketDuration, req.Start, req.End); n > MaxOutputWindows {
		return nil, invalidQueryf("range spans %d %s windows, at most %d allowed", n, granularity, MaxOutputWindows)
	}
	bucketLabel := aggstore.WindowSizeLabel(bucketDuration)

	stored, checkpoint, err := s.loadPartials(ctx, req, bucketLabel)
	if err != nil {
		return nil, fmt.Errorf("query partials: %w", err)
	}

	tail, err := s.loadRawTail(ctx, req, rule, bucketDuration, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("query raw event tail: %w", err)
	}

	buckets := append(stored, tail...)
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].windowStart.Before(buckets[j].windowStart)
	})

	values, err := rollup(rule, buckets, granularity, bucketDuration, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	dataThrough := minTime(computeDataThrough(req.End, buckets, bucketDuration), s.nowFn())
	staleness := int(s.nowFn().Sub(dataThrough).Seconds())
	if staleness < 0 {
		staleness = 0
	}

	return &AverageQueryResponse{
		PrincipalID:      req.PrincipalID,
		Rule:             rule.Name,
		Function:         rule.Function,
		Plan:             rule.Plan,
		Rounding:         rule.Rounding.String(),
		Start:            req.Start,
		End:              req.End,
		Granularity:      string(granularity),
		DataThrough:      dataThrough,
		StalenessSeconds: staleness,
		StalePartials:    countStalePartials(stored, rule.Fingerprint),
		Values:           values,
	}, nil
}

func (s *Service) normalizeAndValidate(req *AverageQueryRequest) (coreagg.Granularity, error) {
	if req.PrincipalID == "" {
		return "", invalidQueryf("principal_id is required")
	}
	if req.Rule == "" {
		return "", invalidQueryf("rule is required")
	}
	if !req.End.After(req.Start) {
		return "", invalidQueryf("end time must be after start time")
	}
	g, err := coreagg.ParseGranularity(req.Granularity)
	if err != nil {
		return "", invalidQueryf("%v", err)
	}
	req.Granularity = string(g)
	return g, nil
}

func (s *Service) loadPartials(ctx context.Context, req AverageQueryRequest, bucketLabel string) ([]bucketState, int64, error) {
	var (
		partials   []coreagg.PartialAggregate
		checkpoint int64
		err        error
	)

	// A snapshot reader returns partials and checkpoint from one statement,
	// so a concurrent flush cannot be counted twice or missed.
	if snapshotReader, ok := s.partialStore.(aggstore.CheckpointedRangeReader); ok {
		partials, checkpoint, err = snapshotReader.QueryRangeWithCheckpoint(
			ctx, req.PrincipalID, req.Rule, bucketLabel, req.Start, req.End)
		if err != nil {
			return nil, 0, err
		}
	} else {
		partials, err = s.partialStore.QueryRange(ctx, req.PrincipalID, req.Rule, bucketLabel, req.Start, req.End)
		if err != nil {
			return nil, 0, err
		}
		checkpoint, err = s.partialStore.ReadCheckpoint(ctx, bucketLabel)
		if err != nil {
			return nil, 0, fmt.Errorf("read checkpoint: %w", err)
		}
	}

	buckets := make([]bucketState, 0, len(partials))
	for _, p := range partials {
		buckets = append(buckets, bucketState{windowStart: p.Key.WindowStart, state: p.State, ruleFingerprint: p.RuleFingerprint})
	}
	return buckets, checkpoint, nil
}

// loadRawTail accumulates events ingested after the checkpoint into per-bucket states.
func (s *Service) loadRawTail(
	ctx context.Context,
	req AverageQueryRequest,
	rule coreagg.AggregationRule,
	bucketDuration time.Duration,
	checkpoint int64,
) ([]bucketState, error) {
	aggs := make(map[time.Time]coreagg.Aggregator)
	err := s.scanScopedRawEvents(ctx, checkpoint, req, rule.SourceEvent, func(events []*v1.Event) error {
		for _, evt := range events {
			windowStart := coreagg.BucketFor(evt.OccurredAt, bucketDuration)
			agg, ok := aggs[windowStart]
			if !ok {
				var err error
				if agg, err = rule.NewAggregator(); err != nil {
					return err
				}
				aggs[windowStart] = agg
			}

			value, err := coreagg.ExtractDecimal(evt.Data, rule.Field, rule.Input)
			if err == nil {
				if err = agg.Accumulate(value, rule.Input); err != nil && !coreagg.IsUserError(err) {
					return fmt.Errorf("event %s: %w", evt.ID, err)
				}
			}
			if err != nil {
				// The batch job rejects the same row, so the tail must too.
				slog.Debug("[Projection] Skipping rejected tail row", "event_id", evt.ID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]bucketState, 0, len(aggs))
	for windowStart, agg := range aggs {
		results = append(results, bucketState{windowStart: windowStart, state: agg.State()})
	}
	return results, nil
}

func (s *Service) scanScopedRawEvents(
	ctx context.Context,
	cursor int64,
	req AverageQueryRequest,
	eventType string,
	consume func(events []*v1.Event) error,
) error {
	iterations := 0
	totalEvents := 0

	for {
		if iterations >= maxRawQueryIterations {
			slog.Warn("[Projection] Raw event tail scan reached maximum iteration limit",
				"principal", req.PrincipalID,
				"iterations", iterations,
				"events_scanned", totalEvents,
				"max_iterations", maxRawQueryIterations,
			)
			return fmt.Errorf("raw event scan exceeded maximum iterations (%d batches, %d events total) - aggregation may be too far behind",
				maxRawQueryIterations, totalEvents)
		}

		events, err := s.eventStore.RetrieveScopedEventsAfterCursor(
			ctx,
			cursor,
			req.PrincipalID,
			eventType,
			req.Start,
			req.End,
			rawQueryBatchSize,
		)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		if err := consume(events); err != nil {
			return err
		}
		totalEvents += len(events)
		iterations++

		cursor = events[len(events)-1].IngestSeq
		if len(events) < rawQueryBatchSize {
			return nil
		}
	}
}

func computeDataThrough(end time.Time, buckets []bucketState, bucketDuration time.Duration) time.Time {
	if len(buckets) == 0 {
		// An empty result is still complete up to the requested end.
		return end
	}

	var dataThrough time.Time
	for _, b := range buckets {
		if windowEnd := b.windowStart.Add(bucketDuration); windowEnd.After(dataThrough) {
			dataThrough = windowEnd
		}
	}
	return minTime(dataThrough, end)
}

// countStalePartials counts stored partials written under another rule fingerprint.
func countStalePartials(buckets []bucketState, fingerprint string) int {
	if fingerprint == "" {
		return 0
	}
	n := 0
	for _, b := range buckets {
		if b.ruleFingerprint != "" && b.ruleFingerprint != fingerprint {
			n++
		}
	}
	return n
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
