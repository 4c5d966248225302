package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
	"github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/partition"
	"github.com/aevon-lab/exactavg/internal/core/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 50000
	defaultWorkerCount = 10
)

// BatchJobParameter controls throughput and bucketing for a batch run.
type BatchJobParameter struct {
	BatchSize   int
	WorkerCount int
	BucketSize  time.Duration
	BucketLabel string
}

// DefaultBatchJobOptions returns safe defaults for cron-based processing.
func DefaultBatchJobOptions() BatchJobParameter {
	return BatchJobParameter{
		BatchSize:   defaultBatchSize,
		WorkerCount: defaultWorkerCount,
		BucketSize:  aggregation.DefaultWindowSize,
		BucketLabel: WindowSizeLabel(aggregation.DefaultWindowSize),
	}
}

func (o BatchJobParameter) normalized() BatchJobParameter {
	n := o
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.BucketSize <= 0 {
		n.BucketSize = aggregation.DefaultWindowSize
	}
	if n.BucketLabel == "" {
		n.BucketLabel = WindowSizeLabel(n.BucketSize)
	}
	return n
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	RunID           string
	EventsProcessed int
	Partials        int
	RejectedRows    int
	FromCursor      int64
	ToCursor        int64
}

// RunBatchAggregation folds events since the last checkpoint into partials
// using default options.
func RunBatchAggregation(
	ctx context.Context,
	eventStore storage.EventStore,
	partialStore PartialStore,
	rules []aggregation.AggregationRule,
) error {
	_, err := RunBatchAggregationWithOptions(ctx, eventStore, partialStore, rules, DefaultBatchJobOptions())
	return err
}

// RunBatchAggregationWithOptions runs one batch for the bucket stream named by
// opts. Only rules whose window size equals opts.BucketSize participate.
// EventsProcessed in the result lets the scheduler decide whether backlog remains.
func RunBatchAggregationWithOptions(
	ctx context.Context,
	eventStore storage.EventStore,
	partialStore PartialStore,
	rules []aggregation.AggregationRule,
	opts BatchJobParameter,
) (BatchResult, error) {
	opts = opts.normalized()
	result := BatchResult{RunID: uuid.NewString()}

	cursor, err := partialStore.ReadCheckpoint(ctx, opts.BucketLabel)
	if err != nil {
		return result, fmt.Errorf("read checkpoint: %w", err)
	}
	result.FromCursor, result.ToCursor = cursor, cursor

	slog.Debug("[BatchJob] Starting batch aggregation",
		"run_id", result.RunID,
		"cursor", cursor,
		"bucket_size", opts.BucketLabel,
		"batch_size", opts.BatchSize,
		"workers", opts.WorkerCount,
	)

	events, err := eventStore.RetrieveEventsAfterCursor(ctx, cursor, opts.BatchSize)
	if err != nil {
		return result, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		slog.Debug("[BatchJob] No new events to process", "run_id", result.RunID, "bucket_size", opts.BucketLabel)
		return result, nil
	}

	ruleMap := toCompiledRuleMap(rules, opts.BucketSize)
	partials, rejected, err := buildPartialsConcurrently(ctx, events, ruleMap, opts)
	if err != nil {
		return result, err
	}

	newCursor := events[len(events)-1].IngestSeq
	if err := partialStore.Flush(ctx, partials, newCursor, opts.BucketLabel); err != nil {
		return result, fmt.Errorf("flush partials: %w", err)
	}

	result.EventsProcessed = len(events)
	result.Partials = len(partials)
	result.RejectedRows = rejected
	result.ToCursor = newCursor

	slog.Info("[BatchJob] Batch complete",
		"run_id", result.RunID,
		"events_processed", result.EventsProcessed,
		"partials_computed", result.Partials,
		"rejected_rows", result.RejectedRows,
		"cursor_advanced", fmt.Sprintf("%d -> %d", cursor, newCursor),
		"bucket_size", opts.BucketLabel,
	)
	return result, nil
}

type compiledRule struct {
	rule aggregation.AggregationRule
}

// toCompiledRuleMap indexes the rules of one bucket stream by source event.
func toCompiledRuleMap(rules []aggregation.AggregationRule, bucketSize time.Duration) map[string][]compiledRule {
	ruleMap := make(map[string][]compiledRule)
	for _, r := range rules {
		if ruleWindow(r) != bucketSize {
			continue
		}
		if !aggregation.ValidFunction(r.Function) {
			slog.Warn("[BatchJob] Skip rule with unknown function", "rule", r.Name, "function", r.Function)
			continue
		}
		ruleMap[r.SourceEvent] = append(ruleMap[r.SourceEvent], compiledRule{rule: r})
	}
	return ruleMap
}

func ruleWindow(r aggregation.AggregationRule) time.Duration {
	if r.WindowSize <= 0 {
		return aggregation.DefaultWindowSize
	}
	return r.WindowSize
}

// workerOutput is what one worker produced for the partitions it owns.
type workerOutput struct {
	partials map[aggregation.AggregateKey]aggregation.PartialAggregate
	rejected int
}

// buildPartialsConcurrently shards events by partition so that every key is
// owned by exactly one worker, then unions the per-worker partials.
func buildPartialsConcurrently(
	ctx context.Context,
	events []*v1.Event,
	ruleMap map[string][]compiledRule,
	opts BatchJobParameter,
) (map[aggregation.AggregateKey]aggregation.PartialAggregate, int, error) {
	shards := make([][]*v1.Event, opts.WorkerCount)
	for _, evt := range events {
		w := partition.Worker(partition.For(evt.PrincipalID), opts.WorkerCount)
		shards[w] = append(shards[w], evt)
	}

	now := time.Now().UTC()
	outputs := make([]workerOutput, opts.WorkerCount)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		if len(shards[i]) == 0 {
			continue
		}
		i := i
		g.Go(func() error {
			out, err := foldShard(gctx, shards[i], ruleMap, opts, now)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	merged := make(map[aggregation.AggregateKey]aggregation.PartialAggregate)
	rejected := 0
	for _, out := range outputs {
		rejected += out.rejected
		for key, p := range out.partials {
			existing, ok := merged[key]
			if !ok {
				merged[key] = p
				continue
			}
			state, err := aggregation.MergeStates(existing.State, p.State)
			if err != nil {
				return nil, 0, fmt.Errorf("merge %v: %w", key, err)
			}
			existing.State = state
			existing.LastEventID = p.LastEventID
			merged[key] = existing
		}
	}
	return merged, rejected, nil
}

type keyedAggregator struct {
	agg         aggregation.Aggregator
	rule        aggregation.AggregationRule
	lastEventID string
}

// foldShard accumulates one worker's events. Rows the aggregate refuses are
// logged and skipped so that one bad row cannot stall the bucket stream.
func foldShard(
	ctx context.Context,
	events []*v1.Event,
	ruleMap map[string][]compiledRule,
	opts BatchJobParameter,
	now time.Time,
) (workerOutput, error) {
	aggs := make(map[aggregation.AggregateKey]*keyedAggregator)
	rejected := 0

	for i, evt := range events {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return workerOutput{}, err
			}
		}
		rulesForEvent, ok := ruleMap[evt.Type]
		if !ok {
			continue
		}

		for _, cr := range rulesForEvent {
			key := aggregation.AggregateKey{
				PartitionID: partition.For(evt.PrincipalID),
				PrincipalID: evt.PrincipalID,
				RuleName:    cr.rule.Name,
				BucketSize:  opts.BucketLabel,
				WindowStart: aggregation.BucketFor(evt.OccurredAt, opts.BucketSize),
			}

			ka, exists := aggs[key]
			if !exists {
				agg, err := cr.rule.NewAggregator()
				if err != nil {
					return workerOutput{}, fmt.Errorf("rule %q: %w", cr.rule.Name, err)
				}
				ka = &keyedAggregator{agg: agg, rule: cr.rule}
				aggs[key] = ka
			}

			value, err := aggregation.ExtractDecimal(evt.Data, cr.rule.Field, cr.rule.Input)
			if err != nil {
				err = fmt.Errorf("%w: %v", aggregation.ErrInvalidInputShape, err)
			} else if err = ka.agg.Accumulate(value, cr.rule.Input); err != nil && !aggregation.IsUserError(err) {
				return workerOutput{}, fmt.Errorf("event %s rule %q: %w", evt.ID, cr.rule.Name, err)
			}
			if err != nil {
				rejected++
				slog.Warn("[BatchJob] Rejected row",
					"event_id", evt.ID,
					"principal_id", evt.PrincipalID,
					"rule", cr.rule.Name,
					"error", err,
				)
				continue
			}
			ka.lastEventID = evt.ID
		}
	}

	partials := make(map[aggregation.AggregateKey]aggregation.PartialAggregate, len(aggs))
	for key, ka := range aggs {
		partials[key] = aggregation.PartialAggregate{
			Key:             key,
			State:           ka.agg.State(),
			LastEventID:     ka.lastEventID,
			RuleFingerprint: ka.rule.Fingerprint,
			UpdatedAt:       now,
		}
	}
	return workerOutput{partials: partials, rejected: rejected}, nil
}

// BucketStreams returns one batch parameter set per distinct rule window size,
// ordered from the finest bucket to the coarsest.
func BucketStreams(rules []aggregation.AggregationRule, base BatchJobParameter) []BatchJobParameter {
	seen := make(map[time.Duration]bool)
	var sizes []time.Duration
	for _, r := range rules {
		w := ruleWindow(r)
		if !seen[w] {
			seen[w] = true
			sizes = append(sizes, w)
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })

	streams := make([]BatchJobParameter, 0, len(sizes))
	for _, size := range sizes {
		p := base
		p.BucketSize = size
		p.BucketLabel = WindowSizeLabel(size)
		streams = append(streams, p.normalized())
	}
	return streams
}

// WindowSizeLabel renders a bucket duration as the label stored in bucket_size.
func WindowSizeLabel(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}
