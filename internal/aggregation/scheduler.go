package aggregation

import (
	"context"
	"log/slog"
	"time"

	"github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

const maxConsecutiveBatches = 100

// Scheduler runs batch aggregation for one bucket stream on a periodic interval.
// It is stateless: each tick fetches events since the stream's checkpoint.
type Scheduler struct {
	interval     time.Duration
	eventStore   storage.EventStore
	partialStore PartialStore
	rules        []aggregation.AggregationRule
	opts         BatchJobParameter
}

// NewScheduler creates a cron scheduler for one bucket_size stream.
func NewScheduler(
	interval time.Duration,
	eventStore storage.EventStore,
	partialStore PartialStore,
	rules []aggregation.AggregationRule,
	opts BatchJobParameter,
) *Scheduler {
	return &Scheduler{
		interval:     interval,
		eventStore:   eventStore,
		partialStore: partialStore,
		rules:        rules,
		opts:         opts.normalized(),
	}
}

// NewSchedulers creates one scheduler per distinct rule window size.
func NewSchedulers(
	interval time.Duration,
	eventStore storage.EventStore,
	partialStore PartialStore,
	rules []aggregation.AggregationRule,
	base BatchJobParameter,
) []*Scheduler {
	streams := BucketStreams(rules, base)
	schedulers := make([]*Scheduler, 0, len(streams))
	for _, opts := range streams {
		schedulers = append(schedulers, NewScheduler(interval, eventStore, partialStore, rules, opts))
	}
	return schedulers
}

// RunAll starts every scheduler and blocks until all of them stop.
func RunAll(ctx context.Context, schedulers []*Scheduler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		s := s
		g.Go(func() error { return s.Start(gctx) })
	}
	return g.Wait()
}

// BucketLabel names the bucket stream this scheduler drains.
func (s *Scheduler) BucketLabel() string { return s.opts.BucketLabel }

// Start begins periodic batch aggregation.
// Runs until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting batch aggregation scheduler",
		"interval", s.interval,
		"bucket_size", s.opts.BucketLabel,
		"batch_size", s.opts.BatchSize,
		"workers", s.opts.WorkerCount,
	)

	// Catch up with any backlog before the first tick.
	s.drainBacklog(ctx)

	for {
		select {
		case <-ticker.C:
			s.drainBacklog(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)", "bucket_size", s.opts.BucketLabel)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final drain before shutdown...", "bucket_size", s.opts.BucketLabel)
			s.drainBacklog(shutdownCtx)
			slog.Info("[Scheduler] Final drain complete", "bucket_size", s.opts.BucketLabel)

			return nil
		}
	}
}

// drainBacklog runs batches until one comes back short, so burst ingestion
// does not leave partials stale until the next tick.
func (s *Scheduler) drainBacklog(ctx context.Context) int {
	batchCount := 0

	for batchCount < maxConsecutiveBatches {
		select {
		case <-ctx.Done():
			slog.Info("[Scheduler] Drain interrupted by context cancellation",
				"bucket_size", s.opts.BucketLabel,
				"batches_processed", batchCount,
			)
			return batchCount
		default:
		}

		result, err := RunBatchAggregationWithOptions(ctx, s.eventStore, s.partialStore, s.rules, s.opts)
		if err != nil {
			slog.Error("[Scheduler] Batch aggregation failed",
				"error", err,
				"run_id", result.RunID,
				"bucket_size", s.opts.BucketLabel,
				"batch_number", batchCount+1,
			)
			return batchCount
		}

		batchCount++

		if result.EventsProcessed < s.opts.BatchSize {
			if batchCount > 1 {
				slog.Info("[Scheduler] Backlog drained",
					"bucket_size", s.opts.BucketLabel,
					"total_batches", batchCount,
				)
			}
			return batchCount
		}

		slog.Info("[Scheduler] Backlog detected, continuing to drain",
			"bucket_size", s.opts.BucketLabel,
			"batches_so_far", batchCount,
		)
	}

	slog.Warn("[Scheduler] Max consecutive batches reached, pausing drain",
		"bucket_size", s.opts.BucketLabel,
		"max_batches", maxConsecutiveBatches,
		"note", "Will resume on next tick",
	)
	return batchCount
}
