package aggregation

import (
	"context"
	"time"

	"github.com/aevon-lab/exactavg/internal/core/aggregation"
)

// PartialStore is the durable home of partial averaging states.
// The batch job flushes through it and the projection API reads from it.
//
// Contract: Flush and the checkpoint write are one database transaction.
// A flush that lands without its checkpoint would double-count on replay,
// because stored partials merge additively.
//
// Checkpoint invariant: cursor N means the stored partials include every
// event up to ingest_seq N and none after.
//
// Checkpoints are tracked per bucket_size so each bucket stream runs independently.
type PartialStore interface {
	// Flush merges partials into storage and writes the bucket-scoped
	// checkpoint in the same transaction.
	Flush(
		ctx context.Context,
		partials map[aggregation.AggregateKey]aggregation.PartialAggregate,
		cursor int64,
		bucketSize string,
	) error

	// ReadCheckpoint returns the bucket-scoped checkpoint cursor, 0 if none exists.
	ReadCheckpoint(ctx context.Context, bucketSize string) (int64, error)

	// QueryRange fetches the partials of one principal and rule in
	// [startTime, endTime), ordered by window_start.
	QueryRange(
		ctx context.Context,
		principalID string,
		ruleName string,
		bucketSize string,
		startTime time.Time,
		endTime time.Time,
	) ([]aggregation.PartialAggregate, error)
}

// CheckpointedRangeReader is implemented by stores that can read partials and
// the checkpoint from one snapshot.
type CheckpointedRangeReader interface {
	QueryRangeWithCheckpoint(
		ctx context.Context,
		principalID string,
		ruleName string,
		bucketSize string,
		startTime time.Time,
		endTime time.Time,
	) ([]aggregation.PartialAggregate, int64, error)
}
