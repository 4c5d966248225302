package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/aevon-lab/exactavg/internal/core/partition"
	"github.com/shopspring/decimal"
)

// PartialStateAdapter persists partial averaging states in avg_partials.
// Flush and checkpoint writes are in a single transaction, which is what
// makes replay after a crash safe.
type PartialStateAdapter struct {
	db           *sql.DB
	maxPrecision int32
}

// PartialStateOption configures a PartialStateAdapter.
type PartialStateOption func(*PartialStateAdapter)

// WithMaxPrecision sets the precision ceiling used to certify stored sums.
// It should match the planner's ceiling; the default is numeric.MaxPrecision.
func WithMaxPrecision(p int32) PartialStateOption {
	return func(a *PartialStateAdapter) {
		if p > 0 && p <= numeric.MaxPrecision {
			a.maxPrecision = p
		}
	}
}

// NewPartialStateAdapter creates an adapter sharing the given connection.
func NewPartialStateAdapter(db *sql.DB, opts ...PartialStateOption) *PartialStateAdapter {
	a := &PartialStateAdapter{db: db, maxPrecision: numeric.MaxPrecision}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Flush merges all partials into storage and advances the bucket-scoped
// checkpoint to cursor, the last ingest_seq folded into this snapshot.
func (a *PartialStateAdapter) Flush(
	ctx context.Context,
	partials map[aggregation.AggregateKey]aggregation.PartialAggregate,
	cursor int64,
	bucketSize string,
) error {
	if bucketSize == "" {
		bucketSize = defaultBucketSize
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("partial flush: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Lock the checkpoint row first; stale, out-of-order flushes must not
	// overwrite newer durable state.
	var durableCursor int64
	err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, bucketSize).Scan(&durableCursor)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err = tx.ExecContext(ctx, queryInitCheckpointRow, bucketSize, time.Now().UTC()); err != nil {
			return fmt.Errorf("partial flush: init checkpoint row: %w", err)
		}
		err = tx.QueryRowContext(ctx, querySelectCheckpointForUpdate, bucketSize).Scan(&durableCursor)
	}
	if err != nil {
		return fmt.Errorf("partial flush: read checkpoint for update: %w", err)
	}

	if cursor <= durableCursor {
		slog.Warn("[PartialStateAdapter] Skipping stale/no-op flush",
			"cursor", cursor,
			"durable_cursor", durableCursor,
			"partials", len(partials))
		return nil
	}

	upsertStmt, err := tx.PrepareContext(ctx, queryUpsertPartial)
	if err != nil {
		return fmt.Errorf("partial flush: prepare upsert: %w", err)
	}
	defer upsertStmt.Close()

	for key, p := range partials {
		keyBucketSize := key.BucketSize
		if keyBucketSize == "" {
			keyBucketSize = defaultBucketSize
		}
		if keyBucketSize != bucketSize {
			return fmt.Errorf("partial flush: bucket mismatch: expected %s, got %s for key %v",
				bucketSize, keyBucketSize, key)
		}
		if err := p.State.Validate(); err != nil {
			return fmt.Errorf("partial flush: %v: %w", key, err)
		}

		sumShape := p.State.Sum.Shape()
		if _, err := upsertStmt.ExecContext(ctx,
			key.PartitionID,
			key.PrincipalID,
			key.RuleName,
			p.RuleFingerprint,
			keyBucketSize,
			key.WindowStart,
			p.State.Sum.String(),
			sumShape.Precision,
			sumShape.Scale,
			strconv.FormatUint(p.State.Count, 10),
			nullShapeField(p.State.InputKnown, p.State.Input.Precision),
			nullShapeField(p.State.InputKnown, p.State.Input.Scale),
			p.LastEventID,
			p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("partial flush: upsert %v: %w", key, err)
		}
	}

	result, err := tx.ExecContext(ctx, queryUpdateCheckpoint, cursor, time.Now().UTC(), bucketSize)
	if err != nil {
		return fmt.Errorf("partial flush: write checkpoint: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("partial flush: check checkpoint write: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("partial flush: checkpoint row missing (bucket=%s)", bucketSize)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("partial flush: commit: %w", err)
	}

	slog.Info("[PartialStateAdapter] Flushed",
		"partials", len(partials),
		"cursor", cursor,
		"bucket_size", bucketSize,
	)
	return nil
}

// ReadCheckpoint returns the bucket-scoped checkpoint cursor, 0 when none exists.
func (a *PartialStateAdapter) ReadCheckpoint(ctx context.Context, bucketSize string) (int64, error) {
	if bucketSize == "" {
		bucketSize = defaultBucketSize
	}

	var cursor int64
	err := a.db.QueryRowContext(ctx, queryReadCheckpoint, bucketSize).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return cursor, nil
}

// QueryRange fetches the partials of one principal and rule for [startTime, endTime),
// ordered by window_start.
func (a *PartialStateAdapter) QueryRange(
	ctx context.Context,
	principalID string,
	ruleName string,
	bucketSize string,
	startTime time.Time,
	endTime time.Time,
) ([]aggregation.PartialAggregate, error) {
	if bucketSize == "" {
		bucketSize = defaultBucketSize
	}

	rows, err := a.db.QueryContext(ctx, queryRangePartials,
		partition.For(principalID), principalID, ruleName, bucketSize, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("query avg_partials: %w", err)
	}
	defer rows.Close()

	var results []aggregation.PartialAggregate
	for rows.Next() {
		var row partialRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		p, err := row.partial(principalID, ruleName, bucketSize, a.maxPrecision)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// QueryRangeWithCheckpoint fetches partials and the bucket checkpoint from one
// statement snapshot, so both reflect the same flush.
func (a *PartialStateAdapter) QueryRangeWithCheckpoint(
	ctx context.Context,
	principalID string,
	ruleName string,
	bucketSize string,
	startTime time.Time,
	endTime time.Time,
) ([]aggregation.PartialAggregate, int64, error) {
	if bucketSize == "" {
		bucketSize = defaultBucketSize
	}

	rows, err := a.db.QueryContext(ctx, queryRangePartialsWithCheckpoint,
		partition.For(principalID), principalID, ruleName, bucketSize, startTime, endTime)
	if err != nil {
		return nil, 0, fmt.Errorf("query avg_partials with checkpoint: %w", err)
	}
	defer rows.Close()

	var (
		results    []aggregation.PartialAggregate
		checkpoint int64
	)
	for rows.Next() {
		var row partialRow
		if err := rows.Scan(append([]interface{}{&checkpoint}, row.dest()...)...); err != nil {
			return nil, 0, fmt.Errorf("scan row: %w", err)
		}
		if !row.windowStart.Valid {
			continue
		}
		p, err := row.partial(principalID, ruleName, bucketSize, a.maxPrecision)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}
	return results, checkpoint, nil
}

// partialRow mirrors the avg_partials columns read back for a range query.
// Every column is nullable because of the checkpoint LEFT JOIN.
type partialRow struct {
	windowStart     sql.NullTime
	sum             sql.NullString
	sumPrecision    sql.NullInt32
	sumScale        sql.NullInt32
	rowCount        sql.NullString
	inputPrecision  sql.NullInt32
	inputScale      sql.NullInt32
	lastEventID     sql.NullString
	ruleFingerprint sql.NullString
	updatedAt       sql.NullTime
}

func (r *partialRow) dest() []interface{} {
	return []interface{}{
		&r.windowStart, &r.sum, &r.sumPrecision, &r.sumScale, &r.rowCount,
		&r.inputPrecision, &r.inputScale, &r.lastEventID, &r.ruleFingerprint, &r.updatedAt,
	}
}

func (r *partialRow) partial(principalID, ruleName, bucketSize string, maxPrecision int32) (aggregation.PartialAggregate, error) {
	if !r.sum.Valid || !r.sumPrecision.Valid || !r.sumScale.Valid || !r.rowCount.Valid {
		return aggregation.PartialAggregate{}, fmt.Errorf("%w: NULL partial state columns at %s",
			aggregation.ErrCorruptState, r.windowStart.Time)
	}
	state, err := decodePartialState(
		r.sum.String, numeric.Shape{Precision: r.sumPrecision.Int32, Scale: r.sumScale.Int32},
		r.rowCount.String, r.inputPrecision, r.inputScale, maxPrecision,
	)
	if err != nil {
		return aggregation.PartialAggregate{}, fmt.Errorf("partial at %s: %w", r.windowStart.Time, err)
	}
	return aggregation.PartialAggregate{
		Key: aggregation.AggregateKey{
			PartitionID: partition.For(principalID),
			PrincipalID: principalID,
			RuleName:    ruleName,
			BucketSize:  bucketSize,
			WindowStart: r.windowStart.Time,
		},
		State:           state,
		LastEventID:     r.lastEventID.String,
		RuleFingerprint: r.ruleFingerprint.String,
		UpdatedAt:       r.updatedAt.Time,
	}, nil
}

// decodePartialState rebuilds a State from its stored columns. A stored sum
// that no longer fits its shape is reported as PrecisionExceeded when the row
// count proves no exact sum can exist under maxPrecision, and as corrupt otherwise.
func decodePartialState(sum string, sumShape numeric.Shape, rowCount string, inPrecision, inScale sql.NullInt32, maxPrecision int32) (aggregation.State, error) {
	count, ok := new(big.Int).SetString(rowCount, 10)
	if !ok || count.Sign() < 0 {
		return aggregation.State{}, fmt.Errorf("%w: invalid row_count %q", aggregation.ErrCorruptState, rowCount)
	}

	state := aggregation.State{}
	if inPrecision.Valid && inScale.Valid {
		state.Input = numeric.Shape{Precision: inPrecision.Int32, Scale: inScale.Int32}
		state.InputKnown = true
	}

	value, err := decimal.NewFromString(sum)
	if err != nil {
		return aggregation.State{}, fmt.Errorf("%w: invalid sum %q: %v", aggregation.ErrCorruptState, sum, err)
	}
	state.Sum, err = numeric.New(value, sumShape)
	if err != nil {
		if errors.Is(err, numeric.ErrOverflow) && state.InputKnown {
			if cerr := aggregation.CertifyExactness(state.Input.Precision, count, maxPrecision); cerr != nil {
				return aggregation.State{}, cerr
			}
		}
		return aggregation.State{}, fmt.Errorf("%w: stored sum: %v", aggregation.ErrCorruptState, err)
	}

	if !count.IsUint64() {
		return aggregation.State{}, fmt.Errorf("%w: row_count %s", aggregation.ErrCounterOverflow, rowCount)
	}
	state.Count = count.Uint64()

	if err := state.Validate(); err != nil {
		return aggregation.State{}, err
	}
	return state, nil
}

func nullShapeField(known bool, v int32) sql.NullInt32 {
	return sql.NullInt32{Int32: v, Valid: known}
}
