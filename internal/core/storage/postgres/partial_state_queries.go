package postgres

const (
	defaultBucketSize = "1m"

	querySelectCheckpointForUpdate = `
		SELECT checkpoint_cursor
		FROM sweep_checkpoints
		WHERE bucket_size = $1
		FOR UPDATE
	`

	queryInitCheckpointRow = `
		INSERT INTO sweep_checkpoints (bucket_size, checkpoint_cursor, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (bucket_size) DO NOTHING
	`

	// queryUpsertPartial applies the merge operator in SQL: sums and row counts
	// add, the sum shape widens to cover both sides, the input shape takes the
	// componentwise maximum (GREATEST ignores a NULL side).
	queryUpsertPartial = `
		INSERT INTO avg_partials (
			partition_id, principal_id, rule_name, rule_fingerprint, bucket_size, window_start,
			sum, sum_precision, sum_scale, row_count, input_precision, input_scale,
			last_event_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (partition_id, principal_id, rule_name, bucket_size, window_start)
		DO UPDATE SET
			sum             = avg_partials.sum + EXCLUDED.sum,
			sum_precision   = LEAST(1024,
				GREATEST(avg_partials.sum_precision - avg_partials.sum_scale, EXCLUDED.sum_precision - EXCLUDED.sum_scale)
				+ GREATEST(avg_partials.sum_scale, EXCLUDED.sum_scale)),
			sum_scale       = GREATEST(avg_partials.sum_scale, EXCLUDED.sum_scale),
			row_count       = avg_partials.row_count + EXCLUDED.row_count,
			input_precision = GREATEST(avg_partials.input_precision, EXCLUDED.input_precision),
			input_scale     = GREATEST(avg_partials.input_scale, EXCLUDED.input_scale),
			last_event_id    = EXCLUDED.last_event_id,
			rule_fingerprint = EXCLUDED.rule_fingerprint,
			updated_at       = EXCLUDED.updated_at
	`

	queryUpdateCheckpoint = `
		UPDATE sweep_checkpoints
		SET checkpoint_cursor = $1, updated_at = $2
		WHERE bucket_size = $3
	`

	queryReadCheckpoint = `SELECT checkpoint_cursor FROM sweep_checkpoints WHERE bucket_size = $1`

	queryRangePartials = `
		SELECT
			window_start, sum::text, sum_precision, sum_scale, row_count::text,
			input_precision, input_scale, last_event_id, rule_fingerprint, updated_at
		FROM avg_partials
		WHERE partition_id = $1
		  AND principal_id = $2
		  AND rule_name = $3
		  AND bucket_size = $4
		  AND window_start >= $5
		  AND window_start < $6
		ORDER BY window_start ASC
	`

	// queryRangePartialsWithCheckpoint reads partials and the checkpoint in one
	// snapshot. The LEFT JOIN yields a single all-NULL partial row when the range is empty.
	queryRangePartialsWithCheckpoint = `
		WITH checkpoint AS (
			SELECT COALESCE(
				(SELECT checkpoint_cursor FROM sweep_checkpoints WHERE bucket_size = $4),
				0
			) AS checkpoint_cursor
		),
		scoped AS (
			SELECT
				window_start, sum::text AS sum_text, sum_precision, sum_scale, row_count::text AS row_count_text,
				input_precision, input_scale, last_event_id, rule_fingerprint, updated_at
			FROM avg_partials
			WHERE partition_id = $1
			  AND principal_id = $2
			  AND rule_name = $3
			  AND bucket_size = $4
			  AND window_start >= $5
			  AND window_start < $6
		)
		SELECT
			checkpoint.checkpoint_cursor,
			scoped.window_start, scoped.sum_text, scoped.sum_precision, scoped.sum_scale, scoped.row_count_text,
			scoped.input_precision, scoped.input_scale, scoped.last_event_id, scoped.rule_fingerprint, scoped.updated_at
		FROM checkpoint
		LEFT JOIN scoped ON TRUE
		ORDER BY scoped.window_start ASC NULLS LAST
	`
)
