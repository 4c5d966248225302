package postgres

// SQL queries for event storage operations with principal tracking

const (
	// querySaveEvent inserts an event with principal idempotency.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates.
	querySaveEvent = `
		INSERT INTO events (
			id, principal_id, type, occurred_at, ingested_at, metadata, data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (principal_id, id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryRetrieveEventsAfterCursor feeds the batch job across all principals.
	queryRetrieveEventsAfterCursor = `
		SELECT
			id, principal_id, type, occurred_at, ingested_at, metadata, data, ingest_seq
		FROM events
		WHERE ingest_seq > $1
		ORDER BY ingest_seq ASC
		LIMIT $2
	`

	// queryRetrieveScopedEventsAfterCursor fetches the unflushed tail for one projection query.
	queryRetrieveScopedEventsAfterCursor = `
		SELECT
			id, principal_id, type, occurred_at, ingested_at, metadata, data, ingest_seq
		FROM events
		WHERE ingest_seq > $1
		  AND principal_id = $2
		  AND type = $3
		  AND occurred_at >= $4
		  AND occurred_at < $5
		ORDER BY ingest_seq ASC
		LIMIT $6
	`

	queryListPrincipalEvents = `
		SELECT
			id, principal_id, type, occurred_at, ingested_at, metadata, data, ingest_seq
		FROM events
		WHERE principal_id = $1
		ORDER BY ingest_seq DESC
		LIMIT $2
	`
)
