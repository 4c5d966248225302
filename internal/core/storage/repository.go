package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
)

// ErrDuplicate is returned when an event with the same (principal_id, id) already exists.
var ErrDuplicate = errors.New("event already exists")

// EventStore defines the interface for storing and retrieving events.
type EventStore interface {
	SaveEvent(ctx context.Context, event *v1.Event) error

	// RetrieveEventsAfterCursor fetches events after a cursor (ingest_seq) in strict total order.
	// cursor=0 means "from the beginning".
	RetrieveEventsAfterCursor(ctx context.Context, cursor int64, limit int) ([]*v1.Event, error)

	// RetrieveScopedEventsAfterCursor fetches events in strict total order for one query scope.
	// Used by the projection hybrid read path to fold unflushed raw events into partials.
	RetrieveScopedEventsAfterCursor(
		ctx context.Context,
		cursor int64,
		principalID string,
		eventType string,
		startOccurredAt time.Time,
		endOccurredAt time.Time,
		limit int,
	) ([]*v1.Event, error)

	// ListPrincipalEvents returns the most recent events of one principal, newest first.
	ListPrincipalEvents(ctx context.Context, principalID string, limit int) ([]*v1.Event, error)
}
