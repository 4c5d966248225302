package postgres

import (
	"encoding/json"
	"fmt"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
)

// marshalEventJSON marshals an event's metadata and data fields to JSON.
// Nil metadata produces nil (SQL NULL) rather than JSON "null".
func marshalEventJSON(event *v1.Event) (metadataJSON, dataJSON []byte, err error) {
	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	dataJSON, err = json.Marshal(event.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	return metadataJSON, dataJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event. Payload numbers come back
// as json.Number so stored values keep every digit.
func scanEventRow(row scanner) (*v1.Event, error) {
	var evt v1.Event
	var metadataJSON, dataJSON []byte

	err := row.Scan(
		&evt.ID,
		&evt.PrincipalID,
		&evt.Type,
		&evt.OccurredAt,
		&evt.IngestedAt,
		&metadataJSON,
		&dataJSON,
		&evt.IngestSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	evt.Data, err = v1.DecodeData(dataJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return &evt, nil
}

type rowIterator interface {
	Next() bool
	Err() error
	Close() error
	scanner
}

// collectEvents drains rows into events.
func collectEvents(rows rowIterator) ([]*v1.Event, error) {
	defer rows.Close()

	var events []*v1.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
