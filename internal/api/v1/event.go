package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Event is one row of input to the averaging pipeline: an envelope plus a
// payload whose fields feed the configured rules.
type Event struct {
	// ID is the client-supplied identifier, unique per PrincipalID.
	ID string `json:"id"`

	// PrincipalID is the grouping dimension averages are reported for.
	// Examples: "user:alice@example.com", "sensor:42".
	PrincipalID string `json:"principal_id"`

	// Type selects the rules that read this event ("api.request", "meter.read").
	Type string `json:"type"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// OccurredAt is the client-side time; it decides the event's bucket.
	OccurredAt time.Time `json:"occurred_at"`

	// IngestedAt is set by the ingestion service.
	IngestedAt time.Time `json:"ingested_at"`

	// IngestSeq is the BIGSERIAL cursor assigned on insert. Not exposed.
	IngestSeq int64 `json:"-"`

	// Data holds the payload. Numbers are json.Number so values reach the
	// aggregator with every digit the client sent.
	Data map[string]interface{} `json:"data"`
}

// Validate ensures the event has all required system attributes.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.PrincipalID == "" {
		return fmt.Errorf("principal_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// DecodeEvent reads one JSON event keeping numeric payload values as json.Number.
func DecodeEvent(r io.Reader) (*Event, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var evt Event
	if err := dec.Decode(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// DecodeData parses a stored payload the same way DecodeEvent does.
func DecodeData(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
