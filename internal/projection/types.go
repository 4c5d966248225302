package projection

import (
	"time"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
)

// AverageQueryRequest represents the query parameters for fetching averages.
type AverageQueryRequest struct {
	PrincipalID string
	Rule        string
	Start       time.Time
	End         time.Time
	Granularity string // total (default), bucket, 1h or 1d
}

// AverageValue is one output window. Average is null when the window holds no
// non-null rows; Sum and RowCount are the exact inputs of the division.
type AverageValue struct {
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
	Average     numeric.NullDecimal `json:"average"`
	Sum         string              `json:"sum"`
	RowCount    uint64              `json:"row_count"`
}

// AverageQueryResponse represents the response for an average query.
type AverageQueryResponse struct {
	PrincipalID      string         `json:"principal_id"`
	Rule             string         `json:"rule"`
	Function         string         `json:"function"`
	Plan             coreagg.Plan   `json:"plan"`
	Rounding         string         `json:"rounding"`
	Start            time.Time      `json:"start"`
	End              time.Time      `json:"end"`
	Granularity      string         `json:"granularity"`
	DataThrough      time.Time      `json:"data_through"`
	StalenessSeconds int            `json:"staleness_seconds"`
	// StalePartials counts partials flushed under a different version of the rule file.
	StalePartials    int            `json:"stale_partials"`
	Values           []AverageValue `json:"values"`
}
