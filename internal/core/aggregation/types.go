package aggregation

import (
	"time"
)

// Aggregate function names accepted in rule files.
// avg is an alias kept for rules written against the plain SQL name.
const (
	FuncExactAvg = "exact_avg"
	FuncAvg      = "avg"
)

// AggregateKey uniquely identifies a partial-average bucket.
// Partition-scoped from day one: PartitionID is always present,
// even when running as a single instance.
type AggregateKey struct {
	PartitionID int
	PrincipalID string
	RuleName    string
	BucketSize  string    // e.g. "1m", "10m", "1h"
	WindowStart time.Time // truncated to bucket boundary
}

// PartialAggregate is the persisted partial state of one bucket.
// Rows for the same key merge in storage with MergeStates semantics.
type PartialAggregate struct {
	Key             AggregateKey
	State           State
	LastEventID     string    // most recent event folded into this partial
	RuleFingerprint string    // SHA-256 of the rule file; queries report partials written under another version
	UpdatedAt       time.Time // last update timestamp
}
