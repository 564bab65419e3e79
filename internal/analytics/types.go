// Package analytics holds the rule-trigger aggregation domain: the hourly
// aggregate view, the commutative merge delta produced by ingestion, the
// rolling-window fold and the effectiveness scorer. Everything here is
// storage-agnostic; the db package maps these types onto rows.
package analytics

import "time"

// NumBands is the number of fixed-width confidence histogram bands.
// Bands are 0.2 wide and never renamed; a confidence of exactly 1.0
// falls into the top band.
const NumBands = 5

// BandLabels are the API-facing names of the confidence bands, by index.
var BandLabels = [NumBands]string{"0.0-0.2", "0.2-0.4", "0.4-0.6", "0.6-0.8", "0.8-1.0"}

// BandIndex returns the histogram band for a confidence value in [0,1].
// Explicit thresholds rather than division: 0.6/0.2 is 2.999... in
// float64 and would put a boundary value in the wrong band.
func BandIndex(confidence float64) int {
	switch {
	case confidence < 0.2:
		return 0
	case confidence < 0.4:
		return 1
	case confidence < 0.6:
		return 2
	case confidence < 0.8:
		return 3
	default:
		return 4
	}
}

// HourAggregate is the read-side view of one (rule, hour) aggregate row.
// All counter fields are sufficient statistics: sums and counts only,
// so any two aggregates for the same key combine by plain addition.
type HourAggregate struct {
	RuleID string
	Hour   time.Time

	TriggerCount       int64
	LowConfidenceCount int64
	EscalationCount    int64
	BlockCount         int64

	ConfidenceSum   float64
	ConfidenceCount int64

	ProcessingTimeSum   float64
	ProcessingTimeCount int64

	Bands [NumBands]int64

	Users *UserSet
}

// Delta is the write-side counterpart: the contribution of one or more
// events to a single (rule, hour) key. Deltas are commutative and
// associative, so ingestion batch boundaries carry no meaning.
type Delta struct {
	RuleID string
	Hour   time.Time

	TriggerCount       int64
	LowConfidenceCount int64
	EscalationCount    int64
	BlockCount         int64

	ConfidenceSum   float64
	ConfidenceCount int64

	ProcessingTimeSum   float64
	ProcessingTimeCount int64

	Bands [NumBands]int64

	// UserHashes carries the hashed user IDs observed for this key.
	// They are merged with idempotent set semantics, unlike the
	// counters above.
	UserHashes []uint64

	// ExpiresAt is the retention deadline derived from the owning
	// hour's end; the store keeps the later of old and new.
	ExpiresAt time.Time
}

// Add folds another delta for the same key into d.
func (d *Delta) Add(o Delta) {
	d.TriggerCount += o.TriggerCount
	d.LowConfidenceCount += o.LowConfidenceCount
	d.EscalationCount += o.EscalationCount
	d.BlockCount += o.BlockCount
	d.ConfidenceSum += o.ConfidenceSum
	d.ConfidenceCount += o.ConfidenceCount
	d.ProcessingTimeSum += o.ProcessingTimeSum
	d.ProcessingTimeCount += o.ProcessingTimeCount
	for i := range d.Bands {
		d.Bands[i] += o.Bands[i]
	}
	d.UserHashes = append(d.UserHashes, o.UserHashes...)
	if o.ExpiresAt.After(d.ExpiresAt) {
		d.ExpiresAt = o.ExpiresAt
	}
}
