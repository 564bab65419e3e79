package db

import (
	"time"

	"gorm.io/datatypes"
)

// RuleHourAggregate is one row per (ruleId, hourBucket). Every counter
// is a sufficient statistic merged with atomic in-database increments,
// so rows only ever grow until retention removes them. The unique-user
// sketch is the one field that cannot be a counter; it is updated under
// an optimistic SetVersion check instead.
type RuleHourAggregate struct {
	ID uint `gorm:"primaryKey"`

	RuleID     string    `gorm:"uniqueIndex:idx_rule_hour,priority:1;size:128;not null"`
	HourBucket time.Time `gorm:"uniqueIndex:idx_rule_hour,priority:2;index:idx_hour_rules;not null"` // start of the hour (UTC)

	TriggerCount       int64 `gorm:"not null;default:0"`
	LowConfidenceCount int64 `gorm:"not null;default:0"`
	EscalationCount    int64 `gorm:"not null;default:0"`
	BlockCount         int64 `gorm:"not null;default:0"`

	ConfidenceSum   float64 `gorm:"not null;default:0"`
	ConfidenceCount int64   `gorm:"not null;default:0"`

	ProcessingTimeSum   float64 `gorm:"not null;default:0"`
	ProcessingTimeCount int64   `gorm:"not null;default:0"`

	// Fixed 0.2-wide confidence bands; dedicated columns so they ride
	// the same atomic upsert as the other counters.
	ConfBand0 int64 `gorm:"not null;default:0"`
	ConfBand1 int64 `gorm:"not null;default:0"`
	ConfBand2 int64 `gorm:"not null;default:0"`
	ConfBand3 int64 `gorm:"not null;default:0"`
	ConfBand4 int64 `gorm:"not null;default:0"`

	// UserHashes is a sorted JSON array of hex-encoded sha3 user-ID
	// hashes, at most the configured cap. Approximate marks that the
	// set overflowed and UniqueUserCount is an estimate.
	UserHashes      datatypes.JSON `gorm:"type:json"`
	UniqueUserCount int64          `gorm:"not null;default:0"`
	Approximate     bool           `gorm:"not null;default:false"`

	// SetVersion guards compare-and-swap updates of the user sketch.
	SetVersion int64 `gorm:"not null;default:0"`

	// ExpiresAt is the retention deadline: the later of all merges'
	// hourEnd + retention. The retention worker deletes rows past it.
	ExpiresAt time.Time `gorm:"index;not null"`
}

// SeenEvent records an event ID that has already been merged, so
// at-least-once redelivery cannot double-count the non-idempotent
// counters. Rows expire with the same retention as aggregates.
type SeenEvent struct {
	EventID   string    `gorm:"primaryKey;size:128"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

// DeadLetter is an event whose merge exhausted its retries. Rows are
// operator-visible and expire with the retention worker.
type DeadLetter struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	EventID  string         `gorm:"size:128;index"`
	Reason   string         `gorm:"size:512"`
	Attempts int
	Payload  datatypes.JSON `gorm:"type:json"`

	ExpiresAt time.Time `gorm:"index;not null"`
}
