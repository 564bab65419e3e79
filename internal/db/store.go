package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ruleinsight/internal/analytics"
)

// maxCASAttempts bounds the optimistic-retry loop for user-sketch merges.
const maxCASAttempts = 5

// ErrCASExhausted is returned when concurrent writers starve a
// user-sketch update past maxCASAttempts. It is transient: redelivery
// or the caller's retry policy will land it.
var ErrCASExhausted = errors.New("user set update lost too many races")

// Store is the aggregate store access layer. Counter merges go through
// a single atomic ON CONFLICT upsert so concurrent workers never lose
// updates; reads are point lookups by (rule, hour) plus the per-hour
// rule index. Every operation is bounded by the configured timeout.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	userCap int
}

// NewStore wraps a connected gorm handle.
func NewStore(gdb *gorm.DB, timeout time.Duration, userCap int) *Store {
	return &Store{db: gdb, timeout: timeout, userCap: userCap}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrapErr keeps the caller's own cancellation/deadline visible (the
// query engine turns it into a partial window) and wraps everything
// else as a store failure.
func wrapErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", op, err)
}

// MergeDelta applies one commutative delta to its (rule, hour) row with
// a single atomic upsert: the row is created on first trigger, and
// every counter is incremented in the database, never read-then-written.
// The retention deadline keeps the later of the old and new value.
func (s *Store) MergeDelta(ctx context.Context, d analytics.Delta) error {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	err := s.db.WithContext(octx).Exec(`
		INSERT INTO rule_hour_aggregates (
			rule_id, hour_bucket,
			trigger_count, low_confidence_count, escalation_count, block_count,
			confidence_sum, confidence_count,
			processing_time_sum, processing_time_count,
			conf_band0, conf_band1, conf_band2, conf_band3, conf_band4,
			user_hashes, unique_user_count, approximate, set_version, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', 0, false, 0, ?)
		ON CONFLICT (rule_id, hour_bucket) DO UPDATE SET
			trigger_count         = rule_hour_aggregates.trigger_count + EXCLUDED.trigger_count,
			low_confidence_count  = rule_hour_aggregates.low_confidence_count + EXCLUDED.low_confidence_count,
			escalation_count      = rule_hour_aggregates.escalation_count + EXCLUDED.escalation_count,
			block_count           = rule_hour_aggregates.block_count + EXCLUDED.block_count,
			confidence_sum        = rule_hour_aggregates.confidence_sum + EXCLUDED.confidence_sum,
			confidence_count      = rule_hour_aggregates.confidence_count + EXCLUDED.confidence_count,
			processing_time_sum   = rule_hour_aggregates.processing_time_sum + EXCLUDED.processing_time_sum,
			processing_time_count = rule_hour_aggregates.processing_time_count + EXCLUDED.processing_time_count,
			conf_band0            = rule_hour_aggregates.conf_band0 + EXCLUDED.conf_band0,
			conf_band1            = rule_hour_aggregates.conf_band1 + EXCLUDED.conf_band1,
			conf_band2            = rule_hour_aggregates.conf_band2 + EXCLUDED.conf_band2,
			conf_band3            = rule_hour_aggregates.conf_band3 + EXCLUDED.conf_band3,
			conf_band4            = rule_hour_aggregates.conf_band4 + EXCLUDED.conf_band4,
			expires_at            = GREATEST(rule_hour_aggregates.expires_at, EXCLUDED.expires_at)`,
		d.RuleID, d.Hour,
		d.TriggerCount, d.LowConfidenceCount, d.EscalationCount, d.BlockCount,
		d.ConfidenceSum, d.ConfidenceCount,
		d.ProcessingTimeSum, d.ProcessingTimeCount,
		d.Bands[0], d.Bands[1], d.Bands[2], d.Bands[3], d.Bands[4],
		d.ExpiresAt,
	).Error
	if err != nil {
		return wrapErr(ctx, "merge delta", err)
	}
	return nil
}

// MergeUsers unions hashed user IDs into the row's unique-user sketch.
// Plain increments cannot represent set membership, so this is the one
// compare-and-swap path: read the sketch, union in memory, write back
// guarded by set_version. Adding an already-present hash is a no-op,
// which keeps user counting idempotent under redelivery.
func (s *Store) MergeUsers(ctx context.Context, ruleID string, hour time.Time, hashes []uint64) error {
	if len(hashes) == 0 {
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		octx, cancel := s.opCtx(ctx)

		var row RuleHourAggregate
		err := s.db.WithContext(octx).
			Select("user_hashes", "approximate", "set_version").
			Where("rule_id = ? AND hour_bucket = ?", ruleID, hour).
			First(&row).Error
		if err != nil {
			cancel()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("merge users: no aggregate for %s@%s", ruleID, hour.Format(time.RFC3339))
			}
			return wrapErr(ctx, "merge users read", err)
		}

		set, err := decodeUserSet(row.UserHashes, row.Approximate, s.userCap)
		if err != nil {
			cancel()
			return fmt.Errorf("merge users: %w", err)
		}
		for _, h := range hashes {
			set.Add(h)
		}

		encoded, err := json.Marshal(set.HexHashes())
		if err != nil {
			cancel()
			return fmt.Errorf("merge users encode: %w", err)
		}

		res := s.db.WithContext(octx).Exec(`
			UPDATE rule_hour_aggregates
			SET user_hashes = ?, unique_user_count = ?, approximate = ?, set_version = set_version + 1
			WHERE rule_id = ? AND hour_bucket = ? AND set_version = ?`,
			encoded, set.Count(), set.Approximate(),
			ruleID, hour, row.SetVersion,
		)
		cancel()
		if res.Error != nil {
			return wrapErr(ctx, "merge users write", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// Lost the race to a concurrent writer; re-read and retry.
	}
	return ErrCASExhausted
}

// Aggregate is a point lookup; it returns nil when no row exists for
// the hour, which the query engine reports as a gap.
func (s *Store) Aggregate(ctx context.Context, ruleID string, hour time.Time) (*analytics.HourAggregate, error) {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	var row RuleHourAggregate
	err := s.db.WithContext(octx).
		Where("rule_id = ? AND hour_bucket = ?", ruleID, hour).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapErr(ctx, "read aggregate", err)
	}

	users, err := decodeUserSet(row.UserHashes, row.Approximate, s.userCap)
	if err != nil {
		return nil, fmt.Errorf("read aggregate: %w", err)
	}

	return &analytics.HourAggregate{
		RuleID:              row.RuleID,
		Hour:                row.HourBucket.UTC(),
		TriggerCount:        row.TriggerCount,
		LowConfidenceCount:  row.LowConfidenceCount,
		EscalationCount:     row.EscalationCount,
		BlockCount:          row.BlockCount,
		ConfidenceSum:       row.ConfidenceSum,
		ConfidenceCount:     row.ConfidenceCount,
		ProcessingTimeSum:   row.ProcessingTimeSum,
		ProcessingTimeCount: row.ProcessingTimeCount,
		Bands: [analytics.NumBands]int64{
			row.ConfBand0, row.ConfBand1, row.ConfBand2, row.ConfBand3, row.ConfBand4,
		},
		Users: users,
	}, nil
}

// ActiveRules lists the rules with an aggregate row for the given hour,
// served by the hour-bucket index rather than a scan over rule IDs.
func (s *Store) ActiveRules(ctx context.Context, hour time.Time) ([]string, error) {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	var ids []string
	err := s.db.WithContext(octx).
		Model(&RuleHourAggregate{}).
		Where("hour_bucket = ?", hour).
		Pluck("rule_id", &ids).Error
	if err != nil {
		return nil, wrapErr(ctx, "list active rules", err)
	}
	return ids, nil
}

// ClaimEvent records an event ID before its merges run. It returns
// false when the ID was already claimed, so a redelivered event is
// counted exactly once.
func (s *Store) ClaimEvent(ctx context.Context, eventID string, expiresAt time.Time) (bool, error) {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	res := s.db.WithContext(octx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SeenEvent{EventID: eventID, ExpiresAt: expiresAt})
	if res.Error != nil {
		return false, wrapErr(ctx, "claim event", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReleaseEvent gives a claim back, so a dead-lettered event can be
// retried on redelivery.
func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.db.WithContext(octx).Delete(&SeenEvent{EventID: eventID}).Error; err != nil {
		return wrapErr(ctx, "release event", err)
	}
	return nil
}

// AddDeadLetter persists an event whose merges exhausted their retries.
func (s *Store) AddDeadLetter(ctx context.Context, eventID, reason string, attempts int, payload []byte, expiresAt time.Time) error {
	octx, cancel := s.opCtx(ctx)
	defer cancel()

	dl := &DeadLetter{
		EventID:   eventID,
		Reason:    reason,
		Attempts:  attempts,
		Payload:   datatypes.JSON(payload),
		ExpiresAt: expiresAt,
	}
	if err := s.db.WithContext(octx).Create(dl).Error; err != nil {
		return wrapErr(ctx, "add dead letter", err)
	}
	return nil
}

func decodeUserSet(raw []byte, approximate bool, userCap int) (*analytics.UserSet, error) {
	var hexes []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hexes); err != nil {
			return nil, fmt.Errorf("decode user hashes: %w", err)
		}
	}
	return analytics.UserSetFromHashes(userCap, hexes, approximate)
}
