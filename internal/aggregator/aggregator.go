// Package aggregator consumes validation events and merges them into
// per-rule, per-hour aggregates. Events arrive through a bounded
// in-process queue, are batched to amortize store round-trips, and are
// merged with commutative deltas so batch boundaries and worker
// interleaving never affect the resulting aggregates.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"ruleinsight/internal/analytics"
	"ruleinsight/internal/bucket"
)

// ErrQueueFull is returned by Enqueue when the ingest queue is at
// capacity; the source should redeliver later.
var ErrQueueFull = errors.New("ingest queue full")

// Event is one validation event from the content-safety validator.
// Timestamp is used only to derive the hour bucket; UserID is hashed
// before anything is persisted.
type Event struct {
	EventID          string    `json:"eventId"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"userId"`
	TriggeredRuleIDs []string  `json:"triggeredRuleIds"`
	Confidence       float64   `json:"confidence"`
	Escalated        bool      `json:"escalated"`
	Blocked          bool      `json:"blocked"`
	ProcessingTimeMs float64   `json:"processingTimeMs"`
}

// MergeStore is the write surface the aggregator needs from the
// aggregate store.
type MergeStore interface {
	MergeDelta(ctx context.Context, d analytics.Delta) error
	MergeUsers(ctx context.Context, ruleID string, hour time.Time, hashes []uint64) error
	ClaimEvent(ctx context.Context, eventID string, expiresAt time.Time) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
	AddDeadLetter(ctx context.Context, eventID, reason string, attempts int, payload []byte, expiresAt time.Time) error
}

// Config tunes the ingestion pipeline. Zero values fall back to the
// documented defaults.
type Config struct {
	BatchSize           int           // default 100
	BatchMaxWait        time.Duration // default 10s
	Workers             int           // default 4
	QueueCapacity       int           // default 4096
	ConfidenceThreshold float64       // default 0.5
	RetentionDays       int           // default 30
	Retry               *RetryPolicy  // default DefaultRetryPolicy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	return c
}

// Result summarizes one processed batch.
type Result struct {
	Accepted   int // fully merged
	Dropped    int // malformed, counted and skipped
	Duplicates int // event ID already claimed
	Failed     int // dead-lettered after exhausted retries
}

// Aggregator is a pool of batch workers over a shared event queue.
// Workers coordinate only at the store, whose merges commute, so any
// number of them can run without ordering guarantees.
type Aggregator struct {
	store MergeStore
	cfg   Config
	retry *RetryPolicy
	queue chan Event
	wg    sync.WaitGroup
}

// New builds an aggregator over the given store.
func New(store MergeStore, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Aggregator{
		store: store,
		cfg:   cfg,
		retry: retry,
		queue: make(chan Event, cfg.QueueCapacity),
	}
}

// Enqueue hands one event to the worker pool without blocking.
func (a *Aggregator) Enqueue(ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled;
// Wait blocks until they have drained their in-flight batches.
func (a *Aggregator) Start(ctx context.Context) {
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runWorker(ctx)
		}()
	}
}

// Wait blocks until all workers have exited.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// runWorker collects events into batches (flushing at BatchSize or
// after BatchMaxWait since the first buffered event) and merges each
// batch end-to-end.
func (a *Aggregator) runWorker(ctx context.Context) {
	for {
		var first Event
		select {
		case <-ctx.Done():
			return
		case first = <-a.queue:
		}

		batch := make([]Event, 1, a.cfg.BatchSize)
		batch[0] = first

		timer := time.NewTimer(a.cfg.BatchMaxWait)
	fill:
		for len(batch) < a.cfg.BatchSize {
			select {
			case <-ctx.Done():
				break fill
			case <-timer.C:
				break fill
			case ev := <-a.queue:
				batch = append(batch, ev)
			}
		}
		timer.Stop()

		res := a.ProcessBatch(ctx, batch)
		if res.Dropped > 0 || res.Failed > 0 {
			log.Printf("batch merged: accepted=%d dropped=%d duplicates=%d failed=%d",
				res.Accepted, res.Dropped, res.Duplicates, res.Failed)
		}
	}
}

// mergeKey identifies one (rule, hour) aggregate touched by a batch.
type mergeKey struct {
	ruleID string
	hour   time.Time
}

// ProcessBatch merges one batch of events. Per-event errors are
// isolated: a malformed event is dropped and counted, a duplicate is
// skipped, and an event whose merge exhausts its retries is
// dead-lettered, all without touching batch siblings. Cancellation is
// honored between key merges: started merges complete, unstarted
// events keep their at-least-once redelivery contract.
func (a *Aggregator) ProcessBatch(ctx context.Context, batch []Event) Result {
	start := time.Now()
	defer func() { batchFlushSeconds.Observe(time.Since(start).Seconds()) }()

	var res Result

	type pending struct {
		ev     Event
		rules  int  // distinct (rule, hour) keys the event contributed to
		merged int  // keys whose counter delta was persisted
		failed bool // some merge exhausted its retries
	}
	var claimed []*pending

	deltas := make(map[mergeKey]*analytics.Delta)
	contributors := make(map[mergeKey][]*pending)

	for _, ev := range batch {
		if reason := validate(ev); reason != "" {
			eventsDropped.WithLabelValues(reason).Inc()
			res.Dropped++
			continue
		}

		expiresAt := a.expiry(ev.Timestamp)
		var ok bool
		err := a.withRetry(ctx, func(c context.Context) error {
			var cerr error
			ok, cerr = a.store.ClaimEvent(c, ev.EventID, expiresAt)
			return cerr
		})
		if err != nil {
			a.deadLetter(ctx, ev, "claim failed: "+err.Error(), false)
			res.Failed++
			continue
		}
		if !ok {
			eventsDeduplicated.Inc()
			res.Duplicates++
			continue
		}

		p := &pending{ev: ev}
		claimed = append(claimed, p)

		hour := bucket.Of(ev.Timestamp)
		var userHashes []uint64
		if ev.UserID != "" {
			userHashes = []uint64{analytics.HashUser(ev.UserID)}
		}
		// triggeredRuleIds is a set; repeated IDs in the wire form must
		// not count the rule twice for one event.
		seenRules := make(map[string]bool, len(ev.TriggeredRuleIDs))
		for _, ruleID := range ev.TriggeredRuleIDs {
			if seenRules[ruleID] {
				continue
			}
			seenRules[ruleID] = true
			k := mergeKey{ruleID: ruleID, hour: hour}
			d, found := deltas[k]
			if !found {
				d = &analytics.Delta{RuleID: ruleID, Hour: hour}
				deltas[k] = d
			}
			d.Add(a.eventDelta(ev, ruleID, hour, userHashes, expiresAt))
			contributors[k] = append(contributors[k], p)
			p.rules++
			ruleTriggers.WithLabelValues(ruleID).Inc()
		}
	}

	// Deterministic key order; not required for correctness (merges
	// commute) but it keeps logs and tests stable.
	keys := make([]mergeKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ruleID != keys[j].ruleID {
			return keys[i].ruleID < keys[j].ruleID
		}
		return keys[i].hour.Before(keys[j].hour)
	})

	canceled := false
	for _, k := range keys {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		d := deltas[k]
		err := a.withRetry(ctx, func(c context.Context) error {
			return a.store.MergeDelta(c, *d)
		})
		if err != nil {
			for _, p := range contributors[k] {
				p.failed = true
			}
			log.Printf("merge failed for rule=%s hour=%s: %v", k.ruleID, k.hour.Format(time.RFC3339), err)
			continue
		}
		// The counter delta is durable from here on. Its contributors
		// must keep their claim whatever happens next, or redelivery
		// would re-apply the non-idempotent counters.
		for _, p := range contributors[k] {
			p.merged++
		}

		// The user sketch rides separately; its add is idempotent so
		// retrying it alone never double-counts.
		err = a.withRetry(ctx, func(c context.Context) error {
			return a.store.MergeUsers(c, k.ruleID, k.hour, d.UserHashes)
		})
		if err != nil {
			for _, p := range contributors[k] {
				p.failed = true
			}
			log.Printf("user merge failed for rule=%s hour=%s: %v", k.ruleID, k.hour.Format(time.RFC3339), err)
		}
	}

	for _, p := range claimed {
		switch {
		case p.failed:
			a.deadLetter(ctx, p.ev, "merge retries exhausted", p.merged == 0)
			res.Failed++
		case p.merged == p.rules:
			eventsIngested.Inc()
			res.Accepted++
		case p.merged == 0:
			// Unstarted under cancellation: give the claim back so the
			// source's redelivery reprocesses it.
			if canceled {
				a.releaseClaim(ctx, p.ev.EventID)
			}
		default:
			// Partially merged under cancellation. The claim stays so
			// redelivery cannot double-count the merged keys; the dead
			// letter records the rules whose contribution was lost.
			a.deadLetter(ctx, p.ev, "canceled mid-merge", false)
			res.Failed++
		}
	}

	return res
}

// eventDelta is the contribution of a single event to one (rule, hour)
// aggregate. Every trigger contributes exactly one confidence sample
// and one latency sample, keeping the aggregate invariants intact.
func (a *Aggregator) eventDelta(ev Event, ruleID string, hour time.Time, userHashes []uint64, expiresAt time.Time) analytics.Delta {
	d := analytics.Delta{
		RuleID:              ruleID,
		Hour:                hour,
		TriggerCount:        1,
		ConfidenceSum:       ev.Confidence,
		ConfidenceCount:     1,
		ProcessingTimeSum:   ev.ProcessingTimeMs,
		ProcessingTimeCount: 1,
		UserHashes:          userHashes,
		ExpiresAt:           expiresAt,
	}
	if ev.Confidence < a.cfg.ConfidenceThreshold {
		d.LowConfidenceCount = 1
	}
	if ev.Escalated {
		d.EscalationCount = 1
	}
	if ev.Blocked {
		d.BlockCount = 1
	}
	d.Bands[analytics.BandIndex(ev.Confidence)] = 1
	return d
}

func (a *Aggregator) expiry(ts time.Time) time.Time {
	return bucket.HourEnd(ts).Add(time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)
}

// withRetry runs fn under the retry policy, backing off between
// transient failures.
func (a *Aggregator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !a.retry.ShouldRetry(err, attempt) {
			return err
		}
		mergeRetries.Inc()
		select {
		case <-ctx.Done():
			return err
		case <-time.After(a.retry.Delay(attempt)):
		}
	}
}

// deadLetter routes an event to the operator-visible dead-letter table.
// When nothing for this event was merged the claim is released too, so
// redelivery can retry it from scratch.
func (a *Aggregator) deadLetter(ctx context.Context, ev Event, reason string, releasable bool) {
	eventsDeadLettered.Inc()
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = nil
	}
	// Cleanup writes must land even when the batch context is already
	// canceled.
	dctx := context.WithoutCancel(ctx)
	if err := a.store.AddDeadLetter(dctx, ev.EventID, reason, a.retry.MaxAttempts, payload, a.expiry(ev.Timestamp)); err != nil {
		log.Printf("dead letter write failed for event %s: %v", ev.EventID, err)
	}
	if releasable {
		a.releaseClaim(ctx, ev.EventID)
	}
}

func (a *Aggregator) releaseClaim(ctx context.Context, eventID string) {
	if err := a.store.ReleaseEvent(context.WithoutCancel(ctx), eventID); err != nil {
		log.Printf("release claim failed for event %s: %v", eventID, err)
	}
}

// validate classifies malformed events. It returns a drop reason, or
// "" for a valid event.
func validate(ev Event) string {
	if ev.EventID == "" {
		return "missing_event_id"
	}
	if ev.Timestamp.IsZero() {
		return "missing_timestamp"
	}
	if len(ev.TriggeredRuleIDs) == 0 {
		return "no_rule_ids"
	}
	if math.IsNaN(ev.Confidence) || ev.Confidence < 0 || ev.Confidence > 1 {
		return "invalid_confidence"
	}
	if math.IsNaN(ev.ProcessingTimeMs) || ev.ProcessingTimeMs < 0 {
		return "invalid_processing_time"
	}
	return ""
}
