package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ruleinsight/internal/bucket"
)

// AggregateReader is the read surface of the aggregate store needed by
// the window engine: point lookups by (rule, hour) and the per-hour
// rule index.
type AggregateReader interface {
	// Aggregate returns the aggregate for (ruleID, hour), or nil when
	// no row exists for that hour.
	Aggregate(ctx context.Context, ruleID string, hour time.Time) (*HourAggregate, error)

	// ActiveRules returns the IDs of all rules that have an aggregate
	// row for the given hour.
	ActiveRules(ctx context.Context, hour time.Time) ([]string, error)
}

// ruleFanout bounds concurrent per-rule window queries in the all-rules
// form.
const ruleFanout = 8

// Engine folds consecutive hourly aggregates into rolling-window
// summaries. It is stateless and safe for concurrent use.
type Engine struct {
	store   AggregateReader
	userCap int
}

// NewEngine returns a window query engine over the given store. userCap
// bounds the unioned unique-user set per window.
func NewEngine(store AggregateReader, userCap int) *Engine {
	return &Engine{store: store, userCap: userCap}
}

// RuleWindow reads the `hours` most recent hourly aggregates for a rule,
// ending at the hour containing now (inclusive), and folds them into one
// summary. The read cost is exactly `hours` point lookups. Missing hours
// are reported as gaps, not errors. If ctx expires mid-window the
// summary covers the hours read so far and is marked Partial; any other
// store error fails the query.
func (e *Engine) RuleWindow(ctx context.Context, ruleID string, hours int, now time.Time) (*WindowSummary, error) {
	if hours < 1 {
		return nil, fmt.Errorf("window must cover at least one hour, got %d", hours)
	}

	end := bucket.Of(now)
	w := NewWindowSummary(ruleID, hours, e.userCap)

	for i := 0; i < hours; i++ {
		hour := end.Add(-time.Duration(i) * time.Hour)
		agg, err := e.store.Aggregate(ctx, ruleID, hour)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				w.Partial = true
				return w, nil
			}
			return nil, fmt.Errorf("read aggregate %s@%s: %w", ruleID, hour.Format(time.RFC3339), err)
		}
		w.AddHour(hour, agg)
	}

	return w, nil
}

// AllRulesWindow discovers every rule active in the window via the
// per-hour index, then queries each rule's window. Summaries come back
// sorted by rule ID. A deadline expiring during discovery or any rule's
// fold marks the whole result partial.
func (e *Engine) AllRulesWindow(ctx context.Context, hours int, now time.Time) ([]*WindowSummary, bool, error) {
	if hours < 1 {
		return nil, false, fmt.Errorf("window must cover at least one hour, got %d", hours)
	}

	end := bucket.Of(now)
	seen := make(map[string]bool)
	partial := false
	for i := 0; i < hours; i++ {
		hour := end.Add(-time.Duration(i) * time.Hour)
		ids, err := e.store.ActiveRules(ctx, hour)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				partial = true
				break
			}
			return nil, false, fmt.Errorf("list active rules for %s: %w", hour.Format(time.RFC3339), err)
		}
		for _, id := range ids {
			seen[id] = true
		}
	}

	ruleIDs := make([]string, 0, len(seen))
	for id := range seen {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)

	summaries := make([]*WindowSummary, len(ruleIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ruleFanout)
	for i, id := range ruleIDs {
		g.Go(func() error {
			w, err := e.RuleWindow(gctx, id, hours, now)
			if err != nil {
				return err
			}
			mu.Lock()
			summaries[i] = w
			if w.Partial {
				partial = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	return summaries, partial, nil
}
