package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleinsight/internal/bucket"
)

type fakeReader struct {
	mu   sync.Mutex
	aggs map[string]map[time.Time]*HourAggregate

	// failAfter fails every Aggregate call once reads reaches it; -1
	// disables. failWith is the error returned.
	reads     int
	failAfter int
	failWith  error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		aggs:      make(map[string]map[time.Time]*HourAggregate),
		failAfter: -1,
	}
}

func (f *fakeReader) put(agg *HourAggregate) {
	if f.aggs[agg.RuleID] == nil {
		f.aggs[agg.RuleID] = make(map[time.Time]*HourAggregate)
	}
	f.aggs[agg.RuleID][agg.Hour] = agg
}

func (f *fakeReader) Aggregate(ctx context.Context, ruleID string, hour time.Time) (*HourAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failAfter >= 0 && f.reads > f.failAfter {
		return nil, f.failWith
	}
	return f.aggs[ruleID][hour], nil
}

func (f *fakeReader) ActiveRules(ctx context.Context, hour time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, hours := range f.aggs {
		if hours[hour] != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var windowNow = time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)

func TestRuleWindowReadsExactlyWindowHours(t *testing.T) {
	store := newFakeReader()
	for i := 0; i < 48; i++ {
		store.put(makeAggregate("rule-a", bucket.Of(windowNow).Add(-time.Duration(i)*time.Hour), 10))
	}

	engine := NewEngine(store, 100)
	w, err := engine.RuleWindow(context.Background(), "rule-a", 24, windowNow)
	require.NoError(t, err)

	assert.Equal(t, 24, store.reads, "read cost must be exactly windowHours point lookups")
	assert.Equal(t, int64(240), w.TriggerCount)
	assert.Len(t, w.Breakdown, 24)
	assert.False(t, w.Partial)

	// Most-recent-first ordering, ending at the bucket containing now.
	assert.True(t, w.Breakdown[0].Hour.Equal(bucket.Of(windowNow)))
	for i := 1; i < len(w.Breakdown); i++ {
		assert.True(t, w.Breakdown[i].Hour.Before(w.Breakdown[i-1].Hour))
	}
}

func TestRuleWindowMissingHourIsGapNotPartial(t *testing.T) {
	store := newFakeReader()
	for i := 0; i < 24; i++ {
		if i == 14 {
			continue
		}
		store.put(makeAggregate("rule-a", bucket.Of(windowNow).Add(-time.Duration(i)*time.Hour), 10))
	}

	engine := NewEngine(store, 100)
	w, err := engine.RuleWindow(context.Background(), "rule-a", 24, windowNow)
	require.NoError(t, err)

	require.Len(t, w.Breakdown, 24)
	assert.True(t, w.Breakdown[14].Gap)
	assert.Zero(t, w.Breakdown[14].Triggers)
	assert.False(t, w.Partial, "gaps are normal, not partial-query failures")
	assert.Equal(t, int64(230), w.TriggerCount)
}

func TestRuleWindowDeadlineYieldsPartial(t *testing.T) {
	store := newFakeReader()
	for i := 0; i < 24; i++ {
		store.put(makeAggregate("rule-a", bucket.Of(windowNow).Add(-time.Duration(i)*time.Hour), 10))
	}
	store.failAfter = 6
	store.failWith = context.DeadlineExceeded

	engine := NewEngine(store, 100)
	w, err := engine.RuleWindow(context.Background(), "rule-a", 24, windowNow)
	require.NoError(t, err)

	assert.True(t, w.Partial)
	assert.Len(t, w.Breakdown, 6)
	assert.Equal(t, int64(60), w.TriggerCount)
}

func TestRuleWindowStoreErrorFailsQuery(t *testing.T) {
	store := newFakeReader()
	store.failAfter = 0
	store.failWith = errors.New("connection refused")

	engine := NewEngine(store, 100)
	_, err := engine.RuleWindow(context.Background(), "rule-a", 24, windowNow)
	assert.Error(t, err)
}

func TestRuleWindowUnknownRuleIsAllGaps(t *testing.T) {
	engine := NewEngine(newFakeReader(), 100)
	w, err := engine.RuleWindow(context.Background(), "never-seen", 24, windowNow)
	require.NoError(t, err)
	assert.Zero(t, w.TriggerCount)
	assert.Len(t, w.Breakdown, 24)
	for _, h := range w.Breakdown {
		assert.True(t, h.Gap)
	}
}

func TestAllRulesWindowDiscoversActiveRules(t *testing.T) {
	store := newFakeReader()
	// rule-a active in the newest hour, rule-b only 20 hours back,
	// rule-c outside the window entirely.
	store.put(makeAggregate("rule-a", bucket.Of(windowNow), 10))
	store.put(makeAggregate("rule-b", bucket.Of(windowNow).Add(-20*time.Hour), 5))
	store.put(makeAggregate("rule-c", bucket.Of(windowNow).Add(-30*time.Hour), 50))

	engine := NewEngine(store, 100)
	summaries, partial, err := engine.AllRulesWindow(context.Background(), 24, windowNow)
	require.NoError(t, err)
	assert.False(t, partial)

	require.Len(t, summaries, 2)
	assert.Equal(t, "rule-a", summaries[0].RuleID)
	assert.Equal(t, "rule-b", summaries[1].RuleID)
	assert.Equal(t, int64(10), summaries[0].TriggerCount)
	assert.Equal(t, int64(5), summaries[1].TriggerCount)
}

func TestAllRulesWindowEmptyDeployment(t *testing.T) {
	engine := NewEngine(newFakeReader(), 100)
	summaries, partial, err := engine.AllRulesWindow(context.Background(), 1, windowNow)
	require.NoError(t, err)
	assert.False(t, partial)
	assert.Empty(t, summaries)
}

func TestWindowRejectsNonPositiveHours(t *testing.T) {
	engine := NewEngine(newFakeReader(), 100)
	_, err := engine.RuleWindow(context.Background(), "rule-a", 0, windowNow)
	assert.Error(t, err)
	_, _, err = engine.AllRulesWindow(context.Background(), -1, windowNow)
	assert.Error(t, err)
}
