package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"ruleinsight/internal/aggregator"
	"ruleinsight/internal/analytics"
	"ruleinsight/internal/bucket"
)

type stubReader struct {
	aggs map[string]map[time.Time]*analytics.HourAggregate
}

func newStubReader() *stubReader {
	return &stubReader{aggs: make(map[string]map[time.Time]*analytics.HourAggregate)}
}

func (s *stubReader) put(agg *analytics.HourAggregate) {
	if s.aggs[agg.RuleID] == nil {
		s.aggs[agg.RuleID] = make(map[time.Time]*analytics.HourAggregate)
	}
	s.aggs[agg.RuleID][agg.Hour] = agg
}

func (s *stubReader) Aggregate(ctx context.Context, ruleID string, hour time.Time) (*analytics.HourAggregate, error) {
	return s.aggs[ruleID][hour], nil
}

func (s *stubReader) ActiveRules(ctx context.Context, hour time.Time) ([]string, error) {
	var ids []string
	for id, hours := range s.aggs {
		if hours[hour] != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func stubAggregate(ruleID string, hour time.Time, triggers, blocks int64) *analytics.HourAggregate {
	users := analytics.NewUserSet(100)
	for i := int64(0); i < triggers; i++ {
		users.Add(analytics.HashUser(fmt.Sprintf("u%d", i)))
	}
	agg := &analytics.HourAggregate{
		RuleID:              ruleID,
		Hour:                hour,
		TriggerCount:        triggers,
		BlockCount:          blocks,
		ConfidenceSum:       0.8 * float64(triggers),
		ConfidenceCount:     triggers,
		ProcessingTimeSum:   10 * float64(triggers),
		ProcessingTimeCount: triggers,
		Users:               users,
	}
	agg.Bands[4] = triggers
	return agg
}

func getCtx(uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(uri)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestRuleAnalyticsHappyPath(t *testing.T) {
	store := newStubReader()
	now := bucket.Of(time.Now())
	store.put(stubAggregate("rule-a", now, 20, 6))
	engine := analytics.NewEngine(store, 100)

	ctx := getCtx("/v1/rules/rule-a/analytics?window=1h")
	ctx.SetUserValue("ruleId", "rule-a")
	RuleAnalytics(engine)(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp AnalyticsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "rule-a", resp.RuleID)
	assert.Equal(t, "1h", resp.Window)
	assert.False(t, resp.Partial)
	assert.Equal(t, int64(20), resp.TriggerMetrics.TotalTriggers)
	assert.Equal(t, int64(20), resp.TriggerMetrics.UniqueUsers)
	assert.Equal(t, int64(6), resp.TriggerMetrics.Blocks)
	assert.InDelta(t, 0.8, resp.ConfidenceMetrics.AvgConfidence, 1e-9)
	assert.InDelta(t, 10, resp.PerformanceMetrics.AvgProcessingMs, 1e-9)
	require.Len(t, resp.HourlyBreakdown, 1)
	assert.False(t, resp.HourlyBreakdown[0].Gap)
}

func TestRuleAnalyticsInvalidWindow(t *testing.T) {
	engine := analytics.NewEngine(newStubReader(), 100)
	ctx := getCtx("/v1/rules/rule-a/analytics?window=7h")
	ctx.SetUserValue("ruleId", "rule-a")
	RuleAnalytics(engine)(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestRuleAnalyticsMissingHourIsGapNot5xx(t *testing.T) {
	store := newStubReader()
	now := bucket.Of(time.Now())
	// Rows everywhere except 14 hours back.
	for i := 0; i < 24; i++ {
		if i == 14 {
			continue
		}
		store.put(stubAggregate("rule-a", now.Add(-time.Duration(i)*time.Hour), 10, 3))
	}
	engine := analytics.NewEngine(store, 100)

	ctx := getCtx("/v1/rules/rule-a/analytics?window=24h")
	ctx.SetUserValue("ruleId", "rule-a")
	RuleAnalytics(engine)(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var resp AnalyticsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.False(t, resp.Partial)
	require.Len(t, resp.HourlyBreakdown, 24)
	assert.True(t, resp.HourlyBreakdown[14].Gap)
	assert.Zero(t, resp.HourlyBreakdown[14].Triggers)
}

func TestDashboardSortsAndSummarizes(t *testing.T) {
	store := newStubReader()
	now := bucket.Of(time.Now())
	store.put(stubAggregate("rule-a", now, 50, 40)) // strong blocker
	store.put(stubAggregate("rule-b", now, 80, 5))  // high volume, weak action
	store.put(stubAggregate("rule-c", now, 50, 40)) // ties with rule-a
	engine := analytics.NewEngine(store, 100)

	ctx := getCtx("/v1/dashboard?window=1h&sortBy=triggers")
	DeploymentDashboard(engine)(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var resp DashboardResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))

	assert.Equal(t, 3, resp.TotalRules)
	assert.Equal(t, int64(180), resp.Summary.TotalTriggers)
	require.Len(t, resp.Rules, 3)
	assert.Equal(t, "rule-b", resp.Rules[0].RuleID)
	// Tie on triggers resolves by rule ID ascending.
	assert.Equal(t, "rule-a", resp.Rules[1].RuleID)
	assert.Equal(t, "rule-c", resp.Rules[2].RuleID)
}

func TestDashboardRejectsBadSortBy(t *testing.T) {
	engine := analytics.NewEngine(newStubReader(), 100)
	ctx := getCtx("/v1/dashboard?sortBy=alphabet")
	DeploymentDashboard(engine)(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestSortRulesStableWithTies(t *testing.T) {
	rules := []DashboardRule{
		{RuleID: "zeta", EffectivenessScore: 0.9},
		{RuleID: "alpha", EffectivenessScore: 0.9},
		{RuleID: "mid", EffectivenessScore: 0.95},
	}
	sortRules(rules, "effectiveness")
	assert.Equal(t, "mid", rules[0].RuleID)
	assert.Equal(t, "alpha", rules[1].RuleID)
	assert.Equal(t, "zeta", rules[2].RuleID)

	byFP := []DashboardRule{
		{RuleID: "b", FalsePositiveProxy: 0.2},
		{RuleID: "a", FalsePositiveProxy: 0.2},
		{RuleID: "c", FalsePositiveProxy: 0.7},
	}
	sortRules(byFP, "falsePositives")
	assert.Equal(t, "c", byFP[0].RuleID)
	assert.Equal(t, "a", byFP[1].RuleID)
	assert.Equal(t, "b", byFP[2].RuleID)
}

func TestIngestHandlerQueuesEvents(t *testing.T) {
	agg := aggregator.New(noopStore{}, aggregator.Config{QueueCapacity: 16})

	body := `{"events":[
		{"eventId":"e1","timestamp":"2024-05-10T12:15:00Z","userId":"u1","triggeredRuleIds":["rule-a"],"confidence":0.9,"blocked":true,"processingTimeMs":12},
		{"timestamp":"2024-05-10T12:16:00Z","userId":"u2","triggeredRuleIds":["rule-b"],"confidence":0.4}
	]}`
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/events")
	ctx.Request.SetBodyString(body)

	IngestHandler(agg)(ctx)

	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"status":"accepted","count":2}`, string(ctx.Response.Body()))
}

func TestIngestHandlerRejectsBadPayloads(t *testing.T) {
	agg := aggregator.New(noopStore{}, aggregator.Config{QueueCapacity: 16})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString("{not json")
	IngestHandler(agg)(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString(`{"events":[]}`)
	IngestHandler(agg)(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestIngestHandlerBackpressure(t *testing.T) {
	agg := aggregator.New(noopStore{}, aggregator.Config{QueueCapacity: 1})

	body := `{"events":[
		{"eventId":"e1","timestamp":"2024-05-10T12:15:00Z","triggeredRuleIds":["rule-a"],"confidence":0.9},
		{"eventId":"e2","timestamp":"2024-05-10T12:15:00Z","triggeredRuleIds":["rule-a"],"confidence":0.9}
	]}`
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString(body)

	IngestHandler(agg)(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"status":"overloaded","queued":1}`, string(ctx.Response.Body()))
}

// noopStore satisfies the aggregator's store interface for tests that
// never start workers.
type noopStore struct{}

func (noopStore) MergeDelta(context.Context, analytics.Delta) error { return nil }
func (noopStore) MergeUsers(context.Context, string, time.Time, []uint64) error {
	return nil
}
func (noopStore) ClaimEvent(context.Context, string, time.Time) (bool, error) { return true, nil }
func (noopStore) ReleaseEvent(context.Context, string) error                  { return nil }
func (noopStore) AddDeadLetter(context.Context, string, string, int, []byte, time.Time) error {
	return nil
}
