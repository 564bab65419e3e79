package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"ruleinsight/internal/analytics"
	"ruleinsight/internal/bucket"
)

// DashboardRule is one scored rule in the deployment dashboard.
type DashboardRule struct {
	RuleID             string  `json:"ruleId"`
	Triggers           int64   `json:"triggers"`
	UniqueUsers        int64   `json:"uniqueUsers"`
	EffectivenessScore float64 `json:"effectivenessScore"`
	FalsePositiveProxy float64 `json:"falsePositiveProxy"`
	BlockRate          float64 `json:"blockRate"`
	AvgConfidence      float64 `json:"avgConfidence"`
}

// DashboardSummary aggregates across all rules in the window.
type DashboardSummary struct {
	TotalTriggers         int64   `json:"totalTriggers"`
	AvgEffectivenessScore float64 `json:"avgEffectivenessScore"`
	IneffectiveRulesCount int     `json:"ineffectiveRulesCount"`
}

// DashboardResponse is the all-rules analytics payload.
type DashboardResponse struct {
	Window     string           `json:"window"`
	Partial    bool             `json:"partial"`
	TotalRules int              `json:"totalRules"`
	Summary    DashboardSummary `json:"summary"`
	Rules      []DashboardRule  `json:"rules"`
}

// ineffectiveBelow is the score under which a rule counts as
// ineffective in the dashboard summary.
const ineffectiveBelow = 0.5

// DeploymentDashboard serves
// GET /v1/dashboard?window={1h|24h}&sortBy={effectiveness|triggers|falsePositives}.
func DeploymentDashboard(engine *analytics.Engine) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		windowParam := string(ctx.QueryArgs().Peek("window"))
		hours, err := bucket.ParseWindow(windowParam)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}

		sortBy := string(ctx.QueryArgs().Peek("sortBy"))
		if sortBy == "" {
			sortBy = "effectiveness"
		}
		if sortBy != "effectiveness" && sortBy != "triggers" && sortBy != "falsePositives" {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid sortBy (want effectiveness, triggers or falsePositives)")
			return
		}

		qctx, cancel := context.WithTimeout(ctx, queryTimeout(ctx))
		defer cancel()

		summaries, partial, err := engine.AllRulesWindow(qctx, hours, time.Now())
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to query dashboard")
			return
		}

		jsonResponse(ctx, buildDashboardResponse(summaries, partial, windowName(hours), sortBy))
	}
}

func buildDashboardResponse(summaries []*analytics.WindowSummary, partial bool, window, sortBy string) DashboardResponse {
	rules := make([]DashboardRule, 0, len(summaries))
	var totalTriggers int64
	var scoreSum float64
	ineffective := 0

	for _, w := range summaries {
		if w == nil {
			continue
		}
		score := analytics.Score(w)
		rules = append(rules, DashboardRule{
			RuleID:             w.RuleID,
			Triggers:           w.TriggerCount,
			UniqueUsers:        w.UniqueUsers(),
			EffectivenessScore: score.EffectivenessScore,
			FalsePositiveProxy: score.FalsePositiveProxy,
			BlockRate:          score.BlockRate,
			AvgConfidence:      score.AvgConfidence,
		})
		totalTriggers += w.TriggerCount
		scoreSum += score.EffectivenessScore
		if score.EffectivenessScore < ineffectiveBelow {
			ineffective++
		}
		if w.Partial {
			partial = true
		}
	}

	sortRules(rules, sortBy)

	avgScore := 0.0
	if len(rules) > 0 {
		avgScore = scoreSum / float64(len(rules))
	}

	return DashboardResponse{
		Window:     window,
		Partial:    partial,
		TotalRules: len(rules),
		Summary: DashboardSummary{
			TotalTriggers:         totalTriggers,
			AvgEffectivenessScore: avgScore,
			IneffectiveRulesCount: ineffective,
		},
		Rules: rules,
	}
}

// sortRules orders descending by the chosen key; ties break by rule ID
// ascending so equal rules always render in the same order.
func sortRules(rules []DashboardRule, sortBy string) {
	sort.SliceStable(rules, func(i, j int) bool {
		var less bool
		var equal bool
		switch sortBy {
		case "triggers":
			less = rules[i].Triggers > rules[j].Triggers
			equal = rules[i].Triggers == rules[j].Triggers
		case "falsePositives":
			less = rules[i].FalsePositiveProxy > rules[j].FalsePositiveProxy
			equal = rules[i].FalsePositiveProxy == rules[j].FalsePositiveProxy
		default: // effectiveness
			less = rules[i].EffectivenessScore > rules[j].EffectivenessScore
			equal = rules[i].EffectivenessScore == rules[j].EffectivenessScore
		}
		if equal {
			return rules[i].RuleID < rules[j].RuleID
		}
		return less
	})
}
