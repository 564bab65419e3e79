package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"ruleinsight/internal/analytics"
	"ruleinsight/internal/bucket"
)

// TriggerMetrics summarizes trigger volume over the window.
type TriggerMetrics struct {
	TotalTriggers    int64 `json:"totalTriggers"`
	UniqueUsers      int64 `json:"uniqueUsers"`
	ApproximateUsers bool  `json:"approximateUsers"`
	Escalations      int64 `json:"escalations"`
	Blocks           int64 `json:"blocks"`
}

// ConfidenceMetrics summarizes validator confidence over the window.
type ConfidenceMetrics struct {
	AvgConfidence      float64          `json:"avgConfidence"`
	LowConfidenceCount int64            `json:"lowConfidenceCount"`
	Histogram          map[string]int64 `json:"histogram"`
}

// PerformanceMetrics summarizes validation latency over the window.
type PerformanceMetrics struct {
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

// HourEntry is one row of the per-hour breakdown, most recent first.
// Gap marks an hour with no aggregate row; its counts are zero.
type HourEntry struct {
	Hour          string  `json:"hour"`
	Triggers      int64   `json:"triggers"`
	Blocks        int64   `json:"blocks"`
	Escalations   int64   `json:"escalations"`
	AvgConfidence float64 `json:"avgConfidence"`
	Gap           bool    `json:"gap"`
}

// AnalyticsResponse is the per-rule analytics payload.
type AnalyticsResponse struct {
	RuleID               string                        `json:"ruleId"`
	Window               string                        `json:"window"`
	Partial              bool                          `json:"partial"`
	TriggerMetrics       TriggerMetrics                `json:"triggerMetrics"`
	ConfidenceMetrics    ConfidenceMetrics             `json:"confidenceMetrics"`
	EffectivenessMetrics analytics.EffectivenessResult `json:"effectivenessMetrics"`
	PerformanceMetrics   PerformanceMetrics            `json:"performanceMetrics"`
	HourlyBreakdown      []HourEntry                   `json:"hourlyBreakdown"`
}

// RuleAnalytics serves GET /v1/rules/{ruleId}/analytics?window={1h|24h}.
// A rule with no aggregates in the window returns zeros, and a missing
// hour shows up as a gap entry; neither is an error.
func RuleAnalytics(engine *analytics.Engine) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ruleID, _ := ctx.UserValue("ruleId").(string)
		if ruleID == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "missing ruleId")
			return
		}

		windowParam := string(ctx.QueryArgs().Peek("window"))
		hours, err := bucket.ParseWindow(windowParam)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}

		qctx, cancel := context.WithTimeout(ctx, queryTimeout(ctx))
		defer cancel()

		w, err := engine.RuleWindow(qctx, ruleID, hours, time.Now())
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to query analytics")
			return
		}

		jsonResponse(ctx, buildAnalyticsResponse(w, windowName(hours)))
	}
}

func buildAnalyticsResponse(w *analytics.WindowSummary, window string) AnalyticsResponse {
	score := analytics.Score(w)
	breakdown := make([]HourEntry, 0, len(w.Breakdown))
	for _, h := range w.Breakdown {
		breakdown = append(breakdown, HourEntry{
			Hour:          h.Hour.UTC().Format(time.RFC3339),
			Triggers:      h.Triggers,
			Blocks:        h.Blocks,
			Escalations:   h.Escalations,
			AvgConfidence: h.AvgConfidence(),
			Gap:           h.Gap,
		})
	}

	return AnalyticsResponse{
		RuleID:  w.RuleID,
		Window:  window,
		Partial: w.Partial,
		TriggerMetrics: TriggerMetrics{
			TotalTriggers:    w.TriggerCount,
			UniqueUsers:      w.UniqueUsers(),
			ApproximateUsers: w.ApproximateUsers(),
			Escalations:      w.EscalationCount,
			Blocks:           w.BlockCount,
		},
		ConfidenceMetrics: ConfidenceMetrics{
			AvgConfidence:      w.AvgConfidence(),
			LowConfidenceCount: w.LowConfidenceCount,
			Histogram:          w.Histogram(),
		},
		EffectivenessMetrics: score,
		PerformanceMetrics:   PerformanceMetrics{AvgProcessingMs: w.AvgProcessingMs()},
		HourlyBreakdown:      breakdown,
	}
}

func windowName(hours int) string {
	if hours == 1 {
		return "1h"
	}
	return "24h"
}
