package analytics

import "time"

// HourStat is one entry in a window's per-hour breakdown, ordered
// most-recent-first by the query engine. A Gap entry stands in for an
// hour with no aggregate row and contributes zero counts.
type HourStat struct {
	Hour            time.Time
	Triggers        int64
	Blocks          int64
	Escalations     int64
	ConfidenceSum   float64
	ConfidenceCount int64
	Gap             bool
}

// AvgConfidence is the mean confidence for this hour, 0 when empty.
func (h HourStat) AvgConfidence() float64 {
	if h.ConfidenceCount == 0 {
		return 0
	}
	return h.ConfidenceSum / float64(h.ConfidenceCount)
}

// WindowSummary is the fold of N consecutive hourly aggregates for one
// rule. All fields are sums of the per-hour sufficient statistics, so
// folding is commutative and associative: 24 hours folded one at a time
// equal two 12-hour folds combined with Combine.
type WindowSummary struct {
	RuleID string
	Hours  int

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

	// Breakdown holds one entry per window hour, most recent first.
	Breakdown []HourStat

	// Partial is set when the caller's deadline expired before all
	// hours were read. Gaps alone never make a window partial.
	Partial bool
}

// NewWindowSummary returns an empty summary for the given rule; userCap
// bounds the unioned unique-user set.
func NewWindowSummary(ruleID string, hours, userCap int) *WindowSummary {
	return &WindowSummary{
		RuleID: ruleID,
		Hours:  hours,
		Users:  NewUserSet(userCap),
	}
}

// AddHour folds one hourly aggregate into the summary and appends its
// breakdown entry. A nil aggregate records a gap for the given hour.
func (w *WindowSummary) AddHour(hour time.Time, agg *HourAggregate) {
	if agg == nil {
		w.Breakdown = append(w.Breakdown, HourStat{Hour: hour, Gap: true})
		return
	}
	w.TriggerCount += agg.TriggerCount
	w.LowConfidenceCount += agg.LowConfidenceCount
	w.EscalationCount += agg.EscalationCount
	w.BlockCount += agg.BlockCount
	w.ConfidenceSum += agg.ConfidenceSum
	w.ConfidenceCount += agg.ConfidenceCount
	w.ProcessingTimeSum += agg.ProcessingTimeSum
	w.ProcessingTimeCount += agg.ProcessingTimeCount
	for i := range w.Bands {
		w.Bands[i] += agg.Bands[i]
	}
	w.Users.Merge(agg.Users)
	w.Breakdown = append(w.Breakdown, HourStat{
		Hour:            hour,
		Triggers:        agg.TriggerCount,
		Blocks:          agg.BlockCount,
		Escalations:     agg.EscalationCount,
		ConfidenceSum:   agg.ConfidenceSum,
		ConfidenceCount: agg.ConfidenceCount,
	})
}

// Combine folds another summary for the same rule into w. The other
// summary's breakdown (covering older hours) is appended after w's.
func (w *WindowSummary) Combine(o *WindowSummary) {
	w.Hours += o.Hours
	w.TriggerCount += o.TriggerCount
	w.LowConfidenceCount += o.LowConfidenceCount
	w.EscalationCount += o.EscalationCount
	w.BlockCount += o.BlockCount
	w.ConfidenceSum += o.ConfidenceSum
	w.ConfidenceCount += o.ConfidenceCount
	w.ProcessingTimeSum += o.ProcessingTimeSum
	w.ProcessingTimeCount += o.ProcessingTimeCount
	for i := range w.Bands {
		w.Bands[i] += o.Bands[i]
	}
	w.Users.Merge(o.Users)
	w.Breakdown = append(w.Breakdown, o.Breakdown...)
	if o.Partial {
		w.Partial = true
	}
}

// AvgConfidence is the mean trigger confidence over the window, 0 when
// there were no triggers.
func (w *WindowSummary) AvgConfidence() float64 {
	if w.ConfidenceCount == 0 {
		return 0
	}
	return w.ConfidenceSum / float64(w.ConfidenceCount)
}

// AvgProcessingMs is the mean validation latency over the window.
func (w *WindowSummary) AvgProcessingMs() float64 {
	if w.ProcessingTimeCount == 0 {
		return 0
	}
	return w.ProcessingTimeSum / float64(w.ProcessingTimeCount)
}

// UniqueUsers returns the (possibly estimated) unique-user count.
func (w *WindowSummary) UniqueUsers() int64 {
	if w.Users == nil {
		return 0
	}
	return w.Users.Count()
}

// ApproximateUsers reports whether UniqueUsers is an estimate.
func (w *WindowSummary) ApproximateUsers() bool {
	return w.Users != nil && w.Users.Approximate()
}

// Histogram renders the confidence bands as the API-facing label map.
func (w *WindowSummary) Histogram() map[string]int64 {
	out := make(map[string]int64, NumBands)
	for i, label := range BandLabels {
		out[label] = w.Bands[i]
	}
	return out
}
