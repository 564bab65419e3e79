package analytics

// EffectivenessResult is the derived scoring for one window summary.
// Every field is computed at read time from the summary's sufficient
// statistics; nothing here is ever persisted.
type EffectivenessResult struct {
	AvgConfidence      float64 `json:"avgConfidence"`
	BlockRate          float64 `json:"blockRate"`
	EscalationRate     float64 `json:"escalationRate"`
	VolumeFactor       float64 `json:"volumeFactor"`
	EffectivenessScore float64 `json:"effectivenessScore"`
	FalsePositiveProxy float64 `json:"falsePositiveProxy"`
}

// Score turns a window summary into an effectiveness score and a
// false-positive-rate proxy. Pure and deterministic: identical input
// yields bit-identical output. A window with zero triggers scores zero
// across the board rather than dividing by zero.
//
// effectivenessScore = 0.4*avgConfidence + 0.3*blockRate
//   + 0.2*(1-escalationRate) + 0.1*volumeFactor, clamped to [0,1].
//
// falsePositiveProxy blends the low-confidence trigger rate (weight
// 0.7) with an estimate of confidently-flagged-but-unactioned triggers
// (weight 0.3): top-band triggers beyond the number of blocks and
// escalations are assumed to have drawn no action. The second term is
// a heuristic, not a measured quantity.
func Score(w *WindowSummary) EffectivenessResult {
	if w.TriggerCount == 0 {
		return EffectivenessResult{}
	}

	tc := float64(w.TriggerCount)
	res := EffectivenessResult{
		AvgConfidence:  w.AvgConfidence(),
		BlockRate:      float64(w.BlockCount) / tc,
		EscalationRate: float64(w.EscalationCount) / tc,
		VolumeFactor:   volumeFactor(w.TriggerCount),
	}

	score := 0.4*res.AvgConfidence +
		0.3*res.BlockRate +
		0.2*(1-res.EscalationRate) +
		0.1*res.VolumeFactor
	res.EffectivenessScore = clamp01(score)

	lowRate := float64(w.LowConfidenceCount) / tc
	actioned := w.BlockCount + w.EscalationCount
	noAction := w.Bands[NumBands-1] - actioned
	if noAction < 0 {
		noAction = 0
	}
	res.FalsePositiveProxy = clamp01(0.7*lowRate + 0.3*float64(noAction)/tc)

	return res
}

// volumeFactor penalizes rules that trigger too rarely to judge or so
// often they are likely over-broad: 1.0 in [10,100], linear ramp below
// 10, decaying (floored at 0.5) above 100.
func volumeFactor(triggers int64) float64 {
	switch {
	case triggers < 10:
		return float64(triggers) / 10
	case triggers <= 100:
		return 1.0
	default:
		f := 1 - float64(triggers-100)/1000
		if f < 0.5 {
			return 0.5
		}
		return f
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
