package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"ruleinsight/internal/aggregator"
)

// IngestEvent is the wire form of one validation event. EventID is the
// producer's redelivery key; events posted without one get a generated
// UUID and are therefore counted once per delivery.
type IngestEvent struct {
	EventID          string     `json:"eventId,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	UserID           string     `json:"userId,omitempty"`
	TriggeredRuleIDs []string   `json:"triggeredRuleIds"`
	Confidence       float64    `json:"confidence"`
	Escalated        bool       `json:"escalated,omitempty"`
	Blocked          bool       `json:"blocked,omitempty"`
	ProcessingTimeMs float64    `json:"processingTimeMs,omitempty"`
}

type ingestRequest struct {
	Events []IngestEvent `json:"events"`
}

// IngestHandler accepts a batch of validation events and hands them to
// the aggregator's queue. 202 means queued, not merged; malformed
// events inside the batch are dropped and counted downstream rather
// than failing their siblings here.
func IngestHandler(agg *aggregator.Aggregator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var payload ingestRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(payload.Events) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no events provided")
			return
		}

		queued := 0
		for _, ev := range payload.Events {
			rec := aggregator.Event{
				EventID:          ev.EventID,
				UserID:           ev.UserID,
				TriggeredRuleIDs: ev.TriggeredRuleIDs,
				Confidence:       ev.Confidence,
				Escalated:        ev.Escalated,
				Blocked:          ev.Blocked,
				ProcessingTimeMs: ev.ProcessingTimeMs,
			}
			if ev.Timestamp != nil {
				rec.Timestamp = *ev.Timestamp
			}
			if rec.EventID == "" {
				rec.EventID = uuid.NewString()
			}

			if err := agg.Enqueue(rec); err != nil {
				// Queue full: report how far we got so the source can
				// redeliver the rest.
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"status":"overloaded","queued":` + strconv.Itoa(queued) + `}`)
				return
			}
			queued++
		}

		ctx.SetStatusCode(fasthttp.StatusAccepted)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"status":"accepted","count":` + strconv.Itoa(queued) + `}`)
	}
}
