package claims

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/downstream"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
)

// Outcome classifies one claim attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeAlreadyTriggered Outcome = "ALREADY_TRIGGERED"
	OutcomeBelowThreshold   Outcome = "BELOW_THRESHOLD"
	OutcomeDuplicateClaim   Outcome = "DUPLICATE_CLAIM"
	OutcomeNotEligible      Outcome = "NOT_ELIGIBLE"
	OutcomeServiceError     Outcome = "SERVICE_ERROR"
	OutcomeNetworkError     Outcome = "NETWORK_ERROR"
)

// Result carries the classified oracle response. Retryable is true only for
// transport-level failures; business rejections are final.
type Result struct {
	Outcome               Outcome
	ClaimReferenceID      *string
	Message               string
	EstimatedCompensation *float64
	Retryable             bool
	Raw                   *downstream.ClaimTriggerResponse
}

func (r Result) Triggered() bool { return r.Outcome == OutcomeSuccess }

// oracle is the downstream claims surface the trigger calls.
type oracle interface {
	TriggerClaim(ctx context.Context, req downstream.ClaimTriggerRequest) (*downstream.ClaimTriggerResponse, error)
}

// Trigger applies the local pre-checks and classifies the oracle's answer.
// It never touches storage; persisting the outcome is the caller's job so it
// can ride the caller's transaction.
type Trigger struct {
	oracle    oracle
	threshold int
}

func NewTrigger(o oracle, thresholdMinutes int) *Trigger {
	if thresholdMinutes <= 0 {
		thresholdMinutes = 15
	}
	return &Trigger{oracle: o, threshold: thresholdMinutes}
}

// TriggerForAlert attempts a claim for one alert. Cancellations bypass the
// threshold pre-check: their sentinel delay_minutes is below any realistic
// threshold but they are always claim-worthy.
func (t *Trigger) TriggerForAlert(ctx context.Context, j *domain.MonitoredJourney, a *domain.DelayAlert) Result {
	if a.ClaimTriggered {
		return Result{
			Outcome:          OutcomeAlreadyTriggered,
			ClaimReferenceID: a.ClaimReferenceID,
			Message:          "claim already triggered for this alert",
		}
	}
	if !a.IsCancellation && a.DelayMinutes < t.threshold {
		return Result{
			Outcome: OutcomeBelowThreshold,
			Message: "delay below compensation threshold",
		}
	}

	resp, err := t.oracle.TriggerClaim(ctx, downstream.ClaimTriggerRequest{
		DelayAlertID: a.ID,
		JourneyID:    j.JourneyID,
		UserID:       j.UserID,
		DelayMinutes: a.DelayMinutes,
		DelayReasons: a.DelayReasons,
	})
	if err != nil {
		return Result{
			Outcome:   OutcomeNetworkError,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	return classify(resp)
}

// classify maps the oracle's response shape onto an outcome.
func classify(resp *downstream.ClaimTriggerResponse) Result {
	switch {
	case resp.Success && (resp.Eligible == nil || *resp.Eligible) && resp.ClaimReferenceID != nil:
		return Result{
			Outcome:               OutcomeSuccess,
			ClaimReferenceID:      resp.ClaimReferenceID,
			Message:               resp.Message,
			EstimatedCompensation: resp.EstimatedCompensation,
			Raw:                   resp,
		}
	case !resp.Success && resp.ClaimReferenceID != nil:
		// The oracle already holds a claim for this journey.
		return Result{
			Outcome:          OutcomeDuplicateClaim,
			ClaimReferenceID: resp.ClaimReferenceID,
			Message:          resp.Message,
			Raw:              resp,
		}
	case resp.Eligible != nil && !*resp.Eligible:
		return Result{
			Outcome: OutcomeNotEligible,
			Message: firstNonEmpty(resp.Message, "journey not eligible for compensation"),
			Raw:     resp,
		}
	default:
		return Result{
			Outcome: OutcomeServiceError,
			Message: firstNonEmpty(resp.Error, resp.Message, "claims service rejected the request"),
			Raw:     resp,
		}
	}
}

// BatchItem pairs an alert with its journey for batch processing.
type BatchItem struct {
	Journey *domain.MonitoredJourney
	Alert   *domain.DelayAlert
}

// TriggerBatch processes alerts sequentially. One alert's failure never
// short-circuits the rest; the caller gets a result per item, index-aligned.
func (t *Trigger) TriggerBatch(ctx context.Context, items []BatchItem) []Result {
	results := make([]Result, 0, len(items))
	log := logger.WithCtx(ctx).With().Str("component", "claim_trigger").Logger()

	for _, it := range items {
		start := time.Now()
		res := t.TriggerForAlert(ctx, it.Journey, it.Alert)
		results = append(results, res)

		evt := log.Info()
		if res.Outcome == OutcomeNetworkError || res.Outcome == OutcomeServiceError {
			evt = log.Warn()
		}
		evt.
			Str("journey_id", it.Journey.JourneyID).
			Str("alert_id", it.Alert.ID.String()).
			Str("outcome", string(res.Outcome)).
			Dur("took", time.Since(start)).
			Msg("claim trigger")
	}
	return results
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
