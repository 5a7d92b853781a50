package detection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/claims"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/downstream"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/monitor"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const DefaultDueBatchLimit = 100

// CycleResult summarizes one detection pass for the scheduler's metrics.
type CycleResult struct {
	JourneysChecked int
	DelaysDetected  int
	ClaimsTriggered int
	DurationMs      int64
}

// alertStore is the alert/outbox persistence the orchestrator writes through.
type alertStore interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	CreateAlert(ctx context.Context, q postgres.Querier, a *domain.DelayAlert) error
	MarkAlertClaimTriggered(ctx context.Context, q postgres.Querier, id uuid.UUID, referenceID string, response json.RawMessage, at time.Time) error
	SetAlertClaimResponse(ctx context.Context, q postgres.Querier, id uuid.UUID, response json.RawMessage) error
}

// eventSink is the slice of the outbox builders the orchestrator emits through.
type eventSink interface {
	DelayDetected(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, a *domain.DelayAlert, correlationID string) (*domain.OutboxEvent, error)
	ClaimTriggered(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, a *domain.DelayAlert, claimReferenceID, correlationID string) (*domain.OutboxEvent, error)
	JourneyCompleted(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, completedAt time.Time, hadDelay bool, delayMinutes *int, correlationID string) (*domain.OutboxEvent, error)
}

type matcherAPI interface {
	GetJourneySegments(ctx context.Context, journeyID string) (*downstream.JourneyWithSegments, error)
}

type delaysAPI interface {
	GetDelays(ctx context.Context, rids []string) ([]domain.ServiceDelay, error)
}

// delayCache short-circuits feed lookups for RIDs fetched moments ago.
// Several users monitoring the same service share one RID.
type delayCache interface {
	GetDelayRecord(ctx context.Context, rid string) (*domain.ServiceDelay, error)
	SetDelayRecord(ctx context.Context, rec domain.ServiceDelay) error
}

// Orchestrator runs the per-tick detection pipeline: fetch due journeys,
// resolve missing RIDs, batch-query the upstream feed, classify, and commit
// each delayed journey in its own transaction.
type Orchestrator struct {
	monitor  *monitor.Monitor
	store    alertStore
	events   eventSink
	detector *domain.DelayDetector
	trigger  *claims.Trigger
	matcher  matcherAPI
	delays   delaysAPI
	cache    delayCache

	dueLimit int
	now      func() time.Time
}

// WithDelayCache enables best-effort record caching. Cache errors are
// ignored; the feed stays the source of truth.
func (o *Orchestrator) WithDelayCache(c delayCache) *Orchestrator {
	o.cache = c
	return o
}

func NewOrchestrator(
	m *monitor.Monitor,
	store alertStore,
	events eventSink,
	detector *domain.DelayDetector,
	trigger *claims.Trigger,
	matcher matcherAPI,
	delays delaysAPI,
	dueLimit int,
) *Orchestrator {
	if dueLimit <= 0 {
		dueLimit = DefaultDueBatchLimit
	}
	return &Orchestrator{
		monitor:  m,
		store:    store,
		events:   events,
		detector: detector,
		trigger:  trigger,
		matcher:  matcher,
		delays:   delays,
		dueLimit: dueLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle executes one detection pass. Failures are contained at the
// per-journey boundary; only the due-set fetch can fail the cycle outright.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	now := o.now()
	cycleID := uuid.NewString()
	log := logger.Logger.With().Str("component", "detection").Str("cycle_id", cycleID).Logger()

	due, err := o.monitor.DueForCheck(ctx, now, o.dueLimit)
	if err != nil {
		return CycleResult{DurationMs: time.Since(start).Milliseconds()}, err
	}
	if len(due) == 0 {
		return CycleResult{DurationMs: time.Since(start).Milliseconds()}, nil
	}

	res := CycleResult{JourneysChecked: len(due)}

	// Partition: completed journeys short-circuit, the rest split by state.
	var pendingRID, active []*domain.MonitoredJourney
	for i := range due {
		j := &due[i]
		switch {
		case now.After(j.ScheduledArrival):
			o.completeJourney(ctx, log, j, cycleID)
		case j.MonitoringStatus == domain.StatusPendingRID:
			pendingRID = append(pendingRID, j)
		case j.MonitoringStatus == domain.StatusActive:
			active = append(active, j)
		default:
			log.Warn().Str("journey_id", j.JourneyID).
				Str("status", string(j.MonitoringStatus)).
				Msg("unexpected status in due set")
		}
	}

	o.resolvePendingRIDs(ctx, log, pendingRID, now)

	// Journeys promoted this cycle wait for the next tick; only previously
	// active journeys with a RID go to the feed. An active journey somehow
	// missing its RID is re-paced too, or it would stay hot in every due set.
	checkable := make([]*domain.MonitoredJourney, 0, len(active))
	rids := make([]string, 0, len(active))
	var ridless []*domain.MonitoredJourney
	for _, j := range active {
		if j.RID != nil && *j.RID != "" {
			checkable = append(checkable, j)
			rids = append(rids, *j.RID)
		} else {
			log.Warn().Str("journey_id", j.JourneyID).Msg("active journey without rid")
			ridless = append(ridless, j)
		}
	}
	if len(ridless) > 0 {
		o.deferJourneys(ctx, log, ridless, now)
	}

	if len(checkable) > 0 {
		byRID, err := o.fetchDelayRecords(ctx, rids)
		if err != nil {
			// No alerts without upstream data; push everything to next tick.
			log.Warn().Err(err).Int("journeys", len(checkable)).Msg("upstream delays fetch failed")
			o.deferJourneys(ctx, log, checkable, now)
			res.DurationMs = time.Since(start).Milliseconds()
			return res, nil
		}

		var untouched []*domain.MonitoredJourney
		for _, j := range checkable {
			var rec *domain.ServiceDelay
			if r, ok := byRID[*j.RID]; ok {
				rec = &r
			}
			d := o.detector.Detect(j, rec)
			if !d.ExceedsThreshold && !d.IsCancelled {
				untouched = append(untouched, j)
				continue
			}
			detected, claimed := o.commitDetection(ctx, log, j, d, cycleID)
			if detected {
				res.DelaysDetected++
			} else {
				untouched = append(untouched, j)
			}
			if claimed {
				res.ClaimsTriggered++
			}
		}
		o.deferJourneys(ctx, log, untouched, now)
	}

	res.DurationMs = time.Since(start).Milliseconds()
	log.Info().
		Int("checked", res.JourneysChecked).
		Int("delays", res.DelaysDetected).
		Int("claims", res.ClaimsTriggered).
		Int64("duration_ms", res.DurationMs).
		Msg("detection cycle complete")
	return res, nil
}

// fetchDelayRecords returns feed records keyed by RID, consulting the cache
// first when one is configured.
func (o *Orchestrator) fetchDelayRecords(ctx context.Context, rids []string) (map[string]domain.ServiceDelay, error) {
	byRID := make(map[string]domain.ServiceDelay, len(rids))

	missing := rids
	if o.cache != nil {
		missing = make([]string, 0, len(rids))
		for _, rid := range rids {
			if rec, err := o.cache.GetDelayRecord(ctx, rid); err == nil && rec != nil {
				byRID[rec.RID] = *rec
				continue
			}
			missing = append(missing, rid)
		}
		if len(missing) == 0 {
			return byRID, nil
		}
	}

	records, err := o.delays.GetDelays(ctx, missing)
	if err != nil {
		return nil, err
	}
	for rid, rec := range domain.IndexByRID(records) {
		byRID[rid] = rec
		if o.cache != nil {
			_ = o.cache.SetDelayRecord(ctx, rec)
		}
	}
	return byRID, nil
}

// completeJourney transitions a past-arrival journey to completed and emits
// journey.completed, atomically. Errors are logged and skipped.
func (o *Orchestrator) completeJourney(ctx context.Context, log zerolog.Logger, j *domain.MonitoredJourney, cycleID string) {
	hadDelay := j.MonitoringStatus == domain.StatusDelayed
	err := o.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := o.monitor.Transition(ctx, tx, j, domain.StatusCompleted); err != nil {
			return err
		}
		_, err := o.events.JourneyCompleted(ctx, tx, j, o.now(), hadDelay, nil, cycleID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("journey_id", j.JourneyID).Msg("failed to complete journey")
	}
}

// resolvePendingRIDs promotes pending_rid journeys whose matcher record now
// carries a RID. Matcher misses and errors just push the next check forward.
func (o *Orchestrator) resolvePendingRIDs(ctx context.Context, log zerolog.Logger, journeys []*domain.MonitoredJourney, now time.Time) {
	var deferred []*domain.MonitoredJourney
	for _, j := range journeys {
		matched, err := o.matcher.GetJourneySegments(ctx, j.JourneyID)
		if err != nil {
			log.Warn().Err(err).Str("journey_id", j.JourneyID).Msg("matcher lookup failed")
			deferred = append(deferred, j)
			continue
		}
		var rid string
		if matched != nil {
			if rids := matched.RIDs(); len(rids) > 0 {
				rid = rids[0]
			}
		}
		if rid == "" {
			deferred = append(deferred, j)
			continue
		}
		if err := o.monitor.ResolveRID(ctx, nil, j, rid); err != nil {
			log.Error().Err(err).Str("journey_id", j.JourneyID).Msg("rid promotion failed")
			deferred = append(deferred, j)
			continue
		}
		log.Info().Str("journey_id", j.JourneyID).Str("rid", rid).Msg("rid resolved")
	}
	o.deferJourneys(ctx, log, deferred, now)
}

// commitDetection runs the per-journey transaction: alert insert, status
// transition, delay.detected, optional claim. Returns (alertWritten,
// claimTriggered); a rollback leaves both false so the journey is re-paced.
func (o *Orchestrator) commitDetection(ctx context.Context, log zerolog.Logger, j *domain.MonitoredJourney, d domain.DetectionResult, cycleID string) (bool, bool) {
	claimed := false
	err := o.store.WithTx(ctx, func(tx pgx.Tx) error {
		claimed = false

		minutes := d.DelayMinutes
		if minutes < 1 {
			// Cancellations can report zero observed minutes; the alert
			// table requires a positive figure.
			minutes = 1
		}
		alert := &domain.DelayAlert{
			MonitoredJourneyID: j.ID,
			DelayMinutes:       minutes,
			DelayReasons:       d.DelayReasons,
			IsCancellation:     d.IsCancelled,
			ThresholdExceeded:  d.ExceedsThreshold,
		}
		if err := o.store.CreateAlert(ctx, tx, alert); err != nil {
			return err
		}

		target := domain.StatusDelayed
		if d.IsCancelled {
			target = domain.StatusCancelled
		}
		if err := o.monitor.Transition(ctx, tx, j, target); err != nil {
			return err
		}

		if _, err := o.events.DelayDetected(ctx, tx, j, alert, cycleID); err != nil {
			return err
		}

		if d.ClaimEligible && !d.IsCancelled {
			outcome := o.trigger.TriggerForAlert(ctx, j, alert)
			raw := rawResult(outcome)
			if outcome.Triggered() {
				ref := ""
				if outcome.ClaimReferenceID != nil {
					ref = *outcome.ClaimReferenceID
				}
				if err := o.store.MarkAlertClaimTriggered(ctx, tx, alert.ID, ref, raw, o.now()); err != nil {
					return err
				}
				alert.ClaimTriggered = true
				alert.ClaimReferenceID = outcome.ClaimReferenceID
				if _, err := o.events.ClaimTriggered(ctx, tx, j, alert, ref, cycleID); err != nil {
					return err
				}
				claimed = true
			} else {
				if err := o.store.SetAlertClaimResponse(ctx, tx, alert.ID, raw); err != nil {
					return err
				}
				log.Info().Str("journey_id", j.JourneyID).
					Str("outcome", string(outcome.Outcome)).
					Str("reason", outcome.Message).
					Msg("claim not triggered")
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("journey_id", j.JourneyID).Msg("detection commit failed")
		return false, false
	}
	return true, claimed
}

func (o *Orchestrator) deferJourneys(ctx context.Context, log zerolog.Logger, journeys []*domain.MonitoredJourney, now time.Time) {
	if len(journeys) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(journeys))
	for _, j := range journeys {
		ids = append(ids, j.ID)
	}
	if err := o.monitor.Defer(ctx, ids, now); err != nil {
		log.Error().Err(err).Int("journeys", len(ids)).Msg("failed to pace journeys")
	}
}

// rawResult serializes a claim outcome for the alert's response column.
func rawResult(r claims.Result) json.RawMessage {
	if r.Raw != nil {
		if b, err := json.Marshal(r.Raw); err == nil {
			return b
		}
	}
	b, _ := json.Marshal(map[string]string{
		"outcome": string(r.Outcome),
		"message": r.Message,
	})
	return b
}
