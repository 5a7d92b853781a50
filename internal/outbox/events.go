package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/google/uuid"
)

const (
	EventJourneyMonitoringStarted = "journey.monitoring_started"
	EventDelayDetected            = "delay.detected"
	EventClaimTriggered           = "claim.triggered"
	EventJourneyCompleted         = "journey.completed"
	EventJourneyCancelled         = "journey.cancelled"

	AggregateMonitoredJourney = "monitored_journey"
	AggregateDelayAlert       = "delay_alert"
)

// eventStore is the slice of the postgres repository the builders need.
type eventStore interface {
	CreateOutboxEvent(ctx context.Context, q postgres.Querier, e *domain.OutboxEvent) error
}

// Builder writes typed domain events into the outbox. Every method accepts
// the caller's transaction so the event commits atomically with the state
// change it narrates; a nil querier falls back to the pool.
type Builder struct {
	store eventStore
}

func NewBuilder(store eventStore) *Builder {
	return &Builder{store: store}
}

func orMint(correlationID string) string {
	if correlationID == "" {
		return uuid.NewString()
	}
	return correlationID
}

func (b *Builder) write(ctx context.Context, q postgres.Querier, aggregateType, aggregateID, eventType, correlationID string, payload map[string]any) (*domain.OutboxEvent, error) {
	payload["correlationId"] = correlationID
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := &domain.OutboxEvent{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: correlationID,
	}
	if err := b.store.CreateOutboxEvent(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (b *Builder) JourneyMonitoringStarted(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error) {
	return b.write(ctx, q, AggregateMonitoredJourney, j.ID.String(), EventJourneyMonitoringStarted, orMint(correlationID), map[string]any{
		"journeyId":          j.JourneyID,
		"userId":             j.UserID.String(),
		"monitoredJourneyId": j.ID.String(),
		"origin":             j.OriginCRS,
		"destination":        j.DestinationCRS,
		"scheduledDeparture": j.ScheduledDeparture.UTC().Format(time.RFC3339),
	})
}

func (b *Builder) DelayDetected(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, a *domain.DelayAlert, correlationID string) (*domain.OutboxEvent, error) {
	payload := map[string]any{
		"journeyId":    j.JourneyID,
		"alertId":      a.ID.String(),
		"userId":       j.UserID.String(),
		"delayMinutes": a.DelayMinutes,
	}
	if len(a.DelayReasons) > 0 {
		payload["delayReasons"] = json.RawMessage(a.DelayReasons)
	}
	return b.write(ctx, q, AggregateDelayAlert, a.ID.String(), EventDelayDetected, orMint(correlationID), payload)
}

func (b *Builder) ClaimTriggered(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, a *domain.DelayAlert, claimReferenceID, correlationID string) (*domain.OutboxEvent, error) {
	return b.write(ctx, q, AggregateDelayAlert, a.ID.String(), EventClaimTriggered, orMint(correlationID), map[string]any{
		"alertId":          a.ID.String(),
		"journeyId":        j.JourneyID,
		"userId":           j.UserID.String(),
		"claimReferenceId": claimReferenceID,
		"delayMinutes":     a.DelayMinutes,
	})
}

func (b *Builder) JourneyCompleted(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, completedAt time.Time, hadDelay bool, delayMinutes *int, correlationID string) (*domain.OutboxEvent, error) {
	payload := map[string]any{
		"journeyId":   j.JourneyID,
		"userId":      j.UserID.String(),
		"completedAt": completedAt.UTC().Format(time.RFC3339),
		"hadDelay":    hadDelay,
	}
	if delayMinutes != nil {
		payload["delayMinutes"] = *delayMinutes
	}
	return b.write(ctx, q, AggregateMonitoredJourney, j.ID.String(), EventJourneyCompleted, orMint(correlationID), payload)
}

func (b *Builder) JourneyCancelled(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error) {
	return b.write(ctx, q, AggregateMonitoredJourney, j.ID.String(), EventJourneyCancelled, orMint(correlationID), map[string]any{
		"journeyId": j.JourneyID,
		"userId":    j.UserID.String(),
	})
}
