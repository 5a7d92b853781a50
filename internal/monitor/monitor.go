package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RIDLeadWindow is how far ahead of departure the first monitoring touch is
// scheduled. RIDs are not assigned by the upstream feed much earlier than
// this, so polling sooner is wasted work.
const RIDLeadWindow = 48 * time.Hour

const DefaultTickInterval = 5 * time.Minute

// Store is the journey persistence surface the monitor drives.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	CreateJourney(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney) error
	FindJourneyByID(ctx context.Context, id uuid.UUID) (*domain.MonitoredJourney, error)
	FindJourneyByExternalID(ctx context.Context, journeyID string) (*domain.MonitoredJourney, error)
	FindJourneysByUser(ctx context.Context, userID uuid.UUID) ([]domain.MonitoredJourney, error)
	FindDueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.MonitoredJourney, error)
	UpdateJourney(ctx context.Context, q postgres.Querier, id uuid.UUID, upd domain.JourneyUpdate) error
	UpdateJourneyStatus(ctx context.Context, q postgres.Querier, id uuid.UUID, newStatus domain.MonitoringStatus, rid *string) error
	UpdateLastChecked(ctx context.Context, ids []uuid.UUID, checkedAt, nextCheckAt time.Time) error
	DeleteJourney(ctx context.Context, id uuid.UUID) error
}

// EventBuilder is the slice of the outbox builders the monitor emits through.
type EventBuilder interface {
	JourneyMonitoringStarted(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error)
	JourneyCancelled(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error)
}

// Monitor owns the journey lifecycle state machine and the next_check_at
// scheduling policy. Callers never compute pacing themselves.
type Monitor struct {
	store        Store
	events       EventBuilder
	tickInterval time.Duration

	now func() time.Time
}

func New(store Store, events EventBuilder, tickInterval time.Duration) *Monitor {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Monitor{
		store:        store,
		events:       events,
		tickInterval: tickInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *Monitor) TickInterval() time.Duration { return m.tickInterval }

// NextTick is the pacing target for a periodic touch without state change.
func (m *Monitor) NextTick(now time.Time) time.Time {
	return now.Add(m.tickInterval)
}

// InitialNextCheck implements the T-48h convention: journeys departing more
// than 48h out wait until departure-48h; nearer ones are picked up on the
// next tick.
func (m *Monitor) InitialNextCheck(departure, now time.Time) time.Time {
	if departure.Sub(now) > RIDLeadWindow {
		return departure.Add(-RIDLeadWindow)
	}
	return now.Add(m.tickInterval)
}

// Registration is the input for a new monitored journey.
type Registration struct {
	JourneyID          string
	UserID             uuid.UUID
	ServiceDate        time.Time
	OriginCRS          string
	DestinationCRS     string
	ScheduledDeparture time.Time
	ScheduledArrival   time.Time
}

func (r Registration) validate() error {
	if strings.TrimSpace(r.JourneyID) == "" {
		return fmt.Errorf("%w: journey_id is required", domain.ErrInvalidInput)
	}
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	if len(r.OriginCRS) != 3 || len(r.DestinationCRS) != 3 {
		return fmt.Errorf("%w: origin and destination must be 3-letter CRS codes", domain.ErrInvalidInput)
	}
	if r.ScheduledDeparture.IsZero() || r.ScheduledArrival.IsZero() {
		return fmt.Errorf("%w: scheduled departure and arrival are required", domain.ErrInvalidInput)
	}
	if !r.ScheduledArrival.After(r.ScheduledDeparture) {
		return fmt.Errorf("%w: scheduled arrival must be after departure", domain.ErrInvalidInput)
	}
	return nil
}

// Register creates a journey in pending_rid and emits
// journey.monitoring_started in the same transaction. A duplicate external
// journey_id surfaces as domain.ErrJourneyConflict.
func (m *Monitor) Register(ctx context.Context, reg Registration) (*domain.MonitoredJourney, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}

	now := m.now()
	next := m.InitialNextCheck(reg.ScheduledDeparture, now)
	j := &domain.MonitoredJourney{
		JourneyID:          strings.TrimSpace(reg.JourneyID),
		UserID:             reg.UserID,
		ServiceDate:        reg.ServiceDate,
		OriginCRS:          strings.ToUpper(reg.OriginCRS),
		DestinationCRS:     strings.ToUpper(reg.DestinationCRS),
		ScheduledDeparture: reg.ScheduledDeparture,
		ScheduledArrival:   reg.ScheduledArrival,
		MonitoringStatus:   domain.StatusPendingRID,
		NextCheckAt:        &next,
	}

	err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := m.store.CreateJourney(ctx, tx, j); err != nil {
			return err
		}
		_, err := m.events.JourneyMonitoringStarted(ctx, tx, j, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// DueForCheck answers "what's due now?".
func (m *Monitor) DueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.MonitoredJourney, error) {
	return m.store.FindDueForCheck(ctx, now, limit)
}

// ResolveRID promotes a pending_rid journey to active with an immediate
// next check, so the first delay lookup happens on the following tick.
func (m *Monitor) ResolveRID(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, rid string) error {
	if err := domain.ValidateTransition(j.MonitoringStatus, domain.StatusActive); err != nil {
		return fmt.Errorf("resolve rid for journey %s: %w", j.JourneyID, err)
	}
	if strings.TrimSpace(rid) == "" {
		return fmt.Errorf("resolve rid for journey %s: empty rid", j.JourneyID)
	}

	now := m.now()
	status := domain.StatusActive
	err := m.store.UpdateJourney(ctx, q, j.ID, domain.JourneyUpdate{
		RID:              &rid,
		MonitoringStatus: &status,
		LastCheckedAt:    &now,
		NextCheckAt:      &now,
	})
	if err != nil {
		return err
	}
	j.RID = &rid
	j.MonitoringStatus = domain.StatusActive
	j.LastCheckedAt = &now
	j.NextCheckAt = &now
	return nil
}

// Transition validates and applies a status change. Terminal targets clear
// next_check_at in the store.
func (m *Monitor) Transition(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, to domain.MonitoringStatus) error {
	if err := domain.ValidateTransition(j.MonitoringStatus, to); err != nil {
		return fmt.Errorf("journey %s: %s -> %s: %w", j.JourneyID, j.MonitoringStatus, to, err)
	}
	if err := m.store.UpdateJourneyStatus(ctx, q, j.ID, to, nil); err != nil {
		return err
	}
	j.MonitoringStatus = to
	if to.IsTerminal() {
		j.NextCheckAt = nil
	}
	return nil
}

// Defer pushes a set of journeys to the next tick after a touch that changed
// nothing (matcher miss, upstream outage, healthy check).
func (m *Monitor) Defer(ctx context.Context, ids []uuid.UUID, now time.Time) error {
	return m.store.UpdateLastChecked(ctx, ids, now, m.NextTick(now))
}

// CancelMonitoring stops a journey on explicit request, from any non-terminal
// state, and emits journey.cancelled. Cancelling twice is a no-op.
func (m *Monitor) CancelMonitoring(ctx context.Context, journeyID string) (*domain.MonitoredJourney, error) {
	j, err := m.store.FindJourneyByExternalID(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.MonitoringStatus == domain.StatusCancelled {
		return j, nil
	}
	if err := domain.ValidateTransition(j.MonitoringStatus, domain.StatusCancelled); err != nil {
		return nil, err
	}

	err = m.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := m.store.UpdateJourneyStatus(ctx, tx, j.ID, domain.StatusCancelled, nil); err != nil {
			return err
		}
		_, err := m.events.JourneyCancelled(ctx, tx, j, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	j.MonitoringStatus = domain.StatusCancelled
	j.NextCheckAt = nil
	return j, nil
}
