package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type captureStore struct {
	events []*domain.OutboxEvent
}

func (s *captureStore) CreateOutboxEvent(ctx context.Context, q postgres.Querier, e *domain.OutboxEvent) error {
	e.ID = uuid.New()
	s.events = append(s.events, e)
	return nil
}

func payloadOf(t *testing.T, e *domain.OutboxEvent) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &m))
	return m
}

func testJourney() *domain.MonitoredJourney {
	return &domain.MonitoredJourney{
		ID:                 uuid.New(),
		JourneyID:          "J-1",
		UserID:             uuid.New(),
		OriginCRS:          "KGX",
		DestinationCRS:     "EDB",
		ScheduledDeparture: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
	}
}

func TestJourneyMonitoringStartedPayload(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)
	j := testJourney()

	e, err := b.JourneyMonitoringStarted(context.Background(), nil, j, "cycle-1")
	require.NoError(t, err)
	require.Equal(t, EventJourneyMonitoringStarted, e.EventType)
	require.Equal(t, AggregateMonitoredJourney, e.AggregateType)
	require.Equal(t, j.ID.String(), e.AggregateID)
	require.Equal(t, "cycle-1", e.CorrelationID)

	p := payloadOf(t, e)
	require.Equal(t, "J-1", p["journeyId"])
	require.Equal(t, "KGX", p["origin"])
	require.Equal(t, "2026-08-24T09:00:00Z", p["scheduledDeparture"])
	require.Equal(t, "cycle-1", p["correlationId"])
}

func TestBuilderMintsCorrelationID(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)

	e, err := b.JourneyCancelled(context.Background(), nil, testJourney(), "")
	require.NoError(t, err)
	require.NotEmpty(t, e.CorrelationID)
	_, parseErr := uuid.Parse(e.CorrelationID)
	require.NoError(t, parseErr)
}

func TestDelayDetectedPayload(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)
	j := testJourney()
	a := &domain.DelayAlert{
		ID:           uuid.New(),
		DelayMinutes: 30,
		DelayReasons: json.RawMessage(`["signal failure"]`),
	}

	e, err := b.DelayDetected(context.Background(), nil, j, a, "cycle-1")
	require.NoError(t, err)
	require.Equal(t, EventDelayDetected, e.EventType)
	require.Equal(t, AggregateDelayAlert, e.AggregateType)
	require.Equal(t, a.ID.String(), e.AggregateID)

	p := payloadOf(t, e)
	require.EqualValues(t, 30, p["delayMinutes"])
	require.Equal(t, []any{"signal failure"}, p["delayReasons"])
}

func TestDelayDetectedOmitsEmptyReasons(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)
	a := &domain.DelayAlert{ID: uuid.New(), DelayMinutes: 20}

	e, err := b.DelayDetected(context.Background(), nil, testJourney(), a, "")
	require.NoError(t, err)

	p := payloadOf(t, e)
	_, present := p["delayReasons"]
	require.False(t, present)
}

func TestClaimTriggeredPayload(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)
	j := testJourney()
	a := &domain.DelayAlert{ID: uuid.New(), DelayMinutes: 45}

	e, err := b.ClaimTriggered(context.Background(), nil, j, a, "CLM-7", "cycle-1")
	require.NoError(t, err)

	p := payloadOf(t, e)
	require.Equal(t, "CLM-7", p["claimReferenceId"])
	require.EqualValues(t, 45, p["delayMinutes"])
	require.Equal(t, j.UserID.String(), p["userId"])
}

func TestJourneyCompletedPayload(t *testing.T) {
	store := &captureStore{}
	b := NewBuilder(store)
	j := testJourney()
	mins := 25
	at := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	e, err := b.JourneyCompleted(context.Background(), nil, j, at, true, &mins, "")
	require.NoError(t, err)

	p := payloadOf(t, e)
	require.Equal(t, true, p["hadDelay"])
	require.EqualValues(t, 25, p["delayMinutes"])
	require.Equal(t, "2026-08-24T15:30:00Z", p["completedAt"])

	// without delay info, delayMinutes is absent
	e2, err := b.JourneyCompleted(context.Background(), nil, j, at, false, nil, "")
	require.NoError(t, err)
	_, present := payloadOf(t, e2)["delayMinutes"]
	require.False(t, present)
}
