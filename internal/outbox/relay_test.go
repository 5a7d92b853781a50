package outbox

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter(io.Discard)
	m.Run()
}

type fakeRelayStore struct {
	pending []domain.OutboxEvent
	failed  []domain.OutboxEvent

	processed []uuid.UUID
	failedIDs map[uuid.UUID]string
	reset     []uuid.UUID

	txErr error
}

func newFakeRelayStore() *fakeRelayStore {
	return &fakeRelayStore{failedIDs: map[uuid.UUID]string{}}
}

func (s *fakeRelayStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if s.txErr != nil {
		return s.txErr
	}
	return fn(nil)
}

func (s *fakeRelayStore) FindPendingForProcessing(ctx context.Context, tx pgx.Tx, limit int) ([]domain.OutboxEvent, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeRelayStore) FindFailedForRetry(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	for _, e := range s.failed {
		if e.RetryCount < maxAttempts {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeRelayStore) MarkEventProcessed(ctx context.Context, q postgres.Querier, id uuid.UUID) error {
	s.processed = append(s.processed, id)
	return nil
}

func (s *fakeRelayStore) MarkEventFailed(ctx context.Context, q postgres.Querier, id uuid.UUID, msg string) error {
	s.failedIDs[id] = msg
	return nil
}

func (s *fakeRelayStore) ResetEventToPending(ctx context.Context, q postgres.Querier, id uuid.UUID) error {
	s.reset = append(s.reset, id)
	return nil
}

type fakeBroker struct {
	published []domain.OutboxEvent
	failFor   map[uuid.UUID]error
}

func (b *fakeBroker) Publish(ctx context.Context, e domain.OutboxEvent) error {
	if err, ok := b.failFor[e.ID]; ok {
		return err
	}
	b.published = append(b.published, e)
	return nil
}

func event(eventType string) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "monitored_journey",
		AggregateID:   uuid.NewString(),
		EventType:     eventType,
		Payload:       []byte(`{}`),
	}
}

func TestProcessOutboxPublishesAndMarks(t *testing.T) {
	store := newFakeRelayStore()
	e1 := event(EventDelayDetected)
	e2 := event(EventClaimTriggered)
	store.pending = []domain.OutboxEvent{e1, e2}

	broker := &fakeBroker{}
	r := NewRelay(store, broker, 3)

	n, err := r.ProcessOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, broker.published, 2)
	require.ElementsMatch(t, []uuid.UUID{e1.ID, e2.ID}, store.processed)
	require.Empty(t, store.failedIDs)
}

func TestProcessOutboxPublishFailureMarksFailedAndContinues(t *testing.T) {
	store := newFakeRelayStore()
	bad := event(EventDelayDetected)
	good := event(EventJourneyCompleted)
	store.pending = []domain.OutboxEvent{bad, good}

	broker := &fakeBroker{failFor: map[uuid.UUID]error{bad.ID: errors.New("NO_ROUTE: delay.detected")}}
	r := NewRelay(store, broker, 3)

	n, err := r.ProcessOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n, "the good event still goes out")
	require.Equal(t, []uuid.UUID{good.ID}, store.processed)
	require.Contains(t, store.failedIDs[bad.ID], "NO_ROUTE")
}

func TestProcessOutboxStorageErrorFailsPass(t *testing.T) {
	store := newFakeRelayStore()
	store.txErr = errors.New("connection reset")
	r := NewRelay(store, &fakeBroker{}, 3)

	n, err := r.ProcessOutbox(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
}

func TestRetryFailedEventsRespectsBound(t *testing.T) {
	store := newFakeRelayStore()
	retryable := event(EventDelayDetected)
	retryable.RetryCount = 1
	exhausted := event(EventDelayDetected)
	exhausted.RetryCount = 3
	store.failed = []domain.OutboxEvent{retryable, exhausted}

	broker := &fakeBroker{}
	r := NewRelay(store, broker, 3)

	n, err := r.RetryFailedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uuid.UUID{retryable.ID}, store.reset)
	require.Len(t, broker.published, 1, "events at the retry bound stay failed")
}

func TestRetryFailedEventsRefailsOnPublishError(t *testing.T) {
	store := newFakeRelayStore()
	e := event(EventDelayDetected)
	e.RetryCount = 1
	store.failed = []domain.OutboxEvent{e}

	broker := &fakeBroker{failFor: map[uuid.UUID]error{e.ID: errors.New("still down")}}
	r := NewRelay(store, broker, 3)

	n, err := r.RetryFailedEvents(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Contains(t, store.failedIDs[e.ID], "still down")
}
