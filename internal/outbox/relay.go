package outbox

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	relayBatchSize    = 50
	relayPollInterval = 5 * time.Second
	retryPassInterval = 1 * time.Minute
)

// Broker delivers one outbox event to the message bus.
type Broker interface {
	Publish(ctx context.Context, e domain.OutboxEvent) error
}

// relayStore is the slice of the postgres repository the relay needs.
type relayStore interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	FindPendingForProcessing(ctx context.Context, tx pgx.Tx, limit int) ([]domain.OutboxEvent, error)
	FindFailedForRetry(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, q postgres.Querier, id uuid.UUID) error
	MarkEventFailed(ctx context.Context, q postgres.Querier, id uuid.UUID, msg string) error
	ResetEventToPending(ctx context.Context, q postgres.Querier, id uuid.UUID) error
}

// Relay drains the outbox into the broker. Rows are selected with
// lock-and-skip inside a transaction, so concurrent relays never publish the
// same event twice.
type Relay struct {
	store      relayStore
	broker     Broker
	maxRetries int
}

func NewRelay(store relayStore, broker Broker, maxRetries int) *Relay {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Relay{store: store, broker: broker, maxRetries: maxRetries}
}

// ProcessOutbox runs one relay pass and returns how many events were
// published. A publish failure marks the row failed and moves on; the pass
// itself only fails on storage errors.
func (r *Relay) ProcessOutbox(ctx context.Context) (int, error) {
	published := 0
	err := r.store.WithTx(ctx, func(tx pgx.Tx) error {
		events, err := r.store.FindPendingForProcessing(ctx, tx, relayBatchSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			if pubErr := r.broker.Publish(ctx, e); pubErr != nil {
				if err := r.store.MarkEventFailed(ctx, tx, e.ID, pubErr.Error()); err != nil {
					return err
				}
				continue
			}
			if err := r.store.MarkEventProcessed(ctx, tx, e.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

// RetryFailedEvents gives failed rows below the retry bound another attempt.
func (r *Relay) RetryFailedEvents(ctx context.Context) (int, error) {
	events, err := r.store.FindFailedForRetry(ctx, r.maxRetries, relayBatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range events {
		if err := r.store.ResetEventToPending(ctx, nil, e.ID); err != nil {
			return recovered, err
		}
		if pubErr := r.broker.Publish(ctx, e); pubErr != nil {
			if err := r.store.MarkEventFailed(ctx, nil, e.ID, pubErr.Error()); err != nil {
				return recovered, err
			}
			continue
		}
		if err := r.store.MarkEventProcessed(ctx, nil, e.ID); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// StartWorker polls the outbox in the background until ctx is cancelled.
// Failed rows get a bounded retry pass on a slower cadence.
func (r *Relay) StartWorker(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "outbox_relay").Logger()

		poll := time.NewTicker(relayPollInterval)
		defer poll.Stop()
		retry := time.NewTicker(retryPassInterval)
		defer retry.Stop()

		var lastErr string
		var lastAt time.Time

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-poll.C:
				if n, err := r.ProcessOutbox(ctx); err != nil {
					// Collapse repeated identical errors to avoid log spam.
					if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
						log.Warn().Err(err).Msg("outbox relay pass failed")
						lastErr = err.Error()
						lastAt = time.Now()
					}
				} else {
					lastErr = ""
					if n > 0 {
						log.Info().Int("published", n).Msg("outbox events published")
					}
				}
			case <-retry.C:
				if n, err := r.RetryFailedEvents(ctx); err != nil {
					log.Warn().Err(err).Msg("outbox retry pass failed")
				} else if n > 0 {
					log.Info().Int("recovered", n).Msg("failed outbox events recovered")
				}
			}
		}
	}()
}
