package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `
	id, aggregate_id, aggregate_type, event_type, payload, correlation_id,
	status, retry_count, error_message, created_at, processed_at, published_at`

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	var status string
	err := row.Scan(
		&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload, &e.CorrelationID,
		&status, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.OutboxStatus(status)
	return &e, nil
}

// CreateOutboxEvent appends an event in 'pending'. Pass the caller's tx so
// the event lands atomically with the state change it narrates.
func (r *Repository) CreateOutboxEvent(ctx context.Context, q Querier, e *domain.OutboxEvent) error {
	if q == nil {
		q = r.pool
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = domain.OutboxPending
	e.RetryCount = 0

	return q.QueryRow(ctx, `
		INSERT INTO delay_tracker.outbox (
			id, aggregate_id, aggregate_type, event_type, payload, correlation_id,
			status, retry_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, NOW())
		RETURNING created_at
	`, e.ID, e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.CorrelationID,
	).Scan(&e.CreatedAt)
}

// FindPendingEvents is a plain FIFO scan with no locking.
func (r *Repository) FindPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return r.queryOutbox(ctx, r.pool, `
		SELECT`+outboxColumns+` FROM delay_tracker.outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
}

// FindPendingForProcessing locks the picked rows and skips rows locked by
// other relays; run it on a transaction that stays open until the rows are
// marked. This is what makes concurrent relay workers safe.
func (r *Repository) FindPendingForProcessing(ctx context.Context, tx pgx.Tx, limit int) ([]domain.OutboxEvent, error) {
	return r.queryOutbox(ctx, tx, `
		SELECT`+outboxColumns+` FROM delay_tracker.outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
}

// FindFailedForRetry returns failed rows still under the attempt bound, FIFO.
func (r *Repository) FindFailedForRetry(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error) {
	return r.queryOutbox(ctx, r.pool, `
		SELECT`+outboxColumns+` FROM delay_tracker.outbox
		WHERE status = 'failed'
		  AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $1`, limit, maxAttempts)
}

func (r *Repository) queryOutbox(ctx context.Context, q Querier, sql string, args ...any) ([]domain.OutboxEvent, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkEventProcessed finalizes a relayed row.
func (r *Repository) MarkEventProcessed(ctx context.Context, q Querier, id uuid.UUID) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE delay_tracker.outbox
		SET status = 'processed',
		    processed_at = NOW(),
		    published_at = NOW(),
		    error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}
	return nil
}

// MarkEventFailed records a publish failure and bumps the retry counter.
func (r *Repository) MarkEventFailed(ctx context.Context, q Querier, id uuid.UUID, msg string) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE delay_tracker.outbox
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = $2
		WHERE id = $1
	`, id, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}
	return nil
}

// ResetEventToPending clears the error before a bounded retry. The retry
// counter is deliberately kept.
func (r *Repository) ResetEventToPending(ctx context.Context, q Querier, id uuid.UUID) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE delay_tracker.outbox
		SET status = 'pending',
		    error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}
	return nil
}

// CleanupOldEvents prunes processed rows past the retention horizon.
// Pending and failed rows are never deleted.
func (r *Repository) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.New("retention days must be positive")
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM delay_tracker.outbox
		WHERE status = 'processed'
		  AND created_at < NOW() - make_interval(days => $1)
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
