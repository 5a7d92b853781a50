package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const alertColumns = `
	id, monitored_journey_id, delay_minutes, delay_detected_at, delay_reasons,
	is_cancellation, threshold_exceeded, claim_triggered, claim_triggered_at,
	claim_reference_id, claim_trigger_response, notification_sent,
	notification_sent_at, created_at, updated_at`

func scanAlert(row pgx.Row) (*domain.DelayAlert, error) {
	var a domain.DelayAlert
	err := row.Scan(
		&a.ID, &a.MonitoredJourneyID, &a.DelayMinutes, &a.DelayDetectedAt, &a.DelayReasons,
		&a.IsCancellation, &a.ThresholdExceeded, &a.ClaimTriggered, &a.ClaimTriggeredAt,
		&a.ClaimReferenceID, &a.ClaimTriggerResponse, &a.NotificationSent,
		&a.NotificationSentAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAlert inserts a delay alert. The delay_minutes > 0 check constraint
// is enforced by the database; callers record cancellations with the
// one-minute sentinel.
func (r *Repository) CreateAlert(ctx context.Context, q Querier, a *domain.DelayAlert) error {
	if q == nil {
		q = r.pool
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DelayDetectedAt.IsZero() {
		a.DelayDetectedAt = time.Now().UTC()
	}

	return q.QueryRow(ctx, `
		INSERT INTO delay_tracker.delay_alerts (
			id, monitored_journey_id, delay_minutes, delay_detected_at, delay_reasons,
			is_cancellation, threshold_exceeded, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.ID, a.MonitoredJourneyID, a.DelayMinutes, a.DelayDetectedAt, a.DelayReasons,
		a.IsCancellation, a.ThresholdExceeded,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *Repository) FindAlertByID(ctx context.Context, id uuid.UUID) (*domain.DelayAlert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx,
		`SELECT`+alertColumns+` FROM delay_tracker.delay_alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlertNotFound
	}
	return a, err
}

func (r *Repository) FindAlertsByJourney(ctx context.Context, journeyID uuid.UUID) ([]domain.DelayAlert, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+alertColumns+` FROM delay_tracker.delay_alerts
		 WHERE monitored_journey_id = $1 ORDER BY delay_detected_at DESC`, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DelayAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// MarkAlertClaimTriggered records a successful claim against an alert.
func (r *Repository) MarkAlertClaimTriggered(ctx context.Context, q Querier, id uuid.UUID, referenceID string, response json.RawMessage, at time.Time) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE delay_tracker.delay_alerts
		SET claim_triggered = TRUE,
		    claim_triggered_at = $2,
		    claim_reference_id = $3,
		    claim_trigger_response = $4
		WHERE id = $1
	`, id, at, referenceID, response)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

// SetAlertClaimResponse stores the oracle's response on an alert without
// marking the claim triggered (non-success outcomes).
func (r *Repository) SetAlertClaimResponse(ctx context.Context, q Querier, id uuid.UUID, response json.RawMessage) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE delay_tracker.delay_alerts
		SET claim_trigger_response = $2
		WHERE id = $1
	`, id, response)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

// MarkAlertNotified stamps the notification fields.
func (r *Repository) MarkAlertNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delay_tracker.delay_alerts
		SET notification_sent = TRUE,
		    notification_sent_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}
