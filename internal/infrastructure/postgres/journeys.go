package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const journeyColumns = `
	id, journey_id, user_id, service_date, origin_crs, destination_crs,
	scheduled_departure, scheduled_arrival, rid, monitoring_status,
	last_checked_at, next_check_at, created_at, updated_at`

func scanJourney(row pgx.Row) (*domain.MonitoredJourney, error) {
	var j domain.MonitoredJourney
	var status string
	err := row.Scan(
		&j.ID, &j.JourneyID, &j.UserID, &j.ServiceDate, &j.OriginCRS, &j.DestinationCRS,
		&j.ScheduledDeparture, &j.ScheduledArrival, &j.RID, &status,
		&j.LastCheckedAt, &j.NextCheckAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.MonitoringStatus = domain.MonitoringStatus(status)
	return &j, nil
}

// CreateJourney inserts a monitored journey. Returns ErrJourneyConflict when
// the external journey_id is already registered (unique constraint).
func (r *Repository) CreateJourney(ctx context.Context, q Querier, j *domain.MonitoredJourney) error {
	if q == nil {
		q = r.pool
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}

	err := q.QueryRow(ctx, `
		INSERT INTO delay_tracker.monitored_journeys (
			id, journey_id, user_id, service_date, origin_crs, destination_crs,
			scheduled_departure, scheduled_arrival, rid, monitoring_status,
			last_checked_at, next_check_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at
	`, j.ID, j.JourneyID, j.UserID, j.ServiceDate, j.OriginCRS, j.DestinationCRS,
		j.ScheduledDeparture, j.ScheduledArrival, j.RID, string(j.MonitoringStatus),
		j.LastCheckedAt, j.NextCheckAt,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrJourneyConflict
		}
		return err
	}
	return nil
}

func (r *Repository) FindJourneyByID(ctx context.Context, id uuid.UUID) (*domain.MonitoredJourney, error) {
	j, err := scanJourney(r.pool.QueryRow(ctx,
		`SELECT`+journeyColumns+` FROM delay_tracker.monitored_journeys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJourneyNotFound
	}
	return j, err
}

func (r *Repository) FindJourneyByExternalID(ctx context.Context, journeyID string) (*domain.MonitoredJourney, error) {
	j, err := scanJourney(r.pool.QueryRow(ctx,
		`SELECT`+journeyColumns+` FROM delay_tracker.monitored_journeys WHERE journey_id = $1`, journeyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJourneyNotFound
	}
	return j, err
}

func (r *Repository) FindJourneysByUser(ctx context.Context, userID uuid.UUID) ([]domain.MonitoredJourney, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+journeyColumns+` FROM delay_tracker.monitored_journeys
		 WHERE user_id = $1 ORDER BY scheduled_departure ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJourneys(rows)
}

// FindDueForCheck returns journeys whose next_check_at has elapsed and whose
// status still permits checking, oldest first. Served by the partial index
// on next_check_at.
func (r *Repository) FindDueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.MonitoredJourney, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT`+journeyColumns+` FROM delay_tracker.monitored_journeys
		 WHERE next_check_at IS NOT NULL
		   AND next_check_at <= $1
		   AND monitoring_status IN ('pending_rid', 'active')
		 ORDER BY next_check_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJourneys(rows)
}

func collectJourneys(rows pgx.Rows) ([]domain.MonitoredJourney, error) {
	var out []domain.MonitoredJourney
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// UpdateJourney applies a whitelisted partial update (rid, status, pacing
// fields). All other columns are immutable post-create.
func (r *Repository) UpdateJourney(ctx context.Context, q Querier, id uuid.UUID, upd domain.JourneyUpdate) error {
	if q == nil {
		q = r.pool
	}

	set := make([]string, 0, 4)
	args := make([]any, 0, 5)
	args = append(args, id)

	if upd.RID != nil {
		args = append(args, *upd.RID)
		set = append(set, fmt.Sprintf("rid = $%d", len(args)))
	}
	if upd.MonitoringStatus != nil {
		args = append(args, string(*upd.MonitoringStatus))
		set = append(set, fmt.Sprintf("monitoring_status = $%d", len(args)))
	}
	if upd.LastCheckedAt != nil {
		args = append(args, *upd.LastCheckedAt)
		set = append(set, fmt.Sprintf("last_checked_at = $%d", len(args)))
	}
	if upd.ClearNextCheck {
		set = append(set, "next_check_at = NULL")
	} else if upd.NextCheckAt != nil {
		args = append(args, *upd.NextCheckAt)
		set = append(set, fmt.Sprintf("next_check_at = $%d", len(args)))
	}
	if len(set) == 0 {
		return nil
	}

	sql := "UPDATE delay_tracker.monitored_journeys SET " + set[0]
	for _, s := range set[1:] {
		sql += ", " + s
	}
	sql += " WHERE id = $1"

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJourneyNotFound
	}
	return nil
}

// UpdateJourneyStatus atomically moves a journey to newStatus, optionally
// co-setting the rid. Terminal statuses clear next_check_at.
func (r *Repository) UpdateJourneyStatus(ctx context.Context, q Querier, id uuid.UUID, newStatus domain.MonitoringStatus, rid *string) error {
	if q == nil {
		q = r.pool
	}

	var tag pgconn.CommandTag
	var err error
	if newStatus.IsTerminal() {
		tag, err = q.Exec(ctx, `
			UPDATE delay_tracker.monitored_journeys
			SET monitoring_status = $2,
			    rid = COALESCE($3, rid),
			    next_check_at = NULL
			WHERE id = $1
		`, id, string(newStatus), rid)
	} else {
		tag, err = q.Exec(ctx, `
			UPDATE delay_tracker.monitored_journeys
			SET monitoring_status = $2,
			    rid = COALESCE($3, rid)
			WHERE id = $1
		`, id, string(newStatus), rid)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJourneyNotFound
	}
	return nil
}

// UpdateLastChecked bulk-paces a set of journeys after a detection cycle.
func (r *Repository) UpdateLastChecked(ctx context.Context, ids []uuid.UUID, checkedAt, nextCheckAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE delay_tracker.monitored_journeys
		SET last_checked_at = $2,
		    next_check_at = $3
		WHERE id = ANY($1)
		  AND monitoring_status IN ('pending_rid', 'active')
	`, ids, checkedAt, nextCheckAt)
	return err
}

// DeleteJourney removes a journey; alerts cascade via FK.
func (r *Repository) DeleteJourney(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM delay_tracker.monitored_journeys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJourneyNotFound
	}
	return nil
}
