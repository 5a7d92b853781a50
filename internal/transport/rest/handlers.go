package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/monitor"
	appCtx "github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

// journeyReader is the read side of the journey store the handlers use.
type journeyReader interface {
	FindJourneyByExternalID(ctx context.Context, journeyID string) (*domain.MonitoredJourney, error)
	FindJourneysByUser(ctx context.Context, userID uuid.UUID) ([]domain.MonitoredJourney, error)
	FindAlertsByJourney(ctx context.Context, journeyID uuid.UUID) ([]domain.DelayAlert, error)
}

type Handler struct {
	monitor  *monitor.Monitor
	journeys journeyReader
	ready    func(ctx context.Context) error
}

func NewHandler(m *monitor.Monitor, journeys journeyReader, ready func(ctx context.Context) error) *Handler {
	return &Handler{monitor: m, journeys: journeys, ready: ready}
}

// registerRequest accepts both field dialects; two upstream producers send
// camelCase and snake_case respectively, so the ingestion boundary tolerates
// both. Internally everything is snake_case.
type registerRequest struct {
	JourneyID      string `json:"journey_id"`
	JourneyIDAlt   string `json:"journeyId"`
	ServiceDate    string `json:"service_date"`
	ServiceDateAlt string `json:"serviceDate"`
	Origin         string `json:"origin_crs"`
	OriginAlt      string `json:"originCrs"`
	Destination    string `json:"destination_crs"`
	DestinationAlt string `json:"destinationCrs"`
	Departure      string `json:"scheduled_departure"`
	DepartureAlt   string `json:"scheduledDeparture"`
	Arrival        string `json:"scheduled_arrival"`
	ArrivalAlt     string `json:"scheduledArrival"`
}

func coalesce(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(b)
}

func (h *Handler) RegisterJourney(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req registerRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	departure, err := time.Parse(time.RFC3339, coalesce(req.Departure, req.DepartureAlt))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid scheduled_departure", map[string]string{
			"scheduled_departure": "must be RFC3339",
		})
		return
	}
	arrival, err := time.Parse(time.RFC3339, coalesce(req.Arrival, req.ArrivalAlt))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid scheduled_arrival", map[string]string{
			"scheduled_arrival": "must be RFC3339",
		})
		return
	}

	serviceDate := departure.UTC().Truncate(24 * time.Hour)
	if raw := coalesce(req.ServiceDate, req.ServiceDateAlt); raw != "" {
		serviceDate, err = time.Parse("2006-01-02", raw)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid service_date", map[string]string{
				"service_date": "must be YYYY-MM-DD",
			})
			return
		}
	}

	j, err := h.monitor.Register(r.Context(), monitor.Registration{
		JourneyID:          coalesce(req.JourneyID, req.JourneyIDAlt),
		UserID:             auth.UserID,
		ServiceDate:        serviceDate,
		OriginCRS:          coalesce(req.Origin, req.OriginAlt),
		DestinationCRS:     coalesce(req.Destination, req.DestinationAlt),
		ScheduledDeparture: departure.UTC(),
		ScheduledArrival:   arrival.UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrJourneyConflict) {
			fail(w, r, http.StatusConflict, "journey.duplicate", "journey is already monitored", nil)
			return
		}
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusCreated, journeyDTO(j))
}

func (h *Handler) GetJourney(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	j, err := h.journeys.FindJourneyByExternalID(r.Context(), chi.URLParam(r, "journeyID"))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if j.UserID != auth.UserID && auth.Role != "admin" {
		fail(w, r, http.StatusForbidden, "auth.forbidden", "not your journey", nil)
		return
	}

	alerts, err := h.journeys.FindAlertsByJourney(r.Context(), j.ID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	out := journeyDTO(j)
	out["alerts"] = alertDTOs(alerts)
	response.Data(w, http.StatusOK, out)
}

func (h *Handler) MeJourneys(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	items, err := h.journeys.FindJourneysByUser(r.Context(), auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	dtos := make([]map[string]any, 0, len(items))
	for i := range items {
		dtos = append(dtos, journeyDTO(&items[i]))
	}
	response.Data(w, http.StatusOK, map[string]any{"items": dtos})
}

func (h *Handler) CancelJourney(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	journeyID := chi.URLParam(r, "journeyID")
	j, err := h.journeys.FindJourneyByExternalID(r.Context(), journeyID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if j.UserID != auth.UserID && auth.Role != "admin" {
		fail(w, r, http.StatusForbidden, "auth.forbidden", "not your journey", nil)
		return
	}

	cancelled, err := h.monitor.CancelMonitoring(r.Context(), journeyID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, journeyDTO(cancelled))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ready(ctx); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrJourneyNotFound):
		fail(w, r, http.StatusNotFound, "journey.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlertNotFound):
		fail(w, r, http.StatusNotFound, "alert.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrJourneyConflict):
		fail(w, r, http.StatusConflict, "journey.duplicate", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		fail(w, r, http.StatusConflict, "journey.invalid_state", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)
	default:
		// Do not leak internal details.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}

func journeyDTO(j *domain.MonitoredJourney) map[string]any {
	out := map[string]any{
		"id":                  j.ID.String(),
		"journey_id":          j.JourneyID,
		"user_id":             j.UserID.String(),
		"service_date":        j.ServiceDate.Format("2006-01-02"),
		"origin_crs":          j.OriginCRS,
		"destination_crs":     j.DestinationCRS,
		"scheduled_departure": j.ScheduledDeparture.UTC().Format(time.RFC3339),
		"scheduled_arrival":   j.ScheduledArrival.UTC().Format(time.RFC3339),
		"monitoring_status":   string(j.MonitoringStatus),
		"created_at":          j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.RID != nil {
		out["rid"] = *j.RID
	}
	if j.LastCheckedAt != nil {
		out["last_checked_at"] = j.LastCheckedAt.UTC().Format(time.RFC3339)
	}
	if j.NextCheckAt != nil {
		out["next_check_at"] = j.NextCheckAt.UTC().Format(time.RFC3339)
	}
	return out
}

func alertDTOs(alerts []domain.DelayAlert) []map[string]any {
	out := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		dto := map[string]any{
			"id":                 a.ID.String(),
			"delay_minutes":      a.DelayMinutes,
			"is_cancellation":    a.IsCancellation,
			"threshold_exceeded": a.ThresholdExceeded,
			"claim_triggered":    a.ClaimTriggered,
			"detected_at":        a.DelayDetectedAt.UTC().Format(time.RFC3339),
		}
		if a.ClaimReferenceID != nil {
			dto["claim_reference_id"] = *a.ClaimReferenceID
		}
		out = append(out, dto)
	}
	return out
}
