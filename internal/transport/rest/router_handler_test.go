package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/monitor"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter(io.Discard)
	m.Run()
}

type fakeVerifier struct {
	claims security.TokenClaims
	err    error
}

func (f fakeVerifier) VerifyAccessToken(token string) (security.TokenClaims, error) {
	return f.claims, f.err
}

// restStore implements monitor.Store and journeyReader over a map.
type restStore struct {
	journeys map[string]*domain.MonitoredJourney
	alerts   map[uuid.UUID][]domain.DelayAlert
	conflict bool
}

func newRestStore() *restStore {
	return &restStore{
		journeys: map[string]*domain.MonitoredJourney{},
		alerts:   map[uuid.UUID][]domain.DelayAlert{},
	}
}

func (s *restStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error { return fn(nil) }

func (s *restStore) CreateJourney(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney) error {
	if s.conflict {
		return domain.ErrJourneyConflict
	}
	j.ID = uuid.New()
	s.journeys[j.JourneyID] = j
	return nil
}

func (s *restStore) FindJourneyByID(ctx context.Context, id uuid.UUID) (*domain.MonitoredJourney, error) {
	for _, j := range s.journeys {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, domain.ErrJourneyNotFound
}

func (s *restStore) FindJourneyByExternalID(ctx context.Context, journeyID string) (*domain.MonitoredJourney, error) {
	j, ok := s.journeys[journeyID]
	if !ok {
		return nil, domain.ErrJourneyNotFound
	}
	return j, nil
}

func (s *restStore) FindJourneysByUser(ctx context.Context, userID uuid.UUID) ([]domain.MonitoredJourney, error) {
	var out []domain.MonitoredJourney
	for _, j := range s.journeys {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *restStore) FindDueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.MonitoredJourney, error) {
	return nil, nil
}

func (s *restStore) FindAlertsByJourney(ctx context.Context, journeyID uuid.UUID) ([]domain.DelayAlert, error) {
	return s.alerts[journeyID], nil
}

func (s *restStore) UpdateJourney(ctx context.Context, q postgres.Querier, id uuid.UUID, upd domain.JourneyUpdate) error {
	return nil
}

func (s *restStore) UpdateJourneyStatus(ctx context.Context, q postgres.Querier, id uuid.UUID, st domain.MonitoringStatus, rid *string) error {
	for _, j := range s.journeys {
		if j.ID == id {
			j.MonitoringStatus = st
			if st.IsTerminal() {
				j.NextCheckAt = nil
			}
			return nil
		}
	}
	return domain.ErrJourneyNotFound
}

func (s *restStore) UpdateLastChecked(ctx context.Context, ids []uuid.UUID, checkedAt, nextCheckAt time.Time) error {
	return nil
}

func (s *restStore) DeleteJourney(ctx context.Context, id uuid.UUID) error { return nil }

type noopEvents struct{}

func (noopEvents) JourneyMonitoringStarted(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error) {
	return &domain.OutboxEvent{}, nil
}

func (noopEvents) JourneyCancelled(ctx context.Context, q postgres.Querier, j *domain.MonitoredJourney, correlationID string) (*domain.OutboxEvent, error) {
	return &domain.OutboxEvent{}, nil
}

func newTestRouter(t *testing.T, store *restStore, userID uuid.UUID, role string) http.Handler {
	t.Helper()

	mon := monitor.New(store, noopEvents{}, 5*time.Minute)
	h := NewHandler(mon, store, func(ctx context.Context) error { return nil })

	return NewRouter(RouterDeps{
		Handler: h,
		Verifier: fakeVerifier{claims: security.TokenClaims{
			UserID: userID.String(),
			Role:   role,
		}},
	})
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func registerBody(style string) map[string]any {
	dep := time.Now().UTC().Add(4 * time.Hour).Format(time.RFC3339)
	arr := time.Now().UTC().Add(8 * time.Hour).Format(time.RFC3339)
	if style == "camel" {
		return map[string]any{
			"journeyId":          "J-1",
			"originCrs":          "KGX",
			"destinationCrs":     "EDB",
			"scheduledDeparture": dep,
			"scheduledArrival":   arr,
		}
	}
	return map[string]any{
		"journey_id":          "J-1",
		"origin_crs":          "KGX",
		"destination_crs":     "EDB",
		"scheduled_departure": dep,
		"scheduled_arrival":   arr,
	}
}

func TestRegisterJourneySnakeCase(t *testing.T) {
	store := newRestStore()
	userID := uuid.New()
	r := newTestRouter(t, store, userID, "user")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/journeys", registerBody("snake"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "J-1", out.Data["journey_id"])
	require.Equal(t, "pending_rid", out.Data["monitoring_status"])
	require.Equal(t, userID.String(), out.Data["user_id"])
	require.NotEmpty(t, out.Data["next_check_at"])
}

func TestRegisterJourneyCamelCase(t *testing.T) {
	store := newRestStore()
	r := newTestRouter(t, store, uuid.New(), "user")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/journeys", registerBody("camel"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, store.journeys, "J-1")
	require.Equal(t, "KGX", store.journeys["J-1"].OriginCRS)
}

func TestRegisterJourneyDuplicate409(t *testing.T) {
	store := newRestStore()
	store.conflict = true
	r := newTestRouter(t, store, uuid.New(), "user")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/journeys", registerBody("snake"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "journey.duplicate")
}

func TestRegisterJourneyBadCRS400(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")

	body := registerBody("snake")
	body["origin_crs"] = "KINGSX"
	rec := doJSON(t, r, http.MethodPost, "/api/v1/journeys", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "request.invalid")
}

func TestRegisterJourneyBadTimestamp400(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")

	body := registerBody("snake")
	body["scheduled_departure"] = "24/08/2026 09:00"
	rec := doJSON(t, r, http.MethodPost, "/api/v1/journeys", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthenticated401(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/journeys", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetJourneyOwnerAndForbidden(t *testing.T) {
	store := newRestStore()
	owner := uuid.New()
	j := &domain.MonitoredJourney{
		ID:               uuid.New(),
		JourneyID:        "J-1",
		UserID:           owner,
		MonitoringStatus: domain.StatusActive,
	}
	store.journeys["J-1"] = j
	store.alerts[j.ID] = []domain.DelayAlert{{ID: uuid.New(), DelayMinutes: 30, ThresholdExceeded: true}}

	// owner sees the journey with alerts
	rec := doJSON(t, newTestRouter(t, store, owner, "user"), http.MethodGet, "/api/v1/journeys/J-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"delay_minutes":30`)

	// a stranger gets 403
	rec = doJSON(t, newTestRouter(t, store, uuid.New(), "user"), http.MethodGet, "/api/v1/journeys/J-1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// an admin may read anything
	rec = doJSON(t, newTestRouter(t, store, uuid.New(), "admin"), http.MethodGet, "/api/v1/journeys/J-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJourneyNotFound404(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")
	rec := doJSON(t, r, http.MethodGet, "/api/v1/journeys/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "journey.not_found")
}

func TestMeJourneysListsOnlyMine(t *testing.T) {
	store := newRestStore()
	me := uuid.New()
	store.journeys["mine"] = &domain.MonitoredJourney{ID: uuid.New(), JourneyID: "mine", UserID: me, MonitoringStatus: domain.StatusActive}
	store.journeys["theirs"] = &domain.MonitoredJourney{ID: uuid.New(), JourneyID: "theirs", UserID: uuid.New(), MonitoringStatus: domain.StatusActive}

	rec := doJSON(t, newTestRouter(t, store, me, "user"), http.MethodGet, "/api/v1/me/journeys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mine")
	require.NotContains(t, rec.Body.String(), "theirs")
}

func TestCancelJourney(t *testing.T) {
	store := newRestStore()
	owner := uuid.New()
	store.journeys["J-1"] = &domain.MonitoredJourney{ID: uuid.New(), JourneyID: "J-1", UserID: owner, MonitoringStatus: domain.StatusActive}

	rec := doJSON(t, newTestRouter(t, store, owner, "user"), http.MethodDelete, "/api/v1/journeys/J-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.StatusCancelled, store.journeys["J-1"].MonitoringStatus)
}

func TestCancelCompletedJourney409(t *testing.T) {
	store := newRestStore()
	owner := uuid.New()
	store.journeys["J-1"] = &domain.MonitoredJourney{ID: uuid.New(), JourneyID: "J-1", UserID: owner, MonitoringStatus: domain.StatusCompleted}

	rec := doJSON(t, newTestRouter(t, store, owner, "user"), http.MethodDelete, "/api/v1/journeys/J-1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "journey.invalid_state")
}

func TestHealthEndpointsNoAuth(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	r := newTestRouter(t, newRestStore(), uuid.New(), "user")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "trace-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, "trace-42", rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
