package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"belated/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	meetings map[string]*models.Meeting
	getErr   error
	coords   [][2]float64
	tracking [][]models.TrackingSetting
	plans    []string
}

func (f *fakeStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	m, ok := f.meetings[id]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

func (f *fakeStore) FindMeetingsFor(ctx context.Context, email string) ([]*models.Meeting, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []*models.Meeting
	for _, m := range f.meetings {
		if m.Participant(email) != nil {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateCoordinate(ctx context.Context, m *models.Meeting, latitude, longitude float64) error {
	f.coords = append(f.coords, [2]float64{latitude, longitude})
	m.Latitude, m.Longitude, m.LocationDetermined = latitude, longitude, true
	return nil
}

func (f *fakeStore) UpdateTracking(ctx context.Context, m *models.Meeting, settings []models.TrackingSetting) error {
	for _, s := range settings {
		if m.Participant(s.Email) == nil {
			return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, s.Email)
		}
	}
	f.tracking = append(f.tracking, settings)
	return nil
}

func (f *fakeStore) UpdateTravelPlan(ctx context.Context, m *models.Meeting, email string, mode models.TravelMode, eta *time.Time) error {
	if m.Participant(email) == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownParticipant, email)
	}
	f.plans = append(f.plans, email+":"+string(mode))
	return nil
}

type fakeLocations struct {
	positions []*models.Position
	err       error
}

func (f *fakeLocations) HandleLocation(ctx context.Context, pos *models.Position) error {
	if f.err != nil {
		return f.err
	}
	f.positions = append(f.positions, pos)
	return nil
}

var now = time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)

func setup() (*fakeStore, *fakeLocations, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	store := &fakeStore{meetings: map[string]*models.Meeting{
		"meeting-1": {
			Id:          "meeting-1",
			CalUId:      "uid-1",
			CalSequence: 1,
			Start:       time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
			Subject:     "Design review",
			Organiser:   models.Participant{Name: "Olga", Email: "olga@example.com"},
			Attendees:   []models.Participant{{Name: "Alice", Email: "alice@example.com"}},
		},
	}}
	locations := &fakeLocations{}
	h := NewHandlers(store, locations)
	h.now = func() time.Time { return now }
	return store, locations, NewRouter(h)
}

func perform(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	_, _, router := setup()
	w := perform(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, router := setup()
	w := perform(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetMeeting(t *testing.T) {
	_, _, router := setup()

	w := perform(router, http.MethodGet, "/api/v1/meetings/meeting-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var m models.Meeting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, "Design review", m.Subject)
	assert.Equal(t, "olga@example.com", m.Organiser.Email)

	w = perform(router, http.MethodGet, "/api/v1/meetings/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMeetingStoreFailure(t *testing.T) {
	store, _, router := setup()
	store.getErr = errors.New("connection refused")

	w := perform(router, http.MethodGet, "/api/v1/meetings/meeting-1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetParticipantMeetings(t *testing.T) {
	_, _, router := setup()

	w := perform(router, http.MethodGet, "/api/v1/participants/Alice@Example.com/meetings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var meetings []models.Meeting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meetings))
	require.Len(t, meetings, 1)
	assert.Equal(t, "meeting-1", meetings[0].Id)

	w = perform(router, http.MethodGet, "/api/v1/participants/nobody@example.com/meetings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	w = perform(router, http.MethodGet, "/api/v1/participants/not-an-email/meetings", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetLocation(t *testing.T) {
	testCases := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCoords int
	}{
		{"sets coordinates", "/api/v1/meetings/meeting-1/location", `{"latitude":-27.47,"longitude":153.02}`, http.StatusOK, 1},
		{"zero is a coordinate", "/api/v1/meetings/meeting-1/location", `{"latitude":0,"longitude":0}`, http.StatusOK, 1},
		{"missing longitude", "/api/v1/meetings/meeting-1/location", `{"latitude":-27.47}`, http.StatusBadRequest, 0},
		{"out of range", "/api/v1/meetings/meeting-1/location", `{"latitude":-97,"longitude":153.02}`, http.StatusBadRequest, 0},
		{"not json", "/api/v1/meetings/meeting-1/location", `latitude=1`, http.StatusBadRequest, 0},
		{"unknown meeting", "/api/v1/meetings/missing/location", `{"latitude":1,"longitude":2}`, http.StatusNotFound, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _, router := setup()
			w := perform(router, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Len(t, store.coords, tc.wantCoords)
		})
	}
}

func TestSetTracking(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"updates", `{"settings":[{"email":"alice@example.com","track":false},{"email":"olga@example.com","track":true}]}`, http.StatusOK},
		{"track is required", `{"settings":[{"email":"alice@example.com"}]}`, http.StatusBadRequest},
		{"settings are required", `{}`, http.StatusBadRequest},
		{"unknown participant", `{"settings":[{"email":"eve@example.com","track":true}]}`, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, router := setup()
			w := perform(router, http.MethodPost, "/api/v1/meetings/meeting-1/tracking", tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestSetTravelPlan(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantPlans  []string
	}{
		{"car with eta", `{"email":"Alice@example.com","mode":"car","eta":"2024-05-02T08:55:00Z"}`, http.StatusOK, []string{"alice@example.com:car"}},
		{"online", `{"email":"olga@example.com","mode":"online"}`, http.StatusOK, []string{"olga@example.com:online"}},
		{"clears plan", `{"email":"olga@example.com"}`, http.StatusOK, []string{"olga@example.com:"}},
		{"car needs eta", `{"email":"alice@example.com","mode":"car"}`, http.StatusBadRequest, nil},
		{"decline takes no eta", `{"email":"alice@example.com","mode":"decline","eta":"2024-05-02T08:55:00Z"}`, http.StatusBadRequest, nil},
		{"unknown mode", `{"email":"alice@example.com","mode":"teleport"}`, http.StatusBadRequest, nil},
		{"invalid email", `{"email":"alice","mode":"online"}`, http.StatusBadRequest, nil},
		{"unknown participant", `{"email":"eve@example.com","mode":"online"}`, http.StatusBadRequest, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, _, router := setup()
			w := perform(router, http.MethodPost, "/api/v1/meetings/meeting-1/travel_plan", tc.body)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantPlans, store.plans)
		})
	}
}

func TestRecordPosition(t *testing.T) {
	_, locations, router := setup()

	w := perform(router, http.MethodPost, "/api/v1/location", `{"email":"alice@example.com","latitude":-27.4,"longitude":153.0}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, locations.positions, 1)
	assert.Equal(t, now, locations.positions[0].Timestamp)

	w = perform(router, http.MethodPost, "/api/v1/location",
		`{"email":"alice@example.com","latitude":-27.4,"longitude":153.0,"timestamp":"2024-05-02T18:20:00+10:00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, locations.positions, 2)
	assert.Equal(t, time.Date(2024, 5, 2, 8, 20, 0, 0, time.UTC), locations.positions[1].Timestamp)

	w = perform(router, http.MethodPost, "/api/v1/location", `{"email":"alice@example.com","latitude":-27.4}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordPositionRejected(t *testing.T) {
	_, locations, router := setup()
	locations.err = fmt.Errorf("%w: %q", models.ErrInvalidEmail, "alice")

	w := perform(router, http.MethodPost, "/api/v1/location", `{"email":"alice","latitude":-27.4,"longitude":153.0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	locations.err = errors.New("database unavailable")
	w = perform(router, http.MethodPost, "/api/v1/location", `{"email":"alice@example.com","latitude":-27.4,"longitude":153.0}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
