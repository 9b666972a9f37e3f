package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/ems/internal/domain/ems"
)

func TestClient_Assign(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ems/trips/t1/assign", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"ambulance_id":"a1"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"trip":{"id":"t1","status":"Assigned","assigned_ambulance_id":"a1"},"ambulance":{"id":"a1","status":"On_Trip"}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, WithToken("tok"))
	res, err := c.Assign(context.Background(), "t1", "a1")

	require.NoError(t, err)
	assert.Equal(t, ems.TripAssigned, res.Trip.Status)
	assert.Equal(t, ems.VehicleOnTrip, res.Ambulance.Status)
}

func TestClient_ConflictWrapsErrConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"ambulance a1 is not available"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Assign(context.Background(), "t1", "a1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "ambulance a1 is not available", apiErr.Message)
}

func TestClient_NonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Snapshot(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Complete(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClient_SearchPatientsUnwrapsPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/patients", r.URL.Path)
		assert.Equal(t, "ann lee", r.URL.Query().Get("q"))
		w.Write([]byte(`{"data":[{"id":"p1","first_name":"Ann","last_name":"Lee"}],"total":1,"limit":20,"offset":0,"has_more":false}`))
	}))
	defer server.Close()

	res, err := NewClient(server.URL).SearchPatients(context.Background(), "ann lee")

	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Ann Lee", res[0].FullName())
}

func TestClient_RouteFillsDuration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ems/route", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("from"))
		w.Write([]byte(`{"route":{"distance_meters":1200,"duration_seconds":90,"path":[{"lat":1,"lon":2},{"lat":3,"lon":4}]}}`))
	}))
	defer server.Close()

	r, err := NewClient(server.URL).Route(context.Background(), ems.Coordinates{Latitude: 1, Longitude: 2}, ems.Coordinates{Latitude: 3, Longitude: 4})

	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 90*time.Second, r.Duration)
	assert.Len(t, r.Path, 2)
}

func TestClient_RouteAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"route":null}`))
	}))
	defer server.Close()

	r, err := NewClient(server.URL).Route(context.Background(), ems.Coordinates{}, ems.Coordinates{})
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestClient_CreateAlertSendsInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 12.5, in["latitude"])
		assert.Equal(t, "p1", in["patient_id"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t1","status":"New"}`))
	}))
	defer server.Close()

	lat, lon := 12.5, 77.5
	tr, err := NewClient(server.URL).CreateAlert(context.Background(), ems.AlertInput{Latitude: &lat, Longitude: &lon, PatientID: strPtr("p1")})

	require.NoError(t, err)
	assert.Equal(t, "t1", tr.ID)
}

func TestClient_StreamURL(t *testing.T) {
	assert.Equal(t, "wss://ems.example.org/ws?access_token=abc&topics=fleet%2Cer",
		NewClient("https://ems.example.org/", WithToken("abc")).StreamURL(ems.TopicFleet, ems.TopicER))
	assert.Equal(t, "ws://localhost:8000/ws?topics=er",
		NewClient("http://localhost:8000").StreamURL(ems.TopicER))
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url).Alerts(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
