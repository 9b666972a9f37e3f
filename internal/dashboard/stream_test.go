package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/ems/internal/domain/ems"
	"github.com/hms/ems/internal/platform/auth"
	emsws "github.com/hms/ems/internal/platform/websocket"
)

func TestStream_Backoff(t *testing.T) {
	s := NewStream("ws://unused", NewBoard(), &fakeAPI{}, zerolog.Nop())

	s.jitter = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(time.Second), float64(s.backoff(0)), float64(time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(s.backoff(1)), float64(time.Millisecond))
	assert.InDelta(t, float64(16*time.Second), float64(s.backoff(4)), float64(time.Millisecond))
	assert.InDelta(t, float64(30*time.Second), float64(s.backoff(5)), float64(time.Millisecond), "capped")
	assert.InDelta(t, float64(30*time.Second), float64(s.backoff(50)), float64(time.Millisecond))

	s.jitter = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, s.backoff(0), "jitter stays within [d/2, d)")
}

type countingSnapshots struct {
	calls atomic.Int32
	snap  *ems.Snapshot
}

func (c *countingSnapshots) Snapshot(context.Context) (*ems.Snapshot, error) {
	c.calls.Add(1)
	return c.snap, nil
}

// A server that sends a fixed script of messages on each connection and
// then hangs up.
func scriptedServer(t *testing.T, script ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
}

func TestStream_DropsMalformedAndReconnects(t *testing.T) {
	server := scriptedServer(t,
		`not json`,
		`{"type":"SOMETHING_ELSE","payload":{}}`,
		`{"type":"AMBULANCE_LOCATION_UPDATE","payload":{"ambulance_id":"a1","latitude":1,"longitude":2,"timestamp":"2026-03-01T08:00:00Z"}}`,
	)
	defer server.Close()

	board := NewBoard()
	snaps := &countingSnapshots{snap: &ems.Snapshot{}}
	s := NewStream("ws"+strings.TrimPrefix(server.URL, "http"), board, snaps, zerolog.Nop())
	s.base, s.maxDelay = 5*time.Millisecond, 20*time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return snaps.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"every reconnect resynchronizes")
	require.Eventually(t, func() bool {
		_, ok := board.Location("a1")
		return ok
	}, time.Second, 5*time.Millisecond, "valid messages after malformed ones are still applied")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestStream_StopsWhileDialFails(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	s := NewStream(url, NewBoard(), &fakeAPI{}, zerolog.Nop())
	s.base, s.maxDelay = time.Millisecond, time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

// testServer wires the real service, hub and handlers the way the server
// binary does, on the in-memory store.
type testServer struct {
	*httptest.Server
	svc *ems.Service
	hub *emsws.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := ems.NewMemoryStore()
	hub := emsws.NewHub(zerolog.Nop())
	svc := ems.NewService(store, store.Vehicles(), store, hub, zerolog.Nop())

	e := echo.New()
	e.Use(auth.DevAuthMiddleware(auth.JWTConfig{}))
	emsws.NewHandler(hub, []string{ems.TopicFleet, ems.TopicER}, []string{"*"}).RegisterRoutes(e.Group(""))
	ems.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	srv := &testServer{Server: httptest.NewServer(e), svc: svc, hub: hub}
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, srv.svc.RegisterVehicle(ctx, &ems.Vehicle{ID: "a1", Name: "Unit 1", LicensePlate: "KA-01"}))
	lat, lon := 12.97, 77.59
	first, err := srv.svc.CreateAlert(ctx, ems.AlertInput{Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)

	client := NewClient(srv.URL)
	board := NewBoard()
	console := NewConsole(client, board, zerolog.Nop())
	stream := NewStream(client.StreamURL(ems.TopicFleet), board, client, zerolog.Nop())
	go stream.Run(ctx)

	// The snapshot carries state from before the connection.
	require.Eventually(t, func() bool { return len(board.NewAlerts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.hub.TopicCount(ems.TopicFleet) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, board.AvailableVehicles(), 1)

	second, err := srv.svc.CreateAlert(ctx, ems.AlertInput{Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(board.NewAlerts()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, console.Assign(ctx, first.ID, "a1"))
	assert.Equal(t, []string{first.ID}, ids(board.ActiveTrips()))
	assert.Empty(t, board.AvailableVehicles())

	// The vehicle is busy now; the second assignment conflicts and resyncs.
	err = console.Assign(ctx, second.ID, "a1")
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, []string{second.ID}, ids(board.NewAlerts()))

	_, err = srv.svc.RecordLocation(ctx, ems.LocationSample{AmbulanceID: "a1", Latitude: 12.95, Longitude: 77.58, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		loc, ok := board.Location("a1")
		return ok && loc.Latitude == 12.95
	}, 2*time.Second, 10*time.Millisecond)

	_, err = srv.svc.SetETA(ctx, first.ID, 6)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		trips := board.ActiveTrips()
		return len(trips) == 1 && trips[0].ETAMinutes != nil && *trips[0].ETAMinutes == 6
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, console.Complete(ctx, first.ID))
	assert.Empty(t, board.ActiveTrips())
	v, ok := board.Vehicle("a1")
	require.True(t, ok)
	assert.Equal(t, ems.VehicleAvailable, v.Status)

	// A second completion is a conflict and changes nothing locally.
	err = console.Complete(ctx, first.ID)
	require.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, board.ActiveTrips())
	assert.Len(t, board.AvailableVehicles(), 1)
}
