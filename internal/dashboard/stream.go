package dashboard

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hms/ems/internal/domain/ems"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
	// Server pings every 54s.
	readTimeout = 90 * time.Second
)

// Snapshotter fetches the full dispatch state.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*ems.Snapshot, error)
}

// Stream keeps a Board in sync with the push channel. Every (re)connect is
// followed by a snapshot reset so events missed while disconnected cannot
// cause drift.
type Stream struct {
	url    string
	dialer *websocket.Dialer
	board  *Board
	snap   Snapshotter
	logger zerolog.Logger

	base, maxDelay time.Duration
	jitter         func() float64
	// connected is called after each successful resync.
	connected func()
}

func NewStream(url string, board *Board, snap Snapshotter, logger zerolog.Logger) *Stream {
	return &Stream{
		url:      url,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		board:    board,
		snap:     snap,
		logger:   logger.With().Str("component", "stream").Logger(),
		base:     baseBackoff,
		maxDelay: maxBackoff,
		jitter:   rand.Float64,
	}
}

// Run connects and applies events until ctx is cancelled. Disconnects are
// retried with capped exponential backoff.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		synced, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			attempt = 0
		}

		delay := s.backoff(attempt)
		attempt++
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("push channel disconnected")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// backoff returns the wait before retry number attempt: base doubled per
// attempt, capped, then jittered into [d/2, d).
func (s *Stream) backoff(attempt int) time.Duration {
	d := s.base
	for i := 0; i < attempt && d < s.maxDelay; i++ {
		d *= 2
	}
	if d > s.maxDelay {
		d = s.maxDelay
	}
	half := d / 2
	return half + time.Duration(s.jitter()*float64(half))
}

// session runs one connection. It reports whether the board was
// resynchronized before the connection ended.
func (s *Stream) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	snap, err := s.snap.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	s.board.Reset(snap)
	s.logger.Info().Int("alerts", len(snap.NewAlerts)).Int("active", len(snap.ActiveTrips)).Msg("board resynchronized")
	if s.connected != nil {
		s.connected()
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, err := ems.DecodeMessage(msg)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping push message")
			continue
		}
		s.board.Apply(ev)
	}
}
