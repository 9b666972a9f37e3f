package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hms/ems/internal/domain/ems"
)

// API is the part of the REST client the console and stream need.
type API interface {
	Snapshot(ctx context.Context) (*ems.Snapshot, error)
	Assign(ctx context.Context, tripID, ambulanceID string) (*Assignment, error)
	Complete(ctx context.Context, tripID string) (*Assignment, error)
	CreateAlert(ctx context.Context, in ems.AlertInput) (*ems.Trip, error)
}

// ErrInvalidInput is returned for operator input rejected before any
// request is sent.
var ErrInvalidInput = errors.New("invalid input")

// Console runs operator actions. Errors are returned to the caller to show
// next to the control that triggered them; nothing is retried.
type Console struct {
	api    API
	board  *Board
	logger zerolog.Logger
}

func NewConsole(api API, board *Board, logger zerolog.Logger) *Console {
	return &Console{
		api:    api,
		board:  board,
		logger: logger.With().Str("component", "console").Logger(),
	}
}

// Assign dispatches a vehicle to an alert. On conflict the board is
// resynchronized from the server before the conflict is returned, since
// local state evidently lags.
func (c *Console) Assign(ctx context.Context, tripID, ambulanceID string) error {
	if tripID == "" || ambulanceID == "" {
		return fmt.Errorf("%w: trip and ambulance are required", ErrInvalidInput)
	}
	res, err := c.api.Assign(ctx, tripID, ambulanceID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			if rerr := c.Resync(ctx); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("resync after assignment conflict failed")
			}
		}
		return err
	}
	if res.Trip != nil && res.Ambulance != nil {
		c.board.OnTripAssigned(ems.TripAssignedEvent{Trip: *res.Trip, Ambulance: *res.Ambulance, LastLocation: res.Ambulance.LastLocation})
	}
	return nil
}

// Complete removes the trip from the board immediately and restores it if
// the request fails.
func (c *Console) Complete(ctx context.Context, tripID string) error {
	if tripID == "" {
		return fmt.Errorf("%w: trip is required", ErrInvalidInput)
	}
	hidden := c.board.BeginComplete(tripID)
	res, err := c.api.Complete(ctx, tripID)
	if err != nil {
		if hidden {
			c.board.RollbackComplete(tripID)
		}
		return err
	}
	c.board.OnTripCompleted(ems.TripCompletedEvent{TripID: tripID, Ambulance: res.Ambulance})
	return nil
}

// CreateAlert files a manual alert. The board picks it up from the
// NEW_ALERT event.
func (c *Console) CreateAlert(ctx context.Context, in ems.AlertInput) (*ems.Trip, error) {
	if in.Latitude == nil || in.Longitude == nil {
		return nil, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidInput)
	}
	if !(ems.Coordinates{Latitude: *in.Latitude, Longitude: *in.Longitude}).Valid() {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	return c.api.CreateAlert(ctx, in)
}

// Resync replaces the board with a fresh snapshot.
func (c *Console) Resync(ctx context.Context) error {
	snap, err := c.api.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.board.Reset(snap)
	return nil
}
