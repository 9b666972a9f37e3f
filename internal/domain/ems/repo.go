package ems

import (
	"context"
	"time"
)

// TripRepository persists trips. Status-changing writes are conditional on
// the status the caller observed and return ErrConflict when it changed.
type TripRepository interface {
	Create(ctx context.Context, t *Trip) error
	GetByID(ctx context.Context, id string) (*Trip, error)
	ListByStatus(ctx context.Context, statuses ...TripStatus) ([]*Trip, error)
	// FindActiveByAmbulance returns the running trip holding the vehicle, or
	// ErrNotFound.
	FindActiveByAmbulance(ctx context.Context, ambulanceID string) (*Trip, error)
	// Transition moves a trip from status `from` to `to`. When ambulanceID is
	// set the trip must be unassigned and gets that vehicle.
	Transition(ctx context.Context, id string, from, to TripStatus, ambulanceID *string, at time.Time) (*Trip, error)
	// SetETA fails with ErrConflict on terminal trips.
	SetETA(ctx context.Context, id string, minutes int, at time.Time) (*Trip, error)
	// SetVitals fails with ErrConflict unless the trip is active.
	SetVitals(ctx context.Context, id string, v Vitals, at time.Time) (*Trip, error)
}

// VehicleRepository persists ambulances and their last known location.
type VehicleRepository interface {
	Create(ctx context.Context, v *Vehicle) error
	GetByID(ctx context.Context, id string) (*Vehicle, error)
	List(ctx context.Context) ([]*Vehicle, error)
	ListByStatus(ctx context.Context, status VehicleStatus) ([]*Vehicle, error)
	// SetStatus changes the status only when the current one is in from.
	SetStatus(ctx context.Context, id string, from []VehicleStatus, to VehicleStatus, at time.Time) (*Vehicle, error)
	// RecordLocation stores the sample unless a newer one is already stored.
	// It reports whether the sample was applied.
	RecordLocation(ctx context.Context, s LocationSample) (bool, error)
}

// Transactor runs fn atomically with respect to the repositories built on
// the same store.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
