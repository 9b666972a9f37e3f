package ems

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/ems/internal/platform/routing"
	"github.com/hms/ems/internal/platform/websocket"
)

// Publisher delivers envelopes to push-channel subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env websocket.Envelope) error
}

// Router computes drive routes.
type Router interface {
	Route(ctx context.Context, from, to routing.Point) (*routing.Route, error)
}

// PatientDirectory resolves patient IDs for alert intake. LookupName
// returns ErrNotFound for unknown IDs.
type PatientDirectory interface {
	LookupName(ctx context.Context, id string) (string, error)
}

// Service is the only writer of trip and vehicle state. Every accepted
// change is published on the push channel after it is stored.
type Service struct {
	trips     TripRepository
	vehicles  VehicleRepository
	tx        Transactor
	locations LocationCache
	pub       Publisher
	logger    zerolog.Logger

	patients PatientDirectory
	router   Router
	hospital *Coordinates

	now func() time.Time
}

// NewService returns a Service with an in-memory location cache and no
// patient directory or router. Use the Set methods to attach them.
func NewService(trips TripRepository, vehicles VehicleRepository, tx Transactor, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{
		trips:     trips,
		vehicles:  vehicles,
		tx:        tx,
		locations: NewMemoryLocations(),
		pub:       pub,
		logger:    logger.With().Str("component", "ems").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLocationCache replaces the process-local latest-location cache.
func (s *Service) SetLocationCache(c LocationCache) {
	s.locations = c
}

// SetPatientDirectory enables patient ID checks on alert intake.
func (s *Service) SetPatientDirectory(d PatientDirectory) {
	s.patients = d
}

// SetRouter enables route overlays and ETA refresh. hospital may be nil, in
// which case transport legs get no computed ETA.
func (s *Service) SetRouter(r Router, hospital *Coordinates) {
	s.router = r
	s.hospital = hospital
}

// -- Alerts --

func (s *Service) CreateAlert(ctx context.Context, in AlertInput) (*Trip, error) {
	if in.Latitude == nil {
		return nil, invalid("latitude", "is required")
	}
	if in.Longitude == nil {
		return nil, invalid("longitude", "is required")
	}
	scene := Coordinates{Latitude: *in.Latitude, Longitude: *in.Longitude}
	if !scene.Valid() {
		return nil, invalid("latitude/longitude", "out of range")
	}
	source := in.Source
	if source == "" {
		source = SourceManual
	}
	if source != SourceManual && source != SourceAutomatic {
		return nil, invalid("source", "must be manual or automatic")
	}

	patientID := trimmed(in.PatientID)
	patientName := trimmed(in.PatientName)
	if patientID != nil && s.patients != nil {
		name, err := s.patients.LookupName(ctx, *patientID)
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("patient_id", "does not match a known patient")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve patient: %w", err)
		}
		if patientName == nil && name != "" {
			patientName = &name
		}
	}

	now := s.now()
	t := &Trip{
		ID:          uuid.New().String(),
		Status:      TripNew,
		Latitude:    scene.Latitude,
		Longitude:   scene.Longitude,
		PatientID:   patientID,
		PatientName: patientName,
		Notes:       strings.TrimSpace(in.Notes),
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.trips.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info().Str("trip_id", t.ID).Str("source", source).Msg("alert created")

	s.emit(ctx, NewAlert{Trip: *t}, TopicFleet, TopicER)
	return t, nil
}

// ListNewAlerts returns unassigned trips, oldest first.
func (s *Service) ListNewAlerts(ctx context.Context) ([]*Trip, error) {
	trips, err := s.trips.ListByStatus(ctx, TripNew)
	if err != nil {
		return nil, err
	}
	SortByCreated(trips)
	return trips, nil
}

// -- Dispatch --

// AssignTrip pairs a New trip with an Available vehicle. Both conditional
// updates commit together or not at all; losing either race yields
// ErrConflict.
func (s *Service) AssignTrip(ctx context.Context, tripID, ambulanceID string) (*Trip, *Vehicle, error) {
	if tripID == "" {
		return nil, nil, invalid("trip_id", "is required")
	}
	if ambulanceID == "" {
		return nil, nil, invalid("ambulance_id", "is required")
	}

	var trip *Trip
	var vehicle *Vehicle
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.trips.GetByID(ctx, tripID)
		if err != nil {
			return err
		}
		if _, err := s.vehicles.GetByID(ctx, ambulanceID); err != nil {
			return err
		}
		if cur.Status != TripNew {
			return fmt.Errorf("%w: trip %s is %s", ErrConflict, tripID, cur.Status)
		}
		vehicle, err = s.vehicles.SetStatus(ctx, ambulanceID, []VehicleStatus{VehicleAvailable}, VehicleOnTrip, s.now())
		if err != nil {
			return fmt.Errorf("ambulance %s is not available: %w", ambulanceID, err)
		}
		trip, err = s.trips.Transition(ctx, tripID, TripNew, TripAssigned, &ambulanceID, s.now())
		if err != nil {
			return fmt.Errorf("trip %s was taken: %w", tripID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	last := s.lastLocation(ctx, vehicle)
	vehicle.LastLocation = last
	s.logger.Info().Str("trip_id", tripID).Str("ambulance_id", ambulanceID).Msg("trip assigned")
	s.emit(ctx, TripAssignedEvent{Trip: *trip, Ambulance: *vehicle, LastLocation: last}, TopicFleet, TopicER)

	if last != nil {
		if updated := s.refreshETA(ctx, trip, *last); updated != nil {
			trip = updated
		}
	}
	return trip, vehicle, nil
}

// -- Lifecycle --

// AdvanceTrip applies an upstream status report. Reports may skip states
// but never move a trip backwards.
func (s *Service) AdvanceTrip(ctx context.Context, tripID string, next TripStatus) (*Trip, error) {
	if !next.Valid() {
		return nil, invalid("status", fmt.Sprintf("%q is not a trip status", next))
	}
	if next.IsTerminal() {
		return nil, fmt.Errorf("%w: use complete or cancel for %s", ErrInvalidTransition, next)
	}
	cur, err := s.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !CanAdvance(cur.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}
	trip, err := s.trips.Transition(ctx, tripID, cur.Status, next, nil, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("trip_id", tripID).Str("from", string(cur.Status)).Str("to", string(next)).Msg("trip advanced")

	var last *LocationSample
	if trip.AssignedAmbulanceID != nil {
		last, _ = s.latestSample(ctx, *trip.AssignedAmbulanceID)
	}
	s.emit(ctx, TripStatusUpdate{Trip: *trip}, TopicER)
	s.emit(ctx, TripStatusUpdate{Trip: *trip, LastLocation: last}, TopicFleet)

	if last != nil {
		if updated := s.refreshETA(ctx, trip, *last); updated != nil {
			trip = updated
		}
	}
	return trip, nil
}

// CompleteTrip closes a trip and releases its vehicle in one transaction.
// Completing an already closed trip is a conflict.
func (s *Service) CompleteTrip(ctx context.Context, tripID string) (*Trip, *Vehicle, error) {
	trip, vehicle, err := s.close(ctx, tripID, TripCompleted)
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, TripCompletedEvent{TripID: trip.ID, Ambulance: vehicle}, TopicFleet, TopicER)
	return trip, vehicle, nil
}

// CancelTrip closes an open trip without completing it and releases its
// vehicle, if any.
func (s *Service) CancelTrip(ctx context.Context, tripID string) (*Trip, *Vehicle, error) {
	trip, vehicle, err := s.close(ctx, tripID, TripCancelled)
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, TripStatusUpdate{Trip: *trip}, TopicFleet, TopicER)
	return trip, vehicle, nil
}

func (s *Service) close(ctx context.Context, tripID string, to TripStatus) (*Trip, *Vehicle, error) {
	var trip *Trip
	var vehicle *Vehicle
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.trips.GetByID(ctx, tripID)
		if err != nil {
			return err
		}
		if !CanComplete(cur.Status) {
			return fmt.Errorf("%w: trip %s is already %s", ErrConflict, tripID, cur.Status)
		}
		trip, err = s.trips.Transition(ctx, tripID, cur.Status, to, nil, s.now())
		if err != nil {
			return err
		}
		if trip.AssignedAmbulanceID == nil {
			return nil
		}
		vehicle, err = s.vehicles.SetStatus(ctx, *trip.AssignedAmbulanceID, []VehicleStatus{VehicleOnTrip}, VehicleAvailable, s.now())
		if err != nil {
			return fmt.Errorf("release ambulance %s: %w", *trip.AssignedAmbulanceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if vehicle != nil {
		vehicle.LastLocation = s.lastLocation(ctx, vehicle)
	}
	s.logger.Info().Str("trip_id", tripID).Str("status", string(to)).Msg("trip closed")
	return trip, vehicle, nil
}

// SetETA stores an upstream ETA verbatim.
func (s *Service) SetETA(ctx context.Context, tripID string, minutes int) (*Trip, error) {
	if minutes < 0 {
		return nil, invalid("eta_minutes", "must not be negative")
	}
	if _, err := s.trips.GetByID(ctx, tripID); err != nil {
		return nil, err
	}
	trip, err := s.trips.SetETA(ctx, tripID, minutes, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, TripETAUpdate{TripID: tripID, ETAMinutes: minutes}, TopicFleet, TopicER)
	return trip, nil
}

// AttachVitals replaces the vitals of an active trip and pushes them to
// the dashboards.
func (s *Service) AttachVitals(ctx context.Context, tripID string, v Vitals) (*Trip, error) {
	if v.HeartRate == nil && v.BloodPressureSystolic == nil && v.BloodPressureDiastolic == nil && strings.TrimSpace(v.Notes) == "" {
		return nil, invalid("vitals", "must contain at least one reading or a note")
	}
	for field, val := range map[string]*int{
		"heart_rate":               v.HeartRate,
		"blood_pressure_systolic":  v.BloodPressureSystolic,
		"blood_pressure_diastolic": v.BloodPressureDiastolic,
	} {
		if val != nil && *val <= 0 {
			return nil, invalid(field, "must be positive")
		}
	}
	if v.RecordedAt.IsZero() {
		v.RecordedAt = s.now()
	}
	if _, err := s.trips.GetByID(ctx, tripID); err != nil {
		return nil, err
	}
	trip, err := s.trips.SetVitals(ctx, tripID, v, s.now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, NewVitals{
		TripID:                 tripID,
		HeartRate:              v.HeartRate,
		BloodPressureSystolic:  v.BloodPressureSystolic,
		BloodPressureDiastolic: v.BloodPressureDiastolic,
		Notes:                  v.Notes,
		RecordedAt:             v.RecordedAt,
	}, TopicFleet, TopicER)
	return trip, nil
}

func (s *Service) GetTrip(ctx context.Context, id string) (*Trip, error) {
	return s.trips.GetByID(ctx, id)
}

// ListActiveTrips returns running trips ordered by ETA, unknown ETAs last.
func (s *Service) ListActiveTrips(ctx context.Context) ([]*Trip, error) {
	trips, err := s.trips.ListByStatus(ctx, ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	SortByETA(trips)
	return trips, nil
}

// -- Vehicles & locations --

// RegisterVehicle adds an ambulance to the fleet. New vehicles start
// Available unless a status is given.
func (s *Service) RegisterVehicle(ctx context.Context, v *Vehicle) error {
	v.Name = strings.TrimSpace(v.Name)
	v.LicensePlate = strings.TrimSpace(v.LicensePlate)
	if v.Name == "" {
		return invalid("name", "is required")
	}
	if v.LicensePlate == "" {
		return invalid("license_plate", "is required")
	}
	if v.Status == "" {
		v.Status = VehicleAvailable
	}
	if v.Status != VehicleAvailable && v.Status != VehicleOffline {
		return invalid("status", "must be Available or Offline")
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.LastLocation = nil
	v.UpdatedAt = s.now()
	return s.vehicles.Create(ctx, v)
}

// SetVehicleAvailability toggles a vehicle between Available and Offline.
// On_Trip is owned by assignment and completion.
func (s *Service) SetVehicleAvailability(ctx context.Context, id string, status VehicleStatus) (*Vehicle, error) {
	if status != VehicleAvailable && status != VehicleOffline {
		return nil, invalid("status", "must be Available or Offline")
	}
	if _, err := s.vehicles.GetByID(ctx, id); err != nil {
		return nil, err
	}
	v, err := s.vehicles.SetStatus(ctx, id, []VehicleStatus{VehicleAvailable, VehicleOffline}, status, s.now())
	if err != nil {
		return nil, fmt.Errorf("ambulance %s is on a trip: %w", id, err)
	}
	v.LastLocation = s.lastLocation(ctx, v)
	return v, nil
}

func (s *Service) ListVehicles(ctx context.Context) ([]*Vehicle, error) {
	vehicles, err := s.vehicles.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mergeLocations(ctx, vehicles)
	return vehicles, nil
}

// ListAvailableVehicles is the candidate list for dispatch.
func (s *Service) ListAvailableVehicles(ctx context.Context) ([]*Vehicle, error) {
	vehicles, err := s.vehicles.ListByStatus(ctx, VehicleAvailable)
	if err != nil {
		return nil, err
	}
	s.mergeLocations(ctx, vehicles)
	return vehicles, nil
}

// RecordLocation ingests one position report. Samples older than the
// stored one are dropped at every layer and reported as not applied.
func (s *Service) RecordLocation(ctx context.Context, sample LocationSample) (bool, error) {
	if sample.AmbulanceID == "" {
		return false, invalid("ambulance_id", "is required")
	}
	if !sample.Coordinates().Valid() {
		return false, invalid("latitude/longitude", "out of range")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	sample.Timestamp = sample.Timestamp.UTC()

	if _, err := s.vehicles.GetByID(ctx, sample.AmbulanceID); err != nil {
		return false, err
	}

	fresh, err := s.locations.Offer(ctx, sample)
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", sample.AmbulanceID).Msg("location cache unavailable")
		fresh = true
	}
	if !fresh {
		return false, nil
	}
	applied, err := s.vehicles.RecordLocation(ctx, sample)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	s.emit(ctx, AmbulanceLocationUpdate{LocationSample: sample}, TopicFleet)

	trip, err := s.trips.FindActiveByAmbulance(ctx, sample.AmbulanceID)
	if err == nil {
		s.refreshETA(ctx, trip, sample)
	} else if !errors.Is(err, ErrNotFound) {
		s.logger.Warn().Err(err).Str("ambulance_id", sample.AmbulanceID).Msg("active trip lookup failed")
	}
	return true, nil
}

// ListVehicleLocations returns the latest sample per vehicle.
func (s *Service) ListVehicleLocations(ctx context.Context) ([]LocationSample, error) {
	vehicles, err := s.vehicles.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mergeLocations(ctx, vehicles)
	out := make([]LocationSample, 0, len(vehicles))
	for _, v := range vehicles {
		if v.LastLocation != nil {
			out = append(out, *v.LastLocation)
		}
	}
	sortSamples(out)
	return out, nil
}

// Snapshot returns the full state a dashboard resets from.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	taken := s.now()
	alerts, err := s.ListNewAlerts(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.ListActiveTrips(ctx)
	if err != nil {
		return nil, err
	}
	vehicles, err := s.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{NewAlerts: alerts, ActiveTrips: active, Ambulances: vehicles, TakenAt: taken}, nil
}

// -- Routing --

// Route returns the drive route between two points, or nil when routing is
// not configured or fails.
func (s *Service) Route(ctx context.Context, from, to Coordinates) *routing.Route {
	if s.router == nil {
		return nil
	}
	r, err := s.router.Route(ctx, from.Point(), to.Point())
	if err != nil {
		s.logger.Warn().Err(err).Msg("route lookup failed")
		return nil
	}
	return r
}

// Destination is where a trip's vehicle is heading: the scene until it
// arrives there, the hospital afterwards.
func (s *Service) Destination(t *Trip) *Coordinates {
	switch t.Status {
	case TripAssigned, TripEnRouteToScene:
		scene := t.Scene()
		return &scene
	case TripAtScene, TripTransporting:
		return s.hospital
	}
	return nil
}

// refreshETA recomputes a trip's ETA from a vehicle position. Failures are
// logged and ignored.
func (s *Service) refreshETA(ctx context.Context, t *Trip, from LocationSample) *Trip {
	if s.router == nil {
		return nil
	}
	dest := s.Destination(t)
	if dest == nil {
		return nil
	}
	r, err := s.router.Route(ctx, from.Coordinates().Point(), dest.Point())
	if err != nil {
		s.logger.Warn().Err(err).Str("trip_id", t.ID).Msg("eta refresh failed")
		return nil
	}
	minutes := int(math.Ceil(r.Duration.Minutes()))
	if t.ETAMinutes != nil && *t.ETAMinutes == minutes {
		return nil
	}
	updated, err := s.SetETA(ctx, t.ID, minutes)
	if err != nil {
		s.logger.Warn().Err(err).Str("trip_id", t.ID).Msg("eta update failed")
		return nil
	}
	return updated
}

// -- helpers --

func (s *Service) latestSample(ctx context.Context, ambulanceID string) (*LocationSample, error) {
	sample, err := s.locations.Latest(ctx, ambulanceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", ambulanceID).Msg("location cache unavailable")
	}
	if sample != nil {
		return sample, nil
	}
	v, err := s.vehicles.GetByID(ctx, ambulanceID)
	if err != nil {
		return nil, err
	}
	return v.LastLocation, nil
}

// lastLocation picks the newer of the cached and the stored sample.
func (s *Service) lastLocation(ctx context.Context, v *Vehicle) *LocationSample {
	cached, err := s.locations.Latest(ctx, v.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("ambulance_id", v.ID).Msg("location cache unavailable")
	}
	return newer(cached, v.LastLocation)
}

func (s *Service) mergeLocations(ctx context.Context, vehicles []*Vehicle) {
	all, err := s.locations.All(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("location cache unavailable")
		return
	}
	byID := make(map[string]*LocationSample, len(all))
	for i := range all {
		byID[all[i].AmbulanceID] = &all[i]
	}
	for _, v := range vehicles {
		v.LastLocation = newer(byID[v.ID], v.LastLocation)
	}
}

func newer(a, b *LocationSample) *LocationSample {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Timestamp.Before(b.Timestamp):
		return b
	}
	return a
}

func (s *Service) emit(ctx context.Context, ev Event, topics ...string) {
	env, err := Encode(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("encode event")
		return
	}
	for _, topic := range topics {
		if err := s.pub.Publish(ctx, topic, env); err != nil {
			s.logger.Warn().Err(err).Str("type", env.Type).Str("topic", topic).Msg("publish event")
		}
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
