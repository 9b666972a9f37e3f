// Package dashboard is the client side of live trip tracking. A Board
// mirrors dispatch state from push events, a Stream keeps it connected and
// resynchronized, and a Console runs operator actions against the REST API.
package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/hms/ems/internal/domain/ems"
)

// tombstoneTTL bounds how long removed trips are remembered. It only has to
// outlive any snapshot or event that was in flight when the trip closed.
const tombstoneTTL = 10 * time.Minute

type vehicleEntry struct {
	vehicle   ems.Vehicle
	location  *ems.LocationSample
	updatedAt time.Time
}

// Destination is where a vehicle is currently headed.
type Destination struct {
	TripID string
	ems.Coordinates
}

// VehicleView is a vehicle together with its latest known position.
type VehicleView struct {
	ems.Vehicle
	Location      *ems.LocationSample
	LastUpdatedAt time.Time
}

// Board is the dashboard's in-memory view of dispatch state. All mutation
// is serialized through one mutex; readers get copies.
type Board struct {
	mu     sync.Mutex
	closed bool

	alerts map[string]*ems.Trip
	active map[string]*ems.Trip
	// Trips being completed by this operator, hidden until confirmed.
	pending map[string]*ems.Trip

	vehicles []vehicleEntry
	index    map[string]int

	// vehicle ID -> trip ID
	pairing map[string]string
	// trip ID -> time removed
	tombstones map[string]time.Time

	hospital *ems.Coordinates
	changes  chan struct{}
	now      func() time.Time
}

func NewBoard() *Board {
	return &Board{
		alerts:     make(map[string]*ems.Trip),
		active:     make(map[string]*ems.Trip),
		pending:    make(map[string]*ems.Trip),
		index:      make(map[string]int),
		pairing:    make(map[string]string),
		tombstones: make(map[string]time.Time),
		changes:    make(chan struct{}, 1),
		now:        time.Now,
	}
}

// SetHospital makes transporting vehicles point at the receiving hospital
// instead of the scene.
func (b *Board) SetHospital(c ems.Coordinates) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hospital = &c
}

// Changes signals after every applied mutation. Signals coalesce; the
// channel is closed by Close.
func (b *Board) Changes() <-chan struct{} {
	return b.changes
}

// Close stops the board from acting on further events.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changes)
}

// Apply dispatches a decoded event to the board.
func (b *Board) Apply(ev ems.Event) {
	ev.Dispatch(b)
}

// update runs fn under the lock and signals a change when fn reports one.
func (b *Board) update(fn func() bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if !fn() {
		return false
	}
	select {
	case b.changes <- struct{}{}:
	default:
	}
	return true
}

// -- Event handling --

func (b *Board) OnNewAlert(e ems.NewAlert) {
	b.update(func() bool {
		t := e.Trip
		if b.tombstoned(t.ID) || b.displayedActive(t.ID) != nil {
			return false
		}
		if cur, ok := b.alerts[t.ID]; ok && t.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
		b.alerts[t.ID] = t.Clone()
		return true
	})
}

func (b *Board) OnTripAssigned(e ems.TripAssignedEvent) {
	b.update(func() bool {
		t := e.Trip
		if b.tombstoned(t.ID) {
			return false
		}
		if cur := b.displayedActive(t.ID); cur != nil && t.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
		delete(b.alerts, t.ID)
		b.upsertActive(t.Clone())

		if b.setVehicle(e.Ambulance) {
			b.pairing[e.Ambulance.ID] = t.ID
		}
		loc := e.LastLocation
		if loc == nil {
			loc = e.Ambulance.LastLocation
		}
		if loc != nil {
			b.offerLocation(*loc)
		}
		return true
	})
}

func (b *Board) OnTripETAUpdate(e ems.TripETAUpdate) {
	b.update(func() bool {
		t := b.displayedActive(e.TripID)
		if t == nil {
			return false
		}
		eta := e.ETAMinutes
		t.ETAMinutes = &eta
		return true
	})
}

func (b *Board) OnAmbulanceLocationUpdate(e ems.AmbulanceLocationUpdate) {
	b.update(func() bool {
		return b.offerLocation(e.LocationSample)
	})
}

// OnTripStatusUpdate moves a trip between lists. A terminal status removes
// the trip and frees its vehicle when the board still pairs the two.
func (b *Board) OnTripStatusUpdate(e ems.TripStatusUpdate) {
	b.update(func() bool {
		t := e.Trip
		if b.tombstoned(t.ID) {
			return false
		}
		cur := b.displayedActive(t.ID)
		if cur == nil {
			cur = b.alerts[t.ID]
		}
		if cur != nil && t.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}

		if t.Status.IsTerminal() {
			if t.AssignedAmbulanceID != nil {
				b.releaseVehicle(*t.AssignedAmbulanceID, t.ID, t.UpdatedAt)
			}
			b.remove(t.ID)
			return true
		}
		if t.Status == ems.TripNew {
			b.alerts[t.ID] = t.Clone()
			return true
		}

		delete(b.alerts, t.ID)
		b.upsertActive(t.Clone())
		if t.AssignedAmbulanceID != nil {
			b.pairing[*t.AssignedAmbulanceID] = t.ID
		}
		if e.LastLocation != nil {
			b.offerLocation(*e.LastLocation)
		}
		return true
	})
}

// OnTripCompleted releases the vehicle exactly once. A completion for a trip
// that is not displayed only tombstones it, so a late assignment for the
// same trip cannot bring it back.
func (b *Board) OnTripCompleted(e ems.TripCompletedEvent) {
	b.update(func() bool {
		_, alert := b.alerts[e.TripID]
		if b.displayedActive(e.TripID) == nil && !alert {
			b.tombstones[e.TripID] = b.now()
			return false
		}
		if e.Ambulance != nil {
			if tid, ok := b.pairing[e.Ambulance.ID]; !ok || tid == e.TripID {
				b.setVehicle(*e.Ambulance)
			}
		}
		b.remove(e.TripID)
		return true
	})
}

func (b *Board) OnNewVitals(e ems.NewVitals) {
	b.update(func() bool {
		t := b.displayedActive(e.TripID)
		if t == nil {
			return false
		}
		v := e.Vitals()
		t.Vitals = &v
		return true
	})
}

// -- Optimistic completion --

// BeginComplete hides a displayed trip while its completion request is in
// flight. It reports false when the trip is not on the active list.
func (b *Board) BeginComplete(tripID string) bool {
	return b.update(func() bool {
		t, ok := b.active[tripID]
		if !ok {
			return false
		}
		delete(b.active, tripID)
		b.pending[tripID] = t
		return true
	})
}

// RollbackComplete restores a trip hidden by BeginComplete after the
// request failed. A trip already confirmed stays removed.
func (b *Board) RollbackComplete(tripID string) bool {
	return b.update(func() bool {
		t, ok := b.pending[tripID]
		if !ok {
			return false
		}
		delete(b.pending, tripID)
		b.active[tripID] = t
		return true
	})
}

// -- Resync --

// Reset replaces board state with a server snapshot. Trips removed locally
// since the snapshot was taken stay removed, and vehicle state newer than
// the snapshot is kept. Pending completions whose trip is gone from the
// snapshot are confirmed.
func (b *Board) Reset(s *ems.Snapshot) {
	b.update(func() bool {
		b.pruneTombstones()

		alerts := make(map[string]*ems.Trip, len(s.NewAlerts))
		for _, t := range s.NewAlerts {
			if !b.tombstoned(t.ID) {
				alerts[t.ID] = t.Clone()
			}
		}

		active := make(map[string]*ems.Trip, len(s.ActiveTrips))
		pending := make(map[string]*ems.Trip)
		pairing := make(map[string]string)
		for _, t := range s.ActiveTrips {
			if b.tombstoned(t.ID) {
				continue
			}
			if _, ok := b.pending[t.ID]; ok {
				pending[t.ID] = t.Clone()
			} else {
				active[t.ID] = t.Clone()
			}
			if t.AssignedAmbulanceID != nil {
				pairing[*t.AssignedAmbulanceID] = t.ID
			}
		}
		for id := range b.pending {
			if _, ok := pending[id]; !ok {
				b.tombstones[id] = b.now()
			}
		}

		oldVehicles, oldIndex := b.vehicles, b.index
		b.vehicles = make([]vehicleEntry, 0, len(s.Ambulances))
		b.index = make(map[string]int, len(s.Ambulances))
		for _, v := range s.Ambulances {
			if i, ok := oldIndex[v.ID]; ok && oldVehicles[i].vehicle.UpdatedAt.After(v.UpdatedAt) {
				b.index[v.ID] = len(b.vehicles)
				b.vehicles = append(b.vehicles, oldVehicles[i])
			} else {
				b.setVehicle(*v)
			}
			if v.LastLocation != nil {
				b.offerLocation(*v.LastLocation)
			}
			if i, ok := oldIndex[v.ID]; ok && oldVehicles[i].location != nil {
				b.offerLocation(*oldVehicles[i].location)
			}
		}

		b.alerts, b.active, b.pending, b.pairing = alerts, active, pending, pairing
		return true
	})
}

// -- Queries --

// ActiveTrips lists displayed trips by ascending ETA, trips without an ETA
// last.
func (b *Board) ActiveTrips() []*ems.Trip {
	b.mu.Lock()
	out := make([]*ems.Trip, 0, len(b.active))
	for _, t := range b.active {
		out = append(out, t.Clone())
	}
	b.mu.Unlock()
	ems.SortByETA(out)
	return out
}

// NewAlerts lists unassigned alerts, oldest first.
func (b *Board) NewAlerts() []*ems.Trip {
	b.mu.Lock()
	out := make([]*ems.Trip, 0, len(b.alerts))
	for _, t := range b.alerts {
		out = append(out, t.Clone())
	}
	b.mu.Unlock()
	ems.SortByCreated(out)
	return out
}

// AvailableVehicles lists dispatch candidates ordered by name.
func (b *Board) AvailableVehicles() []*ems.Vehicle {
	b.mu.Lock()
	var out []*ems.Vehicle
	for _, e := range b.vehicles {
		if e.vehicle.ID != "" && e.vehicle.Status == ems.VehicleAvailable {
			v := e.vehicle.Clone()
			v.LastLocation = copySample(e.location)
			out = append(out, v)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Vehicle returns the stored vehicle and its latest position.
func (b *Board) Vehicle(id string) (VehicleView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return VehicleView{}, false
	}
	e := b.vehicles[i]
	return VehicleView{
		Vehicle:       *e.vehicle.Clone(),
		Location:      copySample(e.location),
		LastUpdatedAt: e.updatedAt,
	}, true
}

// Location returns the latest sample for a vehicle.
func (b *Board) Location(id string) (ems.LocationSample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok || b.vehicles[i].location == nil {
		return ems.LocationSample{}, false
	}
	return *b.vehicles[i].location, true
}

// Destination reports where a vehicle is headed: the scene of its trip, or
// the hospital once the patient is on board and a hospital is known.
func (b *Board) Destination(vehicleID string) (Destination, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tripID, ok := b.pairing[vehicleID]
	if !ok {
		return Destination{}, false
	}
	t := b.displayedActive(tripID)
	if t == nil {
		return Destination{}, false
	}
	if b.hospital != nil && (t.Status == ems.TripTransporting || t.Status == ems.TripAtHospital) {
		return Destination{TripID: tripID, Coordinates: *b.hospital}, true
	}
	return Destination{TripID: tripID, Coordinates: t.Scene()}, true
}

// Pending reports whether a completion for the trip is in flight.
func (b *Board) Pending(tripID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[tripID]
	return ok
}

// -- helpers, b.mu held --

// displayedActive returns the stored active trip, including one hidden by a
// pending completion.
func (b *Board) displayedActive(id string) *ems.Trip {
	if t, ok := b.active[id]; ok {
		return t
	}
	return b.pending[id]
}

func (b *Board) upsertActive(t *ems.Trip) {
	if _, ok := b.pending[t.ID]; ok {
		b.pending[t.ID] = t
		return
	}
	b.active[t.ID] = t
}

func (b *Board) remove(tripID string) {
	delete(b.alerts, tripID)
	delete(b.active, tripID)
	delete(b.pending, tripID)
	for vid, tid := range b.pairing {
		if tid == tripID {
			delete(b.pairing, vid)
		}
	}
	b.tombstones[tripID] = b.now()
}

func (b *Board) tombstoned(tripID string) bool {
	_, ok := b.tombstones[tripID]
	return ok
}

func (b *Board) pruneTombstones() {
	cutoff := b.now().Add(-tombstoneTTL)
	for id, at := range b.tombstones {
		if at.Before(cutoff) {
			delete(b.tombstones, id)
		}
	}
}

func (b *Board) entry(id string) *vehicleEntry {
	i, ok := b.index[id]
	if !ok {
		b.index[id] = len(b.vehicles)
		b.vehicles = append(b.vehicles, vehicleEntry{vehicle: ems.Vehicle{ID: id}})
		i = len(b.vehicles) - 1
	}
	return &b.vehicles[i]
}

// setVehicle stores vehicle fields unless the stored copy is newer. The
// location goes through offerLocation so an older embedded sample never
// replaces a newer one.
func (b *Board) setVehicle(v ems.Vehicle) bool {
	e := b.entry(v.ID)
	loc := v.LastLocation
	applied := !e.vehicle.UpdatedAt.After(v.UpdatedAt)
	if applied {
		v.LastLocation = nil
		e.vehicle = *v.Clone()
		e.updatedAt = b.now()
	}
	if loc != nil {
		b.offerLocation(*loc)
	}
	return applied
}

// releaseVehicle frees a vehicle when tripID is the trip it is paired with.
func (b *Board) releaseVehicle(id, tripID string, at time.Time) {
	if b.pairing[id] != tripID {
		return
	}
	e := b.entry(id)
	if e.vehicle.Status != ems.VehicleOnTrip || e.vehicle.UpdatedAt.After(at) {
		return
	}
	e.vehicle.Status = ems.VehicleAvailable
	if at.After(e.vehicle.UpdatedAt) {
		e.vehicle.UpdatedAt = at
	}
	e.updatedAt = b.now()
	delete(b.pairing, id)
}

// offerLocation applies a sample unless an equal-or-newer one is stored.
// Equal timestamps are applied so a replayed sample is idempotent.
func (b *Board) offerLocation(s ems.LocationSample) bool {
	if s.AmbulanceID == "" {
		return false
	}
	e := b.entry(s.AmbulanceID)
	if e.location != nil && s.Timestamp.Before(e.location.Timestamp) {
		return false
	}
	sample := s
	e.location = &sample
	e.updatedAt = b.now()
	return true
}

func copySample(s *ems.LocationSample) *ems.LocationSample {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
