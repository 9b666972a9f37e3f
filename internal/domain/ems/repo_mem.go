package ems

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps trips and vehicles in process memory. It implements
// TripRepository, VehicleRepository and Transactor for development and
// tests. Writers are serialized; a failed transaction undoes its writes.
type MemoryStore struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	trips    map[string]*Trip
	vehicles map[string]*Vehicle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*Trip),
		vehicles: make(map[string]*Vehicle),
	}
}

type memTxKey struct{}

type memTx struct {
	store *MemoryStore
	undo  []func()
}

func (m *MemoryStore) txFrom(ctx context.Context) *memTx {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == m {
		return tx
	}
	return nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.txFrom(ctx) != nil {
		return fn(ctx)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memTx{store: m}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.rollback(tx)
		return err
	}
	return nil
}

// write runs fn with the data lock held, inside the caller's transaction
// when there is one.
func (m *MemoryStore) write(ctx context.Context, fn func(tx *memTx) error) error {
	tx := m.txFrom(ctx)
	if tx == nil {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		tx = &memTx{store: m}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(tx)
}

func (m *MemoryStore) rollback(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

func (tx *memTx) saveTrip(id string) {
	m := tx.store
	prev, existed := m.trips[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			m.trips[id] = prev
		} else {
			delete(m.trips, id)
		}
	})
}

func (tx *memTx) saveVehicle(id string) {
	m := tx.store
	prev, existed := m.vehicles[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			m.vehicles[id] = prev
		} else {
			delete(m.vehicles, id)
		}
	})
}

// =========== Trips ===========

func (m *MemoryStore) Create(ctx context.Context, t *Trip) error {
	return m.write(ctx, func(tx *memTx) error {
		if _, ok := m.trips[t.ID]; ok {
			return fmt.Errorf("%w: trip %s exists", ErrConflict, t.ID)
		}
		tx.saveTrip(t.ID)
		m.trips[t.ID] = t.Clone()
		return nil
	})
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses ...TripStatus) ([]*Trip, error) {
	want := make(map[TripStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	m.mu.RLock()
	var out []*Trip
	for _, t := range m.trips {
		if _, ok := want[t.Status]; ok {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	SortByCreated(out)
	return out, nil
}

func (m *MemoryStore) FindActiveByAmbulance(ctx context.Context, ambulanceID string) (*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.Status.IsActive() && t.AssignedAmbulanceID != nil && *t.AssignedAmbulanceID == ambulanceID {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to TripStatus, ambulanceID *string, at time.Time) (*Trip, error) {
	var out *Trip
	err := m.write(ctx, func(tx *memTx) error {
		cur, ok := m.trips[id]
		if !ok || cur.Status != from {
			return ErrConflict
		}
		if ambulanceID != nil && cur.AssignedAmbulanceID != nil {
			return ErrConflict
		}
		next := cur.Clone()
		next.Status = to
		if ambulanceID != nil {
			next.AssignedAmbulanceID = cloneString(ambulanceID)
		}
		next.UpdatedAt = at
		tx.saveTrip(id)
		m.trips[id] = next
		out = next.Clone()
		return nil
	})
	return out, err
}

func (m *MemoryStore) SetETA(ctx context.Context, id string, minutes int, at time.Time) (*Trip, error) {
	return m.updateTrip(ctx, id, func(t *Trip) bool { return !t.Status.IsTerminal() }, func(t *Trip) {
		t.ETAMinutes = &minutes
		t.UpdatedAt = at
	})
}

func (m *MemoryStore) SetVitals(ctx context.Context, id string, v Vitals, at time.Time) (*Trip, error) {
	return m.updateTrip(ctx, id, func(t *Trip) bool { return t.Status.IsActive() }, func(t *Trip) {
		t.Vitals = &v
		t.UpdatedAt = at
	})
}

func (m *MemoryStore) updateTrip(ctx context.Context, id string, guard func(*Trip) bool, apply func(*Trip)) (*Trip, error) {
	var out *Trip
	err := m.write(ctx, func(tx *memTx) error {
		cur, ok := m.trips[id]
		if !ok || !guard(cur) {
			return ErrConflict
		}
		next := cur.Clone()
		apply(next)
		tx.saveTrip(id)
		m.trips[id] = next.Clone()
		out = next
		return nil
	})
	return out, err
}

// =========== Vehicles ===========

// Vehicles exposes the store as a VehicleRepository. Trip and vehicle
// method sets overlap on names, so the store hands out a view per side.
func (m *MemoryStore) Vehicles() VehicleRepository { return memVehicles{m} }

type memVehicles struct{ m *MemoryStore }

func (r memVehicles) Create(ctx context.Context, v *Vehicle) error {
	m := r.m
	return m.write(ctx, func(tx *memTx) error {
		if _, ok := m.vehicles[v.ID]; ok {
			return fmt.Errorf("%w: ambulance %s exists", ErrConflict, v.ID)
		}
		for _, other := range m.vehicles {
			if other.LicensePlate == v.LicensePlate {
				return fmt.Errorf("%w: license plate %s in use", ErrConflict, v.LicensePlate)
			}
		}
		tx.saveVehicle(v.ID)
		m.vehicles[v.ID] = v.Clone()
		return nil
	})
}

func (r memVehicles) GetByID(ctx context.Context, id string) (*Vehicle, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	v, ok := r.m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (r memVehicles) List(ctx context.Context) ([]*Vehicle, error) {
	return r.filter(func(*Vehicle) bool { return true }), nil
}

func (r memVehicles) ListByStatus(ctx context.Context, status VehicleStatus) ([]*Vehicle, error) {
	return r.filter(func(v *Vehicle) bool { return v.Status == status }), nil
}

func (r memVehicles) filter(keep func(*Vehicle) bool) []*Vehicle {
	r.m.mu.RLock()
	var out []*Vehicle
	for _, v := range r.m.vehicles {
		if keep(v) {
			out = append(out, v.Clone())
		}
	}
	r.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r memVehicles) SetStatus(ctx context.Context, id string, from []VehicleStatus, to VehicleStatus, at time.Time) (*Vehicle, error) {
	m := r.m
	var out *Vehicle
	err := m.write(ctx, func(tx *memTx) error {
		cur, ok := m.vehicles[id]
		if !ok {
			return ErrConflict
		}
		allowed := false
		for _, s := range from {
			if cur.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrConflict
		}
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = at
		tx.saveVehicle(id)
		m.vehicles[id] = next
		out = next.Clone()
		return nil
	})
	return out, err
}

func (r memVehicles) RecordLocation(ctx context.Context, s LocationSample) (bool, error) {
	m := r.m
	applied := false
	err := m.write(ctx, func(tx *memTx) error {
		cur, ok := m.vehicles[s.AmbulanceID]
		if !ok {
			return nil
		}
		if cur.LastLocation != nil && s.Timestamp.Before(cur.LastLocation.Timestamp) {
			return nil
		}
		next := cur.Clone()
		sample := s
		next.LastLocation = &sample
		tx.saveVehicle(s.AmbulanceID)
		m.vehicles[s.AmbulanceID] = next
		applied = true
		return nil
	})
	return applied, err
}
