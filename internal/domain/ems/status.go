package ems

// progress ranks the non-terminal trip states.
var progress = map[TripStatus]int{
	TripNew:            0,
	TripAssigned:       1,
	TripEnRouteToScene: 2,
	TripAtScene:        3,
	TripTransporting:   4,
	TripAtHospital:     5,
}

// ActiveStatuses are the states in which a trip holds a vehicle.
var ActiveStatuses = []TripStatus{
	TripAssigned, TripEnRouteToScene, TripAtScene, TripTransporting, TripAtHospital,
}

func (s TripStatus) Valid() bool {
	_, ok := progress[s]
	return ok || s.IsTerminal()
}

// IsTerminal reports whether the trip is closed.
func (s TripStatus) IsTerminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// IsActive reports whether the trip has a vehicle and is still running.
func (s TripStatus) IsActive() bool {
	rank, ok := progress[s]
	return ok && rank >= progress[TripAssigned]
}

// CanAdvance reports whether an upstream status report may move a trip from
// one state to another. Only forward moves between active states are allowed;
// intermediate states may be skipped. New -> Assigned goes through dispatch.
func CanAdvance(from, to TripStatus) bool {
	if !from.IsActive() || !to.IsActive() {
		return false
	}
	return progress[to] > progress[from]
}

// CanComplete reports whether a trip may be completed. A New trip may be
// completed too; it simply has no vehicle to release.
func CanComplete(from TripStatus) bool {
	_, ok := progress[from]
	return ok
}

// CanCancel reports whether a trip may be cancelled. Any open trip may be.
func CanCancel(from TripStatus) bool {
	return CanComplete(from)
}

func (s VehicleStatus) Valid() bool {
	switch s {
	case VehicleAvailable, VehicleOnTrip, VehicleOffline:
		return true
	}
	return false
}
