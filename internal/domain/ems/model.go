package ems

import (
	"sort"
	"time"

	"github.com/hms/ems/internal/platform/routing"
)

// TripStatus is the lifecycle state of an emergency trip.
type TripStatus string

const (
	TripNew            TripStatus = "New"
	TripAssigned       TripStatus = "Assigned"
	TripEnRouteToScene TripStatus = "En_Route_To_Scene"
	TripAtScene        TripStatus = "At_Scene"
	TripTransporting   TripStatus = "Transporting"
	TripAtHospital     TripStatus = "At_Hospital"
	TripCompleted      TripStatus = "Completed"
	TripCancelled      TripStatus = "Cancelled"
)

// VehicleStatus is the dispatch availability of an ambulance.
type VehicleStatus string

const (
	VehicleAvailable VehicleStatus = "Available"
	VehicleOnTrip    VehicleStatus = "On_Trip"
	VehicleOffline   VehicleStatus = "Offline"
)

const (
	SourceManual    = "manual"
	SourceAutomatic = "automatic"
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within WGS84 latitude and longitude bounds.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Point converts c for the routing client.
func (c Coordinates) Point() routing.Point {
	return routing.Point{Lat: c.Latitude, Lon: c.Longitude}
}

// LocationSample is one position report for an ambulance. Only the latest
// sample per ambulance is kept in working memory.
type LocationSample struct {
	AmbulanceID string    `json:"ambulance_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s LocationSample) Coordinates() Coordinates {
	return Coordinates{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Vitals is the latest snapshot attached to a trip by a remote paramedic.
type Vitals struct {
	HeartRate              *int      `json:"heart_rate,omitempty"`
	BloodPressureSystolic  *int      `json:"blood_pressure_systolic,omitempty"`
	BloodPressureDiastolic *int      `json:"blood_pressure_diastolic,omitempty"`
	Notes                  string    `json:"notes"`
	RecordedAt             time.Time `json:"recorded_at"`
}

// Trip is one emergency-response episode. A trip in status New is an alert.
type Trip struct {
	ID                  string     `json:"id"`
	Status              TripStatus `json:"status"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	PatientID           *string    `json:"patient_id"`
	PatientName         *string    `json:"patient_name,omitempty"`
	AssignedAmbulanceID *string    `json:"assigned_ambulance_id"`
	ETAMinutes          *int       `json:"eta_minutes"`
	Vitals              *Vitals    `json:"vitals"`
	Notes               string     `json:"notes"`
	Source              string     `json:"source"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (t *Trip) Scene() Coordinates {
	return Coordinates{Latitude: t.Latitude, Longitude: t.Longitude}
}

// Clone returns a deep copy so callers never share pointer fields.
func (t *Trip) Clone() *Trip {
	c := *t
	c.PatientID = cloneString(t.PatientID)
	c.PatientName = cloneString(t.PatientName)
	c.AssignedAmbulanceID = cloneString(t.AssignedAmbulanceID)
	c.ETAMinutes = cloneInt(t.ETAMinutes)
	if t.Vitals != nil {
		v := *t.Vitals
		v.HeartRate = cloneInt(t.Vitals.HeartRate)
		v.BloodPressureSystolic = cloneInt(t.Vitals.BloodPressureSystolic)
		v.BloodPressureDiastolic = cloneInt(t.Vitals.BloodPressureDiastolic)
		c.Vitals = &v
	}
	return &c
}

// Vehicle is a dispatchable ambulance.
type Vehicle struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	LicensePlate string          `json:"license_plate"`
	Status       VehicleStatus   `json:"status"`
	CrewID       *string         `json:"crew_id,omitempty"`
	LastLocation *LocationSample `json:"last_location,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of v.
func (v *Vehicle) Clone() *Vehicle {
	c := *v
	c.CrewID = cloneString(v.CrewID)
	if v.LastLocation != nil {
		l := *v.LastLocation
		c.LastLocation = &l
	}
	return &c
}

// AlertInput is the intake form for a new alert. Latitude and longitude are
// mandatory, everything else is optional.
type AlertInput struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	PatientID   *string  `json:"patient_id,omitempty"`
	PatientName *string  `json:"patient_name,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Source      string   `json:"-"`
}

// Snapshot is the full dispatch state a dashboard resets from after
// (re)connecting to the push channel.
type Snapshot struct {
	NewAlerts   []*Trip    `json:"new_alerts"`
	ActiveTrips []*Trip    `json:"active_trips"`
	Ambulances  []*Vehicle `json:"ambulances"`
	TakenAt     time.Time  `json:"taken_at"`
}

// SortByETA orders trips by ascending ETA with trips lacking an ETA last.
// Ties keep creation order, then ID, so the order is stable across re-sorts.
func SortByETA(trips []*Trip) {
	sort.SliceStable(trips, func(i, j int) bool {
		a, b := trips[i], trips[j]
		switch {
		case a.ETAMinutes == nil && b.ETAMinutes == nil:
		case a.ETAMinutes == nil:
			return false
		case b.ETAMinutes == nil:
			return true
		case *a.ETAMinutes != *b.ETAMinutes:
			return *a.ETAMinutes < *b.ETAMinutes
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortByCreated orders trips oldest first.
func SortByCreated(trips []*Trip) {
	sort.SliceStable(trips, func(i, j int) bool {
		if !trips[i].CreatedAt.Equal(trips[j].CreatedAt) {
			return trips[i].CreatedAt.Before(trips[j].CreatedAt)
		}
		return trips[i].ID < trips[j].ID
	})
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
