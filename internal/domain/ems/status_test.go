package ems

import (
	"testing"
	"time"
)

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to TripStatus
		want     bool
	}{
		{TripAssigned, TripEnRouteToScene, true},
		{TripAssigned, TripAtHospital, true},
		{TripAtScene, TripTransporting, true},
		{TripTransporting, TripAtScene, false},
		{TripAtScene, TripAtScene, false},
		{TripNew, TripAssigned, false},
		{TripNew, TripEnRouteToScene, false},
		{TripAtHospital, TripCompleted, false},
		{TripCompleted, TripAtScene, false},
		{TripCancelled, TripAssigned, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.from, tt.to); got != tt.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanComplete(t *testing.T) {
	for _, s := range []TripStatus{TripNew, TripAssigned, TripAtHospital} {
		if !CanComplete(s) || !CanCancel(s) {
			t.Errorf("expected %s to be closable", s)
		}
	}
	for _, s := range []TripStatus{TripCompleted, TripCancelled} {
		if CanComplete(s) || CanCancel(s) {
			t.Errorf("expected %s to be final", s)
		}
	}
}

func TestTripStatus_Predicates(t *testing.T) {
	if TripStatus("Parked").Valid() {
		t.Error("unknown status must be invalid")
	}
	if !TripCancelled.Valid() || !TripNew.Valid() {
		t.Error("known statuses must be valid")
	}
	if TripNew.IsActive() {
		t.Error("New trips hold no vehicle")
	}
	for _, s := range ActiveStatuses {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s must be active and non-terminal", s)
		}
	}
	if VehicleStatus("Parked").Valid() || !VehicleOnTrip.Valid() {
		t.Error("vehicle status validation is wrong")
	}
}

func etaTrip(id string, eta *int, created time.Time) *Trip {
	return &Trip{ID: id, ETAMinutes: eta, CreatedAt: created}
}

func TestSortByETA(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trips := []*Trip{
		etaTrip("a", intPtr(2), base),
		etaTrip("b", nil, base),
		etaTrip("c", intPtr(7), base),
	}
	trips = append(trips, etaTrip("d", intPtr(4), base.Add(time.Second)))

	SortByETA(trips)

	want := []string{"a", "d", "c", "b"}
	for i, tr := range trips {
		if tr.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], tr.ID)
		}
	}
}

func TestSortByETA_TiesAreStable(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trips := []*Trip{
		etaTrip("z", intPtr(5), base.Add(time.Minute)),
		etaTrip("y", intPtr(5), base),
		etaTrip("n2", nil, base.Add(time.Minute)),
		etaTrip("n1", nil, base),
		etaTrip("x", intPtr(5), base),
	}

	SortByETA(trips)

	want := []string{"x", "y", "z", "n1", "n2"}
	for i, tr := range trips {
		if tr.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], tr.ID)
		}
	}
}

func TestTrip_CloneIsDeep(t *testing.T) {
	orig := &Trip{ID: "t", ETAMinutes: intPtr(3), Vitals: &Vitals{HeartRate: intPtr(80)}}
	c := orig.Clone()
	*c.ETAMinutes = 9
	*c.Vitals.HeartRate = 120
	if *orig.ETAMinutes != 3 || *orig.Vitals.HeartRate != 80 {
		t.Error("clone shares pointer fields with the original")
	}
}
