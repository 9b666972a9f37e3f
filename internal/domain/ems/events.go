package ems

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hms/ems/internal/platform/websocket"
)

// EventType is the "type" field of a pushed envelope.
type EventType string

const (
	EventNewAlert                EventType = "NEW_ALERT"
	EventTripAssigned            EventType = "TRIP_ASSIGNED"
	EventTripETAUpdate           EventType = "TRIP_ETA_UPDATE"
	EventAmbulanceLocationUpdate EventType = "AMBULANCE_LOCATION_UPDATE"
	EventTripStatusUpdate        EventType = "TRIP_STATUS_UPDATE"
	EventTripCompleted           EventType = "TRIP_COMPLETED"
	EventNewVitals               EventType = "NEW_VITALS"
)

// Push topics. Fleet dashboards receive every event, ER boards everything
// except raw location samples.
const (
	TopicFleet = "fleet"
	TopicER    = "er"
)

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Event is one pushed message. The set of implementations is closed: each
// calls exactly one EventHandler method, so adding an event means extending
// EventHandler and every consumer with it.
type Event interface {
	Type() EventType
	Dispatch(h EventHandler)
}

// EventHandler consumes decoded events.
type EventHandler interface {
	OnNewAlert(NewAlert)
	OnTripAssigned(TripAssignedEvent)
	OnTripETAUpdate(TripETAUpdate)
	OnAmbulanceLocationUpdate(AmbulanceLocationUpdate)
	OnTripStatusUpdate(TripStatusUpdate)
	OnTripCompleted(TripCompletedEvent)
	OnNewVitals(NewVitals)
}

// NewAlert announces a trip in status New. Its payload is the trip itself.
type NewAlert struct {
	Trip Trip
}

// TripAssignedEvent pairs a trip with the ambulance now serving it and the
// ambulance's last known position.
type TripAssignedEvent struct {
	Trip         Trip            `json:"trip"`
	Ambulance    Vehicle         `json:"ambulance"`
	LastLocation *LocationSample `json:"lastLocation,omitempty"`
}

// TripETAUpdate replaces the displayed ETA of a trip.
type TripETAUpdate struct {
	TripID     string `json:"trip_id"`
	ETAMinutes int    `json:"eta_minutes"`
}

type AmbulanceLocationUpdate struct {
	LocationSample
}

// TripStatusUpdate carries the updated trip. Fleet subscribers also get the
// assigned vehicle's last known location.
type TripStatusUpdate struct {
	Trip         Trip            `json:"trip"`
	LastLocation *LocationSample `json:"lastLocation,omitempty"`
}

// TripCompletedEvent carries the released vehicle, or nil when the trip never
// had one.
type TripCompletedEvent struct {
	TripID    string   `json:"trip_id"`
	Ambulance *Vehicle `json:"ambulance"`
}

type NewVitals struct {
	TripID                 string    `json:"trip_id"`
	HeartRate              *int      `json:"heart_rate"`
	BloodPressureSystolic  *int      `json:"blood_pressure_systolic"`
	BloodPressureDiastolic *int      `json:"blood_pressure_diastolic"`
	Notes                  string    `json:"notes"`
	RecordedAt             time.Time `json:"recorded_at"`
}

func (e NewVitals) Vitals() Vitals {
	return Vitals{
		HeartRate:              e.HeartRate,
		BloodPressureSystolic:  e.BloodPressureSystolic,
		BloodPressureDiastolic: e.BloodPressureDiastolic,
		Notes:                  e.Notes,
		RecordedAt:             e.RecordedAt,
	}
}

func (NewAlert) Type() EventType                { return EventNewAlert }
func (TripAssignedEvent) Type() EventType       { return EventTripAssigned }
func (TripETAUpdate) Type() EventType           { return EventTripETAUpdate }
func (AmbulanceLocationUpdate) Type() EventType { return EventAmbulanceLocationUpdate }
func (TripStatusUpdate) Type() EventType        { return EventTripStatusUpdate }
func (TripCompletedEvent) Type() EventType      { return EventTripCompleted }
func (NewVitals) Type() EventType               { return EventNewVitals }

func (e NewAlert) Dispatch(h EventHandler)                { h.OnNewAlert(e) }
func (e TripAssignedEvent) Dispatch(h EventHandler)       { h.OnTripAssigned(e) }
func (e TripETAUpdate) Dispatch(h EventHandler)           { h.OnTripETAUpdate(e) }
func (e AmbulanceLocationUpdate) Dispatch(h EventHandler) { h.OnAmbulanceLocationUpdate(e) }
func (e TripStatusUpdate) Dispatch(h EventHandler)        { h.OnTripStatusUpdate(e) }
func (e TripCompletedEvent) Dispatch(h EventHandler)      { h.OnTripCompleted(e) }
func (e NewVitals) Dispatch(h EventHandler)               { h.OnNewVitals(e) }

// Encode wraps an event in its wire envelope.
func Encode(ev Event) (websocket.Envelope, error) {
	var payload any = ev
	if na, ok := ev.(NewAlert); ok {
		payload = na.Trip
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return websocket.Envelope{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return websocket.Envelope{Type: string(ev.Type()), Payload: data}, nil
}

// Decode turns an envelope into its event. Unknown types and payloads that
// do not carry the identifiers the type needs are rejected.
func Decode(env websocket.Envelope) (Event, error) {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s has no payload", ErrMalformedPayload, env.Type)
	}

	switch EventType(env.Type) {
	case EventNewAlert:
		t, err := decodePayload[Trip](env)
		if err != nil {
			return nil, err
		}
		if t.ID == "" {
			return nil, missing(env, "id")
		}
		return NewAlert{Trip: t}, nil
	case EventTripAssigned:
		e, err := decodePayload[TripAssignedEvent](env)
		if err != nil {
			return nil, err
		}
		if e.Trip.ID == "" || e.Ambulance.ID == "" {
			return nil, missing(env, "trip.id/ambulance.id")
		}
		return e, nil
	case EventTripETAUpdate:
		e, err := decodePayload[TripETAUpdate](env)
		if err != nil {
			return nil, err
		}
		if e.TripID == "" {
			return nil, missing(env, "trip_id")
		}
		return e, nil
	case EventAmbulanceLocationUpdate:
		e, err := decodePayload[AmbulanceLocationUpdate](env)
		if err != nil {
			return nil, err
		}
		if e.AmbulanceID == "" {
			return nil, missing(env, "ambulance_id")
		}
		return e, nil
	case EventTripStatusUpdate:
		e, err := decodePayload[TripStatusUpdate](env)
		if err != nil {
			return nil, err
		}
		if e.Trip.ID == "" || !e.Trip.Status.Valid() {
			return nil, missing(env, "trip.id/trip.status")
		}
		return e, nil
	case EventTripCompleted:
		e, err := decodePayload[TripCompletedEvent](env)
		if err != nil {
			return nil, err
		}
		if e.TripID == "" {
			return nil, missing(env, "trip_id")
		}
		return e, nil
	case EventNewVitals:
		e, err := decodePayload[NewVitals](env)
		if err != nil {
			return nil, err
		}
		if e.TripID == "" {
			return nil, missing(env, "trip_id")
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// DecodeMessage parses a raw push message.
func DecodeMessage(data []byte) (Event, error) {
	var env websocket.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Decode(env)
}

func decodePayload[T any](env websocket.Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return v, nil
}

func missing(env websocket.Envelope, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformedPayload, env.Type, field)
}
