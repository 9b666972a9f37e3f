package ems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hms/ems/internal/platform/db"
)

const pgUniqueViolation = "23505"

// =========== Transactor ===========

type pgTransactor struct{ pool db.Pool }

func NewTransactorPG(pool db.Pool) Transactor { return &pgTransactor{pool: pool} }

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, t.pool, fn)
}

// =========== Trip Repository ===========

type tripRepoPG struct{ pool db.Pool }

func NewTripRepoPG(pool db.Pool) TripRepository { return &tripRepoPG{pool: pool} }

func (r *tripRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const tripCols = `id, status, latitude, longitude, patient_id, patient_name, assigned_ambulance_id,
	eta_minutes, vitals, notes, source, created_at, updated_at`

func (r *tripRepoPG) scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var status string
	var vitals []byte
	err := row.Scan(&t.ID, &status, &t.Latitude, &t.Longitude, &t.PatientID, &t.PatientName,
		&t.AssignedAmbulanceID, &t.ETAMinutes, &vitals, &t.Notes, &t.Source, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TripStatus(status)
	if len(vitals) > 0 {
		t.Vitals = &Vitals{}
		if err := json.Unmarshal(vitals, t.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals of trip %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (r *tripRepoPG) collect(rows pgx.Rows) ([]*Trip, error) {
	defer rows.Close()
	var items []*Trip
	for rows.Next() {
		t, err := r.scanTrip(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *tripRepoPG) Create(ctx context.Context, t *Trip) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO trip (id, status, latitude, longitude, patient_id, patient_name,
			notes, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, string(t.Status), t.Latitude, t.Longitude, t.PatientID, t.PatientName,
		t.Notes, t.Source, t.CreatedAt, t.UpdatedAt)
	return mapWriteErr(err)
}

func (r *tripRepoPG) GetByID(ctx context.Context, id string) (*Trip, error) {
	t, err := r.scanTrip(r.conn(ctx).QueryRow(ctx, `SELECT `+tripCols+` FROM trip WHERE id = $1`, id))
	return t, mapReadErr(err)
}

func (r *tripRepoPG) ListByStatus(ctx context.Context, statuses ...TripStatus) ([]*Trip, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tripCols+` FROM trip WHERE status = ANY($1) ORDER BY created_at, id`,
		statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *tripRepoPG) FindActiveByAmbulance(ctx context.Context, ambulanceID string) (*Trip, error) {
	t, err := r.scanTrip(r.conn(ctx).QueryRow(ctx, `SELECT `+tripCols+` FROM trip
		WHERE assigned_ambulance_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`,
		ambulanceID, statusStrings(ActiveStatuses)))
	return t, mapReadErr(err)
}

func (r *tripRepoPG) Transition(ctx context.Context, id string, from, to TripStatus, ambulanceID *string, at time.Time) (*Trip, error) {
	var row pgx.Row
	if ambulanceID != nil {
		row = r.conn(ctx).QueryRow(ctx, `
			UPDATE trip SET status = $3, assigned_ambulance_id = $4, updated_at = $5
			WHERE id = $1 AND status = $2 AND assigned_ambulance_id IS NULL
			RETURNING `+tripCols,
			id, string(from), string(to), *ambulanceID, at)
	} else {
		row = r.conn(ctx).QueryRow(ctx, `
			UPDATE trip SET status = $3, updated_at = $4
			WHERE id = $1 AND status = $2
			RETURNING `+tripCols,
			id, string(from), string(to), at)
	}
	t, err := r.scanTrip(row)
	return t, mapCASErr(err)
}

func (r *tripRepoPG) SetETA(ctx context.Context, id string, minutes int, at time.Time) (*Trip, error) {
	t, err := r.scanTrip(r.conn(ctx).QueryRow(ctx, `
		UPDATE trip SET eta_minutes = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN ('Completed', 'Cancelled')
		RETURNING `+tripCols,
		id, minutes, at))
	return t, mapCASErr(err)
}

func (r *tripRepoPG) SetVitals(ctx context.Context, id string, v Vitals, at time.Time) (*Trip, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	t, err := r.scanTrip(r.conn(ctx).QueryRow(ctx, `
		UPDATE trip SET vitals = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+tripCols,
		id, data, at, statusStrings(ActiveStatuses)))
	return t, mapCASErr(err)
}

// =========== Vehicle Repository ===========

type vehicleRepoPG struct{ pool db.Pool }

func NewVehicleRepoPG(pool db.Pool) VehicleRepository { return &vehicleRepoPG{pool: pool} }

func (r *vehicleRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const vehicleCols = `id, name, license_plate, status, crew_id, last_latitude, last_longitude, last_seen_at, updated_at`

func (r *vehicleRepoPG) scanVehicle(row pgx.Row) (*Vehicle, error) {
	var v Vehicle
	var status string
	var lat, lon *float64
	var seen *time.Time
	if err := row.Scan(&v.ID, &v.Name, &v.LicensePlate, &status, &v.CrewID, &lat, &lon, &seen, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = VehicleStatus(status)
	if lat != nil && lon != nil && seen != nil {
		v.LastLocation = &LocationSample{AmbulanceID: v.ID, Latitude: *lat, Longitude: *lon, Timestamp: *seen}
	}
	return &v, nil
}

func (r *vehicleRepoPG) collect(rows pgx.Rows) ([]*Vehicle, error) {
	defer rows.Close()
	var items []*Vehicle
	for rows.Next() {
		v, err := r.scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *vehicleRepoPG) Create(ctx context.Context, v *Vehicle) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ambulance (id, name, license_plate, status, crew_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.Name, v.LicensePlate, string(v.Status), v.CrewID, v.UpdatedAt)
	return mapWriteErr(err)
}

func (r *vehicleRepoPG) GetByID(ctx context.Context, id string) (*Vehicle, error) {
	v, err := r.scanVehicle(r.conn(ctx).QueryRow(ctx, `SELECT `+vehicleCols+` FROM ambulance WHERE id = $1`, id))
	return v, mapReadErr(err)
}

func (r *vehicleRepoPG) List(ctx context.Context) ([]*Vehicle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+vehicleCols+` FROM ambulance ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *vehicleRepoPG) ListByStatus(ctx context.Context, status VehicleStatus) ([]*Vehicle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+vehicleCols+` FROM ambulance WHERE status = $1 ORDER BY name, id`, string(status))
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *vehicleRepoPG) SetStatus(ctx context.Context, id string, from []VehicleStatus, to VehicleStatus, at time.Time) (*Vehicle, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	v, err := r.scanVehicle(r.conn(ctx).QueryRow(ctx, `
		UPDATE ambulance SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+vehicleCols,
		id, string(to), at, allowed))
	return v, mapCASErr(err)
}

func (r *vehicleRepoPG) RecordLocation(ctx context.Context, s LocationSample) (bool, error) {
	applied := false
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE ambulance SET last_latitude = $2, last_longitude = $3, last_seen_at = $4
			WHERE id = $1 AND (last_seen_at IS NULL OR last_seen_at <= $4)`,
			s.AmbulanceID, s.Latitude, s.Longitude, s.Timestamp)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO ambulance_location (ambulance_id, latitude, longitude, recorded_at)
			VALUES ($1,$2,$3,$4)`,
			s.AmbulanceID, s.Latitude, s.Longitude, s.Timestamp)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func statusStrings(statuses []TripStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func mapReadErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// mapCASErr treats "no row matched" as a lost compare-and-set.
func mapCASErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return mapWriteErr(err)
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
