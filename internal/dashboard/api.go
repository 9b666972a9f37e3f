package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hms/ems/internal/domain/ems"
	"github.com/hms/ems/internal/domain/patient"
	"github.com/hms/ems/internal/platform/routing"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Assignment is the trip and vehicle returned by assign and complete.
type Assignment struct {
	Trip      *ems.Trip    `json:"trip"`
	Ambulance *ems.Vehicle `json:"ambulance"`
}

// Client talks to the EMS REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the server at baseURL, e.g.
// "https://ems.example.org". The API prefix is added by the client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamURL returns the push channel address for the given topics, with the
// token in the query since WebSocket upgrades cannot carry headers from a
// browser.
func (c *Client) StreamURL(topics ...string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{}
	q.Set("topics", strings.Join(topics, ","))
	if c.token != "" {
		q.Set("access_token", c.token)
	}
	return u + "/ws?" + q.Encode()
}

func (c *Client) Alerts(ctx context.Context) ([]*ems.Trip, error) {
	var out []*ems.Trip
	return out, c.do(ctx, http.MethodGet, "/ems/alerts", nil, &out)
}

func (c *Client) ActiveTrips(ctx context.Context) ([]*ems.Trip, error) {
	var out []*ems.Trip
	return out, c.do(ctx, http.MethodGet, "/ems/trips/active", nil, &out)
}

func (c *Client) Locations(ctx context.Context) ([]ems.LocationSample, error) {
	var out []ems.LocationSample
	return out, c.do(ctx, http.MethodGet, "/ems/ambulances/locations", nil, &out)
}

func (c *Client) AvailableVehicles(ctx context.Context) ([]*ems.Vehicle, error) {
	var out []*ems.Vehicle
	return out, c.do(ctx, http.MethodGet, "/ems/ambulances/available", nil, &out)
}

func (c *Client) Snapshot(ctx context.Context) (*ems.Snapshot, error) {
	var out ems.Snapshot
	if err := c.do(ctx, http.MethodGet, "/ems/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Assign(ctx context.Context, tripID, ambulanceID string) (*Assignment, error) {
	var out Assignment
	body := map[string]string{"ambulance_id": ambulanceID}
	if err := c.do(ctx, http.MethodPost, "/ems/trips/"+url.PathEscape(tripID)+"/assign", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Complete(ctx context.Context, tripID string) (*Assignment, error) {
	var out Assignment
	if err := c.do(ctx, http.MethodPost, "/ems/trips/"+url.PathEscape(tripID)+"/complete", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateAlert(ctx context.Context, in ems.AlertInput) (*ems.Trip, error) {
	var out ems.Trip
	if err := c.do(ctx, http.MethodPost, "/ems/alerts", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type patientPage struct {
	Data []*patient.Patient `json:"data"`
}

func (c *Client) SearchPatients(ctx context.Context, query string) ([]*patient.Patient, error) {
	var out patientPage
	if err := c.do(ctx, http.MethodGet, "/patients?q="+url.QueryEscape(query), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Route fetches the route overlay. A nil route with a nil error means the
// server had none to offer.
func (c *Client) Route(ctx context.Context, from, to ems.Coordinates) (*routing.Route, error) {
	var out struct {
		Route *routing.Route `json:"route"`
	}
	path := fmt.Sprintf("/ems/route?from=%f,%f&to=%f,%f", from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Route != nil {
		out.Route.Duration = time.Duration(out.Route.DurationSec * float64(time.Second))
	}
	return out.Route, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
			if json.Unmarshal(data, &msg) == nil {
				apiErr.Message = msg.Message
			} else {
				apiErr.Message = strings.TrimSpace(string(data))
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
