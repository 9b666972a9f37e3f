// Package routing queries an OSRM-compatible road routing service for drive
// routes between two points.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoRoute is returned when the service answers but finds no route.
var ErrNoRoute = errors.New("no route found")

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Route is a drive route. Path runs from origin to destination.
type Route struct {
	DistanceMeters float64       `json:"distance_meters"`
	Duration       time.Duration `json:"-"`
	DurationSec    float64       `json:"duration_seconds"`
	Path           []Point       `json:"path"`
}

// Client talks to the routing service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route fetches the fastest driving route from one point to another.
func (c *Client) Route(ctx context.Context, from, to Point) (*Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		c.baseURL, from.Lon, from.Lat, to.Lon, to.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build route request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch route: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("routing service returned status %d: %s", resp.StatusCode, string(body))
	}

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, out.Code, out.Message)
	}

	r := out.Routes[0]
	route := &Route{
		DistanceMeters: r.Distance,
		DurationSec:    r.Duration,
		Duration:       time.Duration(r.Duration * float64(time.Second)),
		Path:           make([]Point, 0, len(r.Geometry.Coordinates)),
	}
	// GeoJSON orders coordinates lon,lat.
	for _, c := range r.Geometry.Coordinates {
		route.Path = append(route.Path, Point{Lat: c[1], Lon: c[0]})
	}
	return route, nil
}
