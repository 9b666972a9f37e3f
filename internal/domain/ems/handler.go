package ems

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hms/ems/internal/platform/auth"
	"github.com/hms/ems/internal/platform/routing"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ems")

	board := g.Group("", auth.RequireRole(auth.RoleDispatcher, auth.RolePhysician, auth.RoleNurse))
	board.GET("/alerts", h.ListAlerts)
	board.GET("/ambulances/locations", h.ListLocations)

	crew := g.Group("", auth.RequireRole(auth.RoleDispatcher, auth.RolePhysician, auth.RoleNurse, auth.RoleParamedic))
	crew.GET("/trips/active", h.ListActiveTrips)
	crew.GET("/trips/:id", h.GetTrip)
	crew.GET("/snapshot", h.Snapshot)
	crew.GET("/route", h.Route)

	dispatch := g.Group("", auth.RequireRole(auth.RoleDispatcher))
	dispatch.GET("/ambulances", h.ListAmbulances)
	dispatch.GET("/ambulances/available", h.ListAvailable)
	dispatch.POST("/ambulances", h.RegisterAmbulance)
	dispatch.POST("/alerts", h.CreateAlert)
	dispatch.POST("/trips/:id/assign", h.Assign)
	dispatch.POST("/trips/:id/complete", h.Complete)
	dispatch.POST("/trips/:id/cancel", h.Cancel)

	api.Group("/ems", auth.RequireRole(auth.RoleDispatcher, auth.RoleIntegration)).
		POST("/alerts/inbound", h.CreateInboundAlert)
	api.Group("/ems", auth.RequireRole(auth.RoleParamedic, auth.RoleDispatcher)).
		POST("/trips/:id/status", h.Advance)
	api.Group("/ems", auth.RequireRole(auth.RoleParamedic, auth.RoleDispatcher, auth.RoleIntegration)).
		PUT("/trips/:id/eta", h.SetETA)
	api.Group("/ems", auth.RequireRole(auth.RoleParamedic)).
		POST("/trips/:id/vitals", h.AttachVitals)
	api.Group("/ems", auth.RequireRole(auth.RoleDispatcher, auth.RoleParamedic)).
		PUT("/ambulances/:id/status", h.SetAmbulanceStatus)
	api.Group("/ems", auth.RequireRole(auth.RoleParamedic, auth.RoleIntegration)).
		POST("/ambulances/:id/location", h.RecordLocation)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// -- Alerts --

func (h *Handler) CreateAlert(c echo.Context) error {
	return h.createAlert(c, SourceManual)
}

func (h *Handler) CreateInboundAlert(c echo.Context) error {
	return h.createAlert(c, SourceAutomatic)
}

func (h *Handler) createAlert(c echo.Context, source string) error {
	var in AlertInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Source = source
	t, err := h.svc.CreateAlert(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListAlerts(c echo.Context) error {
	items, err := h.svc.ListNewAlerts(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

// -- Trips --

func (h *Handler) ListActiveTrips(c echo.Context) error {
	items, err := h.svc.ListActiveTrips(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) GetTrip(c echo.Context) error {
	t, err := h.svc.GetTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "trip not found")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type assignRequest struct {
	AmbulanceID string `json:"ambulance_id"`
}

type assignResponse struct {
	Trip      *Trip    `json:"trip"`
	Ambulance *Vehicle `json:"ambulance"`
}

func (h *Handler) Assign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, v, err := h.svc.AssignTrip(c.Request().Context(), c.Param("id"), req.AmbulanceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, assignResponse{Trip: t, Ambulance: v})
}

type statusRequest struct {
	Status TripStatus `json:"status"`
}

func (h *Handler) Advance(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.AdvanceTrip(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type etaRequest struct {
	ETAMinutes *int `json:"eta_minutes"`
}

func (h *Handler) SetETA(c echo.Context) error {
	var req etaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ETAMinutes == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "eta_minutes is required")
	}
	t, err := h.svc.SetETA(c.Request().Context(), c.Param("id"), *req.ETAMinutes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) AttachVitals(c echo.Context) error {
	var v Vitals
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.AttachVitals(c.Request().Context(), c.Param("id"), v)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Complete(c echo.Context) error {
	t, v, err := h.svc.CompleteTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, assignResponse{Trip: t, Ambulance: v})
}

func (h *Handler) Cancel(c echo.Context) error {
	t, v, err := h.svc.CancelTrip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, assignResponse{Trip: t, Ambulance: v})
}

func (h *Handler) Snapshot(c echo.Context) error {
	s, err := h.svc.Snapshot(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	s.NewAlerts = nonNil(s.NewAlerts)
	s.ActiveTrips = nonNil(s.ActiveTrips)
	s.Ambulances = nonNil(s.Ambulances)
	return c.JSON(http.StatusOK, s)
}

// -- Ambulances --

func (h *Handler) ListAmbulances(c echo.Context) error {
	items, err := h.svc.ListVehicles(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) ListAvailable(c echo.Context) error {
	items, err := h.svc.ListAvailableVehicles(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) RegisterAmbulance(c echo.Context) error {
	var v Vehicle
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterVehicle(c.Request().Context(), &v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

type vehicleStatusRequest struct {
	Status VehicleStatus `json:"status"`
}

func (h *Handler) SetAmbulanceStatus(c echo.Context) error {
	var req vehicleStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.SetVehicleAvailability(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type locationResponse struct {
	Applied bool `json:"applied"`
}

func (h *Handler) RecordLocation(c echo.Context) error {
	var s LocationSample
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.AmbulanceID = c.Param("id")
	applied, err := h.svc.RecordLocation(c.Request().Context(), s)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, locationResponse{Applied: applied})
}

func (h *Handler) ListLocations(c echo.Context) error {
	items, err := h.svc.ListVehicleLocations(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Route overlay --

type routeResponse struct {
	Route *routing.Route `json:"route"`
}

// Route answers 200 with a null route when routing is unavailable; the
// overlay is decoration, not a failure.
func (h *Handler) Route(c echo.Context) error {
	from, err := parsePoint(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from: "+err.Error())
	}
	to, err := parsePoint(c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to: "+err.Error())
	}
	return c.JSON(http.StatusOK, routeResponse{Route: h.svc.Route(c.Request().Context(), from, to)})
}

func parsePoint(s string) (Coordinates, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coordinates{}, fmt.Errorf("expected lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("invalid latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinates{}, fmt.Errorf("invalid longitude")
	}
	c := Coordinates{Latitude: lat, Longitude: lon}
	if !c.Valid() {
		return Coordinates{}, fmt.Errorf("out of range")
	}
	return c, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
