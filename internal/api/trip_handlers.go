package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
)

// ActiveTripResponse reports whether the caller has a session running.
type ActiveTripResponse struct {
	Active bool                 `json:"active"`
	Trip   *tracking.ActiveTrip `json:"trip,omitempty"`
}

// TripHandlers serves read-only trip history and the active trip signal.
type TripHandlers struct {
	trips  trip.Repository
	active *tracking.ActiveTrips
	logger *slog.Logger
}

// NewTripHandlers creates trip handlers.
func NewTripHandlers(trips trip.Repository, active *tracking.ActiveTrips, logger *slog.Logger) *TripHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TripHandlers{trips: trips, active: active, logger: logger}
}

// List handles GET /trips?limit=N, newest first.
func (h *TripHandlers) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, trip.DefaultListLimit)
	if !ok {
		return
	}
	trips, err := h.trips.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trips", err)
		return
	}
	if trips == nil {
		trips = []*trip.Trip{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"trips": trips})
}

// Active handles GET /trips/active.
func (h *TripHandlers) Active(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	resp := ActiveTripResponse{}
	if h.active != nil {
		if t, found := h.active.Get(userID); found {
			resp.Active = true
			resp.Trip = &t
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}
