package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/wayfare/internal/geo"
	"github.com/onnwee/wayfare/internal/matching"
)

// MatchHandlers serves the nearby traveler list.
type MatchHandlers struct {
	engine *matching.Engine
	logger *slog.Logger
}

// NewMatchHandlers creates match handlers.
func NewMatchHandlers(engine *matching.Engine, logger *slog.Logger) *MatchHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchHandlers{engine: engine, logger: logger}
}

// Nearby handles GET /matches?lat=&lng=. Both coordinates are optional but
// must be given together; without them distances are unknown and only
// connected travelers are listed.
func (h *MatchHandlers) Nearby(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	location, err := parseLocation(r)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, err.Error())
		return
	}

	result, err := h.engine.Nearby(r.Context(), matching.Query{UserID: userID, Location: location})
	if err != nil {
		writeServiceError(w, r, h.logger, "nearby", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

type locationError string

func (e locationError) Error() string { return string(e) }

func parseLocation(r *http.Request) (*geo.Point, error) {
	latStr, lngStr := r.URL.Query().Get("lat"), r.URL.Query().Get("lng")
	if latStr == "" && lngStr == "" {
		return nil, nil
	}
	if latStr == "" || lngStr == "" {
		return nil, locationError("lat and lng must be provided together")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, locationError("lat must be a number")
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return nil, locationError("lng must be a number")
	}
	p := geo.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return nil, locationError("coordinates out of range")
	}
	return &p, nil
}
