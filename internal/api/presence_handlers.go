package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/validate"
)

// PresenceRequest is the body of PUT /presence.
type PresenceRequest struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Destination string   `json:"destination"`
	// Name overrides the display name from the access token.
	Name string `json:"name"`
}

// PresenceHandlers serves direct presence broadcasts.
type PresenceHandlers struct {
	repo   presence.Repository
	now    func() time.Time
	logger *slog.Logger
}

// NewPresenceHandlers creates presence handlers.
func NewPresenceHandlers(repo presence.Repository, logger *slog.Logger) *PresenceHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceHandlers{repo: repo, now: time.Now, logger: logger}
}

// Broadcast handles PUT /presence - upserts the caller's presence record.
func (h *PresenceHandlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req PresenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeCodedError(w, r, ErrCodeValidation, "latitude and longitude are required")
		return
	}

	name, err := validate.DisplayName(req.Name)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, "Invalid name: "+err.Error())
		return
	}
	if name == "" {
		name = middleware.GetUserName(r.Context())
	}
	destination, err := validate.Destination(req.Destination)
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, "Invalid destination: "+err.Error())
		return
	}

	record := &presence.Record{
		UserID:      userID,
		Latitude:    *req.Latitude,
		Longitude:   *req.Longitude,
		LastUpdated: h.now(),
		DisplayName: name,
		Destination: destination,
	}
	if err := record.Normalize(); err != nil {
		writeServiceError(w, r, h.logger, "broadcast presence", err)
		return
	}
	if err := h.repo.Upsert(r.Context(), record); err != nil {
		writeServiceError(w, r, h.logger, "broadcast presence", err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}
