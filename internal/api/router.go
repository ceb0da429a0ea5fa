package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/wayfare/internal/middleware"
)

// Handlers groups every handler the router mounts. Nil groups are not routed.
type Handlers struct {
	Health        *HealthHandlers
	Presence      *PresenceHandlers
	Matches       *MatchHandlers
	Connections   *ConnectionHandlers
	Messages      *MessageHandlers
	Notifications *NotificationHandlers
	Tracking      *TrackingHandlers
	Trips         *TripHandlers
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter registers all routes. Unknown paths and wrong methods get the
// standard JSON error body.
func NewRouter(h Handlers) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCodedError(w, r, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	})

	if h.Health != nil {
		r.HandleFunc("/health", h.Health.Health).Methods(http.MethodGet)
		r.HandleFunc("/ready", h.Health.Ready).Methods(http.MethodGet)
	}
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods(http.MethodGet)
	}
	if h.Presence != nil {
		r.HandleFunc("/presence", h.Presence.Broadcast).Methods(http.MethodPut)
	}
	if h.Matches != nil {
		r.HandleFunc("/matches", h.Matches.Nearby).Methods(http.MethodGet)
	}
	if h.Connections != nil {
		r.HandleFunc("/connections", h.Connections.Send).Methods(http.MethodPost)
		r.HandleFunc("/connections/incoming", h.Connections.Incoming).Methods(http.MethodGet)
		r.HandleFunc("/connections/sent", h.Connections.Sent).Methods(http.MethodGet)
		r.HandleFunc("/connections/status/{user_id}", h.Connections.Status).Methods(http.MethodGet)
		r.HandleFunc("/connections/{id}/{decision:accept|reject}", h.Connections.Respond).Methods(http.MethodPost)
	}
	if h.Messages != nil {
		r.HandleFunc("/messages", h.Messages.Send).Methods(http.MethodPost)
		r.HandleFunc("/messages/{user_id}", h.Messages.Conversation).Methods(http.MethodGet)
	}
	if h.Notifications != nil {
		r.HandleFunc("/notifications", h.Notifications.Feed).Methods(http.MethodGet)
		r.HandleFunc("/notifications/ws", h.Notifications.Stream).Methods(http.MethodGet)
		r.HandleFunc("/notifications/{id}/read", h.Notifications.MarkRead).Methods(http.MethodPost)
	}
	if h.Tracking != nil {
		r.HandleFunc("/tracking/ws", h.Tracking.Stream).Methods(http.MethodGet)
	}
	if h.Trips != nil {
		r.HandleFunc("/trips", h.Trips.List).Methods(http.MethodGet)
		r.HandleFunc("/trips/active", h.Trips.Active).Methods(http.MethodGet)
	}
	return r
}
