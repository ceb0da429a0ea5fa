package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/onnwee/wayfare/internal/connection"
)

// SendRequestBody is the body of POST /connections.
type SendRequestBody struct {
	ReceiverID string `json:"receiver_id"`
	Reason     string `json:"reason"`
}

// StatusResponse is returned by GET /connections/status/{user_id}.
type StatusResponse struct {
	UserID string            `json:"user_id"`
	Status connection.Status `json:"status"`
}

// ConnectionHandlers serves the connection request state machine.
type ConnectionHandlers struct {
	service *connection.Service
	logger  *slog.Logger
}

// NewConnectionHandlers creates connection handlers.
func NewConnectionHandlers(service *connection.Service, logger *slog.Logger) *ConnectionHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionHandlers{service: service, logger: logger}
}

// Send handles POST /connections.
func (h *ConnectionHandlers) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body SendRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	req, err := h.service.SendRequest(r.Context(), userID, body.ReceiverID, body.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "send connection request", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

// Respond handles POST /connections/{id}/accept and /connections/{id}/reject.
func (h *ConnectionHandlers) Respond(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	decision, err := connection.ParseDecision(vars["decision"])
	if err != nil {
		writeServiceError(w, r, h.logger, "respond", err)
		return
	}

	req, err := h.service.Respond(r.Context(), vars["id"], userID, decision)
	if err != nil {
		writeServiceError(w, r, h.logger, "respond", err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// Incoming handles GET /connections/incoming.
func (h *ConnectionHandlers) Incoming(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	views, err := h.service.IncomingPending(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list incoming requests", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"requests": views})
}

// Sent handles GET /connections/sent.
func (h *ConnectionHandlers) Sent(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	views, err := h.service.SentByUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list sent requests", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"requests": views})
}

// Status handles GET /connections/status/{user_id}.
func (h *ConnectionHandlers) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	other := mux.Vars(r)["user_id"]
	status, err := h.service.StatusBetween(r.Context(), userID, other)
	if err != nil {
		writeServiceError(w, r, h.logger, "connection status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, StatusResponse{UserID: other, Status: status})
}
