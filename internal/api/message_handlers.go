package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/onnwee/wayfare/internal/message"
)

// SendMessageBody is the body of POST /messages.
type SendMessageBody struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// MessageHandlers serves direct messages between travelers.
type MessageHandlers struct {
	service *message.Service
	logger  *slog.Logger
}

// NewMessageHandlers creates message handlers.
func NewMessageHandlers(service *message.Service, logger *slog.Logger) *MessageHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandlers{service: service, logger: logger}
}

// Send handles POST /messages.
func (h *MessageHandlers) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var body SendMessageBody
	if !decodeJSON(w, r, &body) {
		return
	}

	msg, err := h.service.Send(r.Context(), userID, body.ReceiverID, body.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, "send message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, msg)
}

// Conversation handles GET /messages/{user_id}?limit=N, oldest first.
func (h *MessageHandlers) Conversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, message.DefaultConversationLimit)
	if !ok {
		return
	}

	msgs, err := h.service.Conversation(r.Context(), userID, mux.Vars(r)["user_id"], limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "conversation", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"messages": msgs})
}

// parseLimit reads ?limit=, capped at max. Writes a 400 on bad input.
func parseLimit(w http.ResponseWriter, r *http.Request, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return max, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeCodedError(w, r, ErrCodeValidation, "limit must be a positive integer")
		return 0, false
	}
	if limit > max {
		limit = max
	}
	return limit, true
}
