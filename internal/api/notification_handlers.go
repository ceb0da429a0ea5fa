package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/notify"
)

// FeedFrame is pushed over the notification websocket.
type FeedFrame struct {
	Type  string        `json:"type"`
	Items []notify.Item `json:"items"`
}

// NotificationHandlers serves the merged notification feed.
type NotificationHandlers struct {
	aggregator *notify.Aggregator
	live       *notify.Live
	upgrader   *websocket.Upgrader
	metrics    *middleware.Metrics
	logger     *slog.Logger
}

// NewNotificationHandlers creates notification handlers. live may be nil,
// in which case the websocket endpoint polls without event wake-ups.
func NewNotificationHandlers(aggregator *notify.Aggregator, live *notify.Live, allowedOrigins []string, metrics *middleware.Metrics, logger *slog.Logger) *NotificationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if live == nil {
		live = &notify.Live{Aggregator: aggregator}
	}
	return &NotificationHandlers{
		aggregator: aggregator,
		live:       live,
		upgrader:   newUpgrader(allowedOrigins),
		metrics:    metrics,
		logger:     logger,
	}
}

// Feed handles GET /notifications.
func (h *NotificationHandlers) Feed(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	items, err := h.aggregator.Feed(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "notification feed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

// MarkRead handles POST /notifications/{id}/read?kind=message. Request items
// are resolved through the connection endpoints instead.
func (h *NotificationHandlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = notify.KindMessage
	}
	if err := h.aggregator.MarkRead(r.Context(), userID, kind, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, h.logger, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /notifications/ws. The server pushes a full feed on
// connect, on every event for the caller and on every poll tick. Client
// messages are ignored.
func (h *NotificationHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to upgrade websocket connection",
			slog.String("error", err.Error()),
			slog.String("user_id", userID))
		return
	}
	done := h.metrics.TrackWebSocket("notifications")
	defer done()

	ws := &wsConn{conn: conn}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		err := h.live.Run(ctx, userID, func(items []notify.Item) error {
			return ws.writeJSON(FeedFrame{Type: "notifications", Items: items})
		})
		// Unblocks readLoop when the feed stops first.
		cancel()
		runErr <- err
	}()

	readLoop(ctx, conn, h.logger)
	cancel()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		h.logger.WarnContext(ctx, "notification stream ended",
			slog.String("error", err.Error()),
			slog.String("user_id", userID))
	}
	ws.close(websocket.CloseNormalClosure, "")
}

// readLoop discards client frames until the peer disconnects or ctx ends.
func readLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				logger.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
