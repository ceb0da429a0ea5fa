package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
	"github.com/onnwee/wayfare/internal/validate"
)

// Server frame types on the tracking socket.
const (
	TrackingStarted = "started"
	TrackingInvalid = "invalid"
	TrackingStopped = "stopped"
	TrackingFailed  = "failed"
)

// TrackingFrame is sent by the server over the tracking socket.
type TrackingFrame struct {
	Type        string               `json:"type"`
	Destination string               `json:"destination,omitempty"`
	Message     string               `json:"message,omitempty"`
	Code        int                  `json:"code,omitempty"`
	Result      *tracking.StopResult `json:"result,omitempty"`
	Warning     string               `json:"warning,omitempty"`
}

// TrackingHandlersConfig wires the tracking socket.
type TrackingHandlersConfig struct {
	Presence presence.Repository
	Trips    trip.Repository
	// Archiver is optional.
	Archiver          tracking.Archiver
	Active            *tracking.ActiveTrips
	TrackerMetrics    *tracking.Metrics
	SocketMetrics     *middleware.Metrics
	BroadcastInterval time.Duration
	AllowedOrigins    []string
	Logger            *slog.Logger
}

// TrackingHandlers runs one Tracker per websocket connection, fed by the
// device frames the client sends.
type TrackingHandlers struct {
	cfg      TrackingHandlersConfig
	upgrader *websocket.Upgrader
	now      func() time.Time
}

// NewTrackingHandlers creates tracking handlers.
func NewTrackingHandlers(cfg TrackingHandlersConfig) *TrackingHandlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TrackingHandlers{cfg: cfg, upgrader: newUpgrader(cfg.AllowedOrigins), now: time.Now}
}

// Stream handles GET /tracking/ws?destination=. The client sends sample,
// error and stop frames as JSON text or CBOR binary messages. A stop frame
// or a disconnect ends the session and saves the trip.
func (h *TrackingHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	destination, err := validate.Destination(r.URL.Query().Get("destination"))
	if err != nil {
		writeCodedError(w, r, ErrCodeValidation, "Invalid destination: "+err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "failed to upgrade websocket connection",
			slog.String("error", err.Error()),
			slog.String("user_id", userID))
		return
	}
	done := h.cfg.SocketMetrics.TrackWebSocket("tracking")
	defer done()

	ws := &wsConn{conn: conn}
	conn.SetReadLimit(wsReadLimit)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	failures := make(chan error, 1)
	geolocator := tracking.NewChannelGeolocator()
	tracker := tracking.NewTracker(tracking.TrackerConfig{
		UserID:            userID,
		DisplayName:       middleware.GetUserName(r.Context()),
		Destination:       destination,
		Geolocator:        geolocator,
		Presence:          h.cfg.Presence,
		Trips:             h.cfg.Trips,
		Archiver:          h.cfg.Archiver,
		Active:            h.cfg.Active,
		Metrics:           h.cfg.TrackerMetrics,
		Logger:            h.cfg.Logger,
		BroadcastInterval: h.cfg.BroadcastInterval,
		OnFailure: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	})

	if err := tracker.Start(ctx); err != nil {
		_ = ws.writeJSON(TrackingFrame{Type: TrackingFailed, Message: err.Error()})
		ws.close(websocket.CloseInternalServerErr, "tracking unavailable")
		return
	}
	if err := ws.writeJSON(TrackingFrame{Type: TrackingStarted, Destination: tracker.Destination()}); err != nil {
		h.stop(ctx, tracker, nil)
		ws.close(websocket.CloseNormalClosure, "")
		return
	}

	go func() {
		select {
		case err := <-failures:
			frame := TrackingFrame{Type: TrackingFailed, Message: err.Error()}
			var posErr *tracking.PositionError
			if errors.As(err, &posErr) {
				frame.Code = int(posErr.Code)
			}
			_ = ws.writeJSON(frame)
			ws.close(websocket.CloseNormalClosure, "tracking failed")
		case <-ctx.Done():
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// Disconnect without a stop frame still ends the trip.
			h.stop(ctx, tracker, nil)
			return
		}
		frame, err := tracking.DecodeFrame(msgType == websocket.BinaryMessage, data)
		if err != nil {
			if werr := ws.writeJSON(TrackingFrame{Type: TrackingInvalid, Message: err.Error()}); werr != nil {
				h.stop(ctx, tracker, nil)
				return
			}
			continue
		}

		switch frame.Type {
		case tracking.FrameSample:
			geolocator.Push(frame.Sample(h.now()))
		case tracking.FrameError:
			geolocator.Fail(frame.PositionError())
		case tracking.FrameStop:
			h.stop(ctx, tracker, ws)
			ws.close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// stop ends the session and, when ws is set, reports the result to the client.
func (h *TrackingHandlers) stop(ctx context.Context, tracker *tracking.Tracker, ws *wsConn) {
	result, err := tracker.Stop(ctx)
	if err != nil && !errors.Is(err, tracking.ErrTripNotSaved) {
		h.cfg.Logger.ErrorContext(ctx, "failed to stop tracking", slog.String("error", err.Error()))
	}
	if ws == nil || result == nil {
		return
	}
	frame := TrackingFrame{Type: TrackingStopped, Result: result}
	if err != nil {
		frame.Warning = err.Error()
	}
	_ = ws.writeJSON(frame)
}
