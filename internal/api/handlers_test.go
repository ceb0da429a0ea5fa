package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/events"
	"github.com/onnwee/wayfare/internal/health"
	"github.com/onnwee/wayfare/internal/matching"
	"github.com/onnwee/wayfare/internal/message"
	"github.com/onnwee/wayfare/internal/middleware"
	"github.com/onnwee/wayfare/internal/notify"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
)

const testUserHeader = "X-Test-User"

type apiFixture struct {
	presence    *presence.InMemoryRepository
	trips       *trip.InMemoryRepository
	active      *tracking.ActiveTrips
	hub         *events.Hub
	connections *connection.Service
	messages    *message.Service
	handler     http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		presence: presence.NewInMemoryRepository(),
		trips:    trip.NewInMemoryRepository(),
		active:   tracking.NewActiveTrips(),
		hub:      events.NewHub(nil),
	}
	connRepo := connection.NewInMemoryRepository()
	f.connections = connection.NewService(connection.ServiceConfig{
		Repository: connRepo,
		Names:      f.presence,
		Publisher:  f.hub,
		Policy:     connection.DefaultCreatePolicy(),
	})
	f.messages = message.NewService(message.ServiceConfig{
		Repository:  message.NewInMemoryRepository(),
		Connections: f.connections,
		Publisher:   f.hub,
	})
	engine := matching.NewEngine(matching.EngineConfig{Presence: f.presence, Connections: connRepo})
	aggregator := notify.NewAggregator(connRepo, f.messages, f.presence, nil)

	router := NewRouter(Handlers{
		Health:        NewHealthHandlers(nil, nil),
		Presence:      NewPresenceHandlers(f.presence, nil),
		Matches:       NewMatchHandlers(engine, nil),
		Connections:   NewConnectionHandlers(f.connections, nil),
		Messages:      NewMessageHandlers(f.messages, nil),
		Notifications: NewNotificationHandlers(aggregator, &notify.Live{Aggregator: aggregator, Hub: f.hub, Interval: time.Second}, nil, nil, nil),
		Tracking: NewTrackingHandlers(TrackingHandlersConfig{
			Presence:          f.presence,
			Trips:             f.trips,
			Active:            f.active,
			BroadcastInterval: time.Millisecond,
		}),
		Trips: NewTripHandlers(f.trips, f.active, nil),
	})

	// Stands in for the auth middleware.
	f.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get(testUserHeader); user != "" {
			ctx := middleware.SetUserID(r.Context(), user)
			ctx = middleware.SetUserName(ctx, "Traveler "+user)
			r = r.WithContext(ctx)
		} else if user := r.URL.Query().Get("as"); user != "" {
			r = r.WithContext(middleware.SetUserID(r.Context(), user))
		}
		router.ServeHTTP(w, r)
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, w.Body.String())
	}
	return v
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[ErrorResponse](t, w).Error.Code
}

func ptr(v float64) *float64 { return &v }

func TestRouter_RequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)
	paths := []struct{ method, path string }{
		{http.MethodPut, "/presence"},
		{http.MethodGet, "/matches"},
		{http.MethodPost, "/connections"},
		{http.MethodGet, "/connections/incoming"},
		{http.MethodGet, "/messages/bob"},
		{http.MethodGet, "/notifications"},
		{http.MethodGet, "/trips"},
		{http.MethodGet, "/tracking/ws"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			w := f.do(t, p.method, p.path, "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if code := errorCodeOf(t, w); code != ErrCodeAuthFailed {
				t.Errorf("expected %s, got %s", ErrCodeAuthFailed, code)
			}
		})
	}
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/nope", "alice", nil)
	if w.Code != http.StatusNotFound || errorCodeOf(t, w) != ErrCodeNotFound {
		t.Errorf("expected JSON 404, got %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodDelete, "/presence", "alice", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/connections/abc/maybe", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected unknown decision to be unrouted, got %d", w.Code)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPut, "/presence", "alice", PresenceRequest{
		Latitude: ptr(48.8566), Longitude: ptr(2.3522), Destination: "  Lyon ",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := f.presence.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("presence not stored: %v", err)
	}
	if rec.DisplayName != "Traveler alice" {
		t.Errorf("expected token name, got %q", rec.DisplayName)
	}
	if rec.Destination != "Lyon" {
		t.Errorf("expected trimmed destination, got %q", rec.Destination)
	}
	if rec.Geohash == "" {
		t.Error("expected geohash to be derived")
	}
}

func TestPresenceBroadcast_Validation(t *testing.T) {
	f := newAPIFixture(t)
	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing coordinates", PresenceRequest{Latitude: ptr(1)}, ErrCodeValidation},
		{"out of range", PresenceRequest{Latitude: ptr(91), Longitude: ptr(0)}, ErrCodeValidation},
		{"multi-line name", PresenceRequest{Latitude: ptr(1), Longitude: ptr(1), Name: "a\nb"}, ErrCodeValidation},
		{"not json", "{", ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPut, "/presence", "alice", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := errorCodeOf(t, w); code != tt.want {
				t.Errorf("expected %s, got %s", tt.want, code)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	now := time.Now()
	for _, rec := range []*presence.Record{
		{UserID: "bob", Latitude: 40.0, Longitude: -74.0, LastUpdated: now, DisplayName: "Bob"},
		{UserID: "carol", Latitude: 41.0, Longitude: -74.0, LastUpdated: now, DisplayName: "Carol"},
		{UserID: "dave", Latitude: 40.0, Longitude: -74.0, LastUpdated: now.Add(-time.Hour), DisplayName: "Dave"},
	} {
		if err := f.presence.Upsert(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	w := f.do(t, http.MethodGet, "/matches?lat=40.0&lng=-74.0", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody[matching.Result](t, w)
	if len(result.Candidates) != 1 || result.Candidates[0].UserID != "bob" {
		t.Fatalf("expected only bob nearby and fresh, got %+v", result.Candidates)
	}
	if result.Candidates[0].State != matching.StateAvailable {
		t.Errorf("expected available, got %s", result.Candidates[0].State)
	}

	for _, q := range []string{"lat=40", "lat=abc&lng=1", "lat=100&lng=1"} {
		if w := f.do(t, http.MethodGet, "/matches?"+q, "alice", nil); w.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, w.Code)
		}
	}

	w = f.do(t, http.MethodGet, "/matches", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 without location, got %d", w.Code)
	}
	if got := decodeBody[matching.Result](t, w); len(got.Candidates) != 0 {
		t.Errorf("expected no candidates without a location, got %d", len(got.Candidates))
	}
}

func TestConnectionFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/connections", "alice", SendRequestBody{ReceiverID: "bob", Reason: "night_safety"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	req := decodeBody[connection.Request](t, w)
	if req.Status != connection.StatusPending || req.Reason != connection.ReasonNightSafety {
		t.Errorf("unexpected request %+v", req)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"duplicate", http.MethodPost, "/connections", "alice", SendRequestBody{ReceiverID: "bob"}, http.StatusConflict, ErrCodeRequestAlreadySent},
		{"reverse duplicate", http.MethodPost, "/connections", "bob", SendRequestBody{ReceiverID: "alice"}, http.StatusConflict, ErrCodeRequestAlreadySent},
		{"self", http.MethodPost, "/connections", "alice", SendRequestBody{ReceiverID: "alice"}, http.StatusBadRequest, ErrCodeSelfRequest},
		{"sender cannot accept", http.MethodPost, "/connections/" + req.ID + "/accept", "alice", nil, http.StatusForbidden, ErrCodeForbidden},
		{"unknown request", http.MethodPost, "/connections/missing/accept", "bob", nil, http.StatusNotFound, ErrCodeNotFound},
		{"message before accept", http.MethodPost, "/messages", "alice", SendMessageBody{ReceiverID: "bob", Content: "hi"}, http.StatusForbidden, ErrCodeNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.user, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if code := errorCodeOf(t, w); code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}
		})
	}

	w = f.do(t, http.MethodGet, "/connections/incoming", "bob", nil)
	incoming := decodeBody[struct {
		Requests []connection.View `json:"requests"`
	}](t, w)
	if len(incoming.Requests) != 1 || incoming.Requests[0].ReasonLabel != "Night Safety" {
		t.Fatalf("unexpected incoming list %+v", incoming.Requests)
	}
	if incoming.Requests[0].CounterpartName != connection.UnknownName {
		t.Errorf("expected unknown name fallback, got %q", incoming.Requests[0].CounterpartName)
	}

	w = f.do(t, http.MethodPost, "/connections/"+req.ID+"/accept", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[connection.Request](t, w); got.Status != connection.StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}

	w = f.do(t, http.MethodPost, "/connections/"+req.ID+"/reject", "bob", nil)
	if w.Code != http.StatusConflict || errorCodeOf(t, w) != ErrCodeAlreadyResolved {
		t.Errorf("expected already_resolved, got %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/connections/status/alice", "bob", nil)
	if got := decodeBody[StatusResponse](t, w); got.Status != connection.StatusAccepted {
		t.Errorf("expected accepted status, got %s", got.Status)
	}

	w = f.do(t, http.MethodGet, "/connections/sent", "alice", nil)
	sent := decodeBody[struct {
		Requests []connection.View `json:"requests"`
	}](t, w)
	if len(sent.Requests) != 1 || sent.Requests[0].CounterpartID != "bob" {
		t.Errorf("unexpected sent list %+v", sent.Requests)
	}
}

func TestMessagesAndNotifications(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	req, err := f.connections.SendRequest(ctx, "alice", "bob", "general")
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if _, err := f.connections.Respond(ctx, req.ID, "bob", connection.StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.connections.SendRequest(ctx, "carol", "bob", "solo_traveler"); err != nil {
		t.Fatalf("send request: %v", err)
	}

	w := f.do(t, http.MethodPost, "/messages", "alice", SendMessageBody{ReceiverID: "bob", Content: "  see you at the station  "})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	msg := decodeBody[message.Message](t, w)
	if msg.Content != "see you at the station" {
		t.Errorf("expected trimmed content, got %q", msg.Content)
	}

	w = f.do(t, http.MethodGet, "/messages/alice", "bob", nil)
	convo := decodeBody[struct {
		Messages []message.Message `json:"messages"`
	}](t, w)
	if len(convo.Messages) != 1 || convo.Messages[0].ID != msg.ID {
		t.Fatalf("unexpected conversation %+v", convo.Messages)
	}
	if w := f.do(t, http.MethodGet, "/messages/alice?limit=0", "bob", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for limit=0, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/notifications", "bob", nil)
	feed := decodeBody[struct {
		Items []notify.Item `json:"items"`
	}](t, w)
	if len(feed.Items) != 2 {
		t.Fatalf("expected request and message items, got %+v", feed.Items)
	}

	w = f.do(t, http.MethodPost, "/notifications/"+msg.ID+"/read", "alice", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected sender to be refused, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/notifications/"+msg.ID+"/read?kind=request", "bob", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected request items to be non-dismissible, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/notifications/"+msg.ID+"/read?kind=foo", "bob", nil)
	if w.Code != http.StatusBadRequest || errorCodeOf(t, w) != ErrCodeValidation {
		t.Errorf("expected unknown kind to be rejected, got %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/notifications/"+msg.ID+"/read", "bob", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/notifications", "bob", nil)
	feed = decodeBody[struct {
		Items []notify.Item `json:"items"`
	}](t, w)
	if len(feed.Items) != 1 || feed.Items[0].Kind != notify.KindRequest {
		t.Errorf("expected only the pending request left, got %+v", feed.Items)
	}
}

func TestTrips(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodGet, "/trips", "alice", nil)
	trips := decodeBody[struct {
		Trips []trip.Trip `json:"trips"`
	}](t, w)
	if trips.Trips == nil || len(trips.Trips) != 0 {
		t.Errorf("expected empty trip list, got %s", w.Body.String())
	}

	if err := f.trips.Create(ctx, &trip.Trip{UserID: "alice", FromLocation: "1, 1", ToLocation: "2, 2", DistanceKm: 157.25}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w = f.do(t, http.MethodGet, "/trips?limit=5", "alice", nil)
	trips = decodeBody[struct {
		Trips []trip.Trip `json:"trips"`
	}](t, w)
	if len(trips.Trips) != 1 {
		t.Errorf("expected one trip, got %d", len(trips.Trips))
	}

	w = f.do(t, http.MethodGet, "/trips/active", "alice", nil)
	if got := decodeBody[ActiveTripResponse](t, w); got.Active {
		t.Error("expected no active trip")
	}

	f.active.Set(tracking.ActiveTrip{UserID: "alice", Destination: "Lyon", StartedAt: time.Now()})
	w = f.do(t, http.MethodGet, "/trips/active", "alice", nil)
	got := decodeBody[ActiveTripResponse](t, w)
	if !got.Active || got.Trip.Destination != "Lyon" {
		t.Errorf("expected active trip to Lyon, got %+v", got)
	}
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name       string
		checkers   map[string]health.Checker
		wantStatus int
		wantBody   string
	}{
		{"no dependencies", nil, http.StatusOK, "healthy"},
		{"database ok", map[string]health.Checker{"database": checkFunc(func(context.Context) error { return nil })}, http.StatusOK, "healthy"},
		{"redis down", map[string]health.Checker{"redis": checkFunc(func(context.Context) error { return errors.New("refused") })}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(Handlers{Health: NewHealthHandlers(tt.checkers, nil)})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, w.Code)
			}
			if got := decodeBody[HealthResponse](t, w); got.Status != tt.wantBody {
				t.Errorf("expected status %q, got %q", tt.wantBody, got.Status)
			}

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != http.StatusOK {
				t.Errorf("liveness must not depend on checks, got %d", w.Code)
			}
		})
	}
}
