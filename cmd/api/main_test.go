package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/wayfare/internal/auth"
	"github.com/onnwee/wayfare/internal/config"
	"github.com/onnwee/wayfare/internal/middleware"
)

const testSecret = "test-secret-with-enough-entropy-0123456789"

func testConfig() *config.Config {
	return &config.Config{
		Port:                         config.DefaultPort,
		Env:                          "test",
		JWTSecret:                    testSecret,
		FreshnessWindow:              config.DefaultFreshnessWindow,
		BroadcastInterval:            config.DefaultBroadcastInterval,
		ProximityRadiusKm:            config.DefaultProximityRadiusKm,
		AllowRerequestAfterReject:    true,
		RequireConnectionForMessages: true,
		FeedPollInterval:             config.DefaultFeedPollInterval,
		TracingExporter:              config.DefaultTracingExporter,
		RateLimitRequests:            100,
		RateLimitWindow:              time.Minute,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a, &logBuf
}

func bearer(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.NewJWTService(testSecret).GenerateAccessToken(userID, name, "")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return "Bearer " + token
}

func serve(a *app, method, path, authorization string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func TestNewApp_PublicEndpoints(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	tests := []struct {
		path     string
		contains string
	}{
		{"/health", `"status":"healthy"`},
		{"/ready", `"status":"healthy"`},
		{"/metrics", "go_goroutines"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := serve(a, http.MethodGet, tt.path, "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("expected body to contain %q, got %s", tt.contains, w.Body.String())
			}
			if w.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("expected a request id header")
			}
		})
	}
}

func TestNewApp_RequiresToken(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	if w := serve(a, http.MethodGet, "/matches", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := serve(a, http.MethodGet, "/matches", "Bearer not-a-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", w.Code)
	}
	if w := serve(a, http.MethodGet, "/matches", bearer(t, "alice", "Alice"), nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestNewApp_BroadcastThenMatch(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	alice := bearer(t, "alice", "Alice")
	bob := bearer(t, "bob", "Bob")

	w := serve(a, http.MethodPut, "/presence", alice, strings.NewReader(`{"latitude":15.335,"longitude":76.46,"destination":"Hampi"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("alice broadcast: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = serve(a, http.MethodPut, "/presence", bob, strings.NewReader(`{"latitude":15.336,"longitude":76.461,"destination":"hampi"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("bob broadcast: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(a, http.MethodGet, "/matches?lat=15.335&lng=76.46", alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("matches: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"user_id":"bob"`) || !strings.Contains(body, `"same_destination":true`) {
		t.Errorf("expected bob as a same-destination match, got %s", body)
	}
}

func TestNewApp_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRequests = 2
	a, _ := newTestApp(t, cfg)

	token := bearer(t, "alice", "Alice")
	for i := 0; i < 2; i++ {
		if w := serve(a, http.MethodGet, "/trips", token, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := serve(a, http.MethodGet, "/trips", token, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestNewApp_MetricsCountRequests(t *testing.T) {
	a, _ := newTestApp(t, testConfig())

	// Health checks are not counted, and a scrape is recorded only after its own response.
	serve(a, http.MethodGet, "/health", "", nil)
	if w := serve(a, http.MethodGet, "/metrics", "", nil); strings.Contains(w.Body.String(), middleware.MetricHTTPRequestsTotal+"{") {
		t.Errorf("health probes must not be counted, got %s", w.Body.String())
	}

	if w := serve(a, http.MethodGet, "/trips", bearer(t, "alice", "Alice"), nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /trips, got %d", w.Code)
	}
	w := serve(a, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(w.Body.String(), middleware.MetricHTTPRequestsTotal+"{") {
		t.Errorf("expected %s in metrics output", middleware.MetricHTTPRequestsTotal)
	}
}

func TestNewApp_InvalidDatabaseURL(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://wayfare@127.0.0.1:1/wayfare?sslmode=disable&connect_timeout=1"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := newApp(context.Background(), cfg, logger); err == nil {
		t.Fatal("expected error for unreachable database")
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	cfg := testConfig()
	cfg.Port = port

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	client := &http.Client{Timeout: time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not shut down in time")
	}

	logs := logBuf.String()
	for _, want := range []string{"starting server", "shutting down server..."} {
		if !strings.Contains(logs, want) {
			t.Errorf("expected log %q, got %s", want, logs)
		}
	}
}
