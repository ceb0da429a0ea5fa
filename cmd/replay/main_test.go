package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracking"
	"github.com/onnwee/wayfare/internal/trip"
)

func TestLoadSamples(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr error
	}{
		{name: "two samples", input: `[{"latitude":0,"longitude":0},{"latitude":0,"longitude":0.01,"accuracy":4}]`, want: 2},
		{name: "empty array", input: `[]`, wantErr: ErrNoSamples},
		{name: "not json", input: `lat,lng`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadSamples(strings.NewReader(tt.input))
			if tt.want == 0 {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d samples, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReplay_SavesTripAndPresence(t *testing.T) {
	presenceRepo := presence.NewInMemoryRepository()
	trips := trip.NewInMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	samples := []tracking.Sample{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 0.01},
		{Latitude: 0, Longitude: 0.02},
	}
	result, err := replay(context.Background(), options{UserID: "alice", Name: "Alice", Destination: "Hampi"},
		samples, presenceRepo, trips, time.Second, logger)
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if len(result.Path) != 3 || result.DistanceKm != 2.22 {
		t.Errorf("unexpected result: %d points, %v km", len(result.Path), result.DistanceKm)
	}
	if result.Trip == nil || result.Trip.UserID != "alice" {
		t.Fatalf("expected saved trip for alice, got %+v", result.Trip)
	}
	if trips.Count() != 1 {
		t.Errorf("expected one stored trip, got %d", trips.Count())
	}

	rec, err := presenceRepo.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("expected presence record: %v", err)
	}
	if rec.DisplayName != "Alice" || rec.Destination != "Hampi" {
		t.Errorf("unexpected presence record %+v", rec)
	}
}

func TestReplay_SingleSample(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	trips := trip.NewInMemoryRepository()

	samples := []tracking.Sample{{Latitude: 1, Longitude: 1}}
	result, err := replay(context.Background(), options{UserID: "alice"},
		samples, presence.NewInMemoryRepository(), trips, time.Second, logger)
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if result.Trip == nil {
		t.Fatal("expected a trip for a single-sample replay")
	}
	if result.DistanceKm != 0 {
		t.Errorf("DistanceKm = %v, want 0", result.DistanceKm)
	}
}
