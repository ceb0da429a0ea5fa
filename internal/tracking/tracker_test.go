package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/trip"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingPresence records Upsert calls and can be told to fail.
type countingPresence struct {
	*presence.InMemoryRepository
	upserts atomic.Int32
	fail    atomic.Bool
}

func (p *countingPresence) Upsert(ctx context.Context, r *presence.Record) error {
	p.upserts.Add(1)
	if p.fail.Load() {
		return errors.New("store unavailable")
	}
	return p.InMemoryRepository.Upsert(ctx, r)
}

type failingTrips struct{}

func (failingTrips) Create(context.Context, *trip.Trip) error {
	return errors.New("insert failed")
}

func (failingTrips) ListByUser(context.Context, string, int) ([]*trip.Trip, error) {
	return nil, nil
}

type stubArchiver struct {
	key   string
	err   error
	calls int
}

func (a *stubArchiver) Archive(ctx context.Context, route RouteArchive) (string, error) {
	a.calls++
	return a.key, a.err
}

type harness struct {
	tracker  *Tracker
	geo      *ChannelGeolocator
	clock    *fakeClock
	presence *countingPresence
	trips    *trip.InMemoryRepository
	active   *ActiveTrips
	metrics  *Metrics
}

func newHarness(t *testing.T, mutate func(*TrackerConfig)) *harness {
	t.Helper()
	h := &harness{
		geo:      NewChannelGeolocator(),
		clock:    newFakeClock(),
		presence: &countingPresence{InMemoryRepository: presence.NewInMemoryRepository()},
		trips:    trip.NewInMemoryRepository(),
		active:   NewActiveTrips(),
		metrics:  NewMetrics(),
	}
	noTimeout := WatchOptions{HighAccuracy: true}
	cfg := TrackerConfig{
		UserID:       "traveler-1",
		DisplayName:  "Maya",
		Destination:  "Hampi",
		Geolocator:   h.geo,
		Presence:     h.presence,
		Trips:        h.trips,
		Active:       h.active,
		Metrics:      h.metrics,
		WatchOptions: &noTimeout,
		Now:          h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.tracker = NewTracker(cfg)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// push delivers a sample at the given clock time and waits until the tracker has recorded it.
func (h *harness) push(t *testing.T, at time.Time, lat, lng float64) {
	t.Helper()
	want := h.tracker.Snapshot().Points + 1
	h.clock.Set(at)
	if !h.geo.Push(Sample{Latitude: lat, Longitude: lng, Accuracy: 5, CapturedAt: at}) {
		t.Fatalf("sample at %v was not delivered", at)
	}
	waitFor(t, "sample to be recorded", func() bool { return h.tracker.Snapshot().Points == want })
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestTracker_StartTwiceKeepsSingleSubscription(t *testing.T) {
	h := newHarness(t, func(cfg *TrackerConfig) { cfg.WatchOptions = nil })
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.tracker.Start(ctx); !errors.Is(err, ErrAlreadyTracking) {
		t.Fatalf("expected ErrAlreadyTracking, got %v", err)
	}
	if got := h.geo.Watches(); got != 1 {
		t.Errorf("expected 1 subscription, got %d", got)
	}
	if got := h.geo.Options(); got != DefaultWatchOptions() {
		t.Errorf("expected default watch options, got %+v", got)
	}
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestTracker_ThrottlesBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.clock.Now()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Ten samples inside one five-second window.
	for i := 0; i < 10; i++ {
		h.push(t, start.Add(time.Duration(i)*490*time.Millisecond), 12.97, 77.59)
	}
	// Exactly one interval after the first write opens the next window.
	h.push(t, start.Add(5*time.Second), 12.98, 77.60)
	h.push(t, start.Add(9*time.Second), 12.98, 77.60)

	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := h.presence.upserts.Load(); got != 2 {
		t.Errorf("expected 2 presence writes, got %d", got)
	}
	record, err := h.presence.Get(ctx, "traveler-1")
	if err != nil {
		t.Fatalf("presence not written: %v", err)
	}
	if record.Latitude != 12.98 || record.Destination != "Hampi" || record.DisplayName != "Maya" {
		t.Errorf("unexpected presence record %+v", record)
	}
	if got := counterValue(t, h.metrics.samples); got != 12 {
		t.Errorf("expected 12 samples counted, got %v", got)
	}
}

func TestTracker_ThrottleWindowResetsOnRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.clock.Now()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, start, 1, 1)
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	h.push(t, start.Add(time.Second), 1, 1.001)
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := h.presence.upserts.Load(); got != 2 {
		t.Errorf("expected a fresh throttle window per session, got %d writes", got)
	}
}

func TestTracker_StopComputesTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	start := h.clock.Now()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, start, 0, 0)
	h.push(t, start.Add(time.Minute), 0, 0.01)
	h.push(t, start.Add(2*time.Minute), 0, 0.02)

	result, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if result.DistanceKm != 2.22 {
		t.Errorf("expected 2.22 km, got %v", result.DistanceKm)
	}
	if result.DurationMinutes != 2.0 {
		t.Errorf("expected 2.0 minutes, got %v", result.DurationMinutes)
	}
	if result.Trip == nil {
		t.Fatal("expected trip to be saved")
	}
	if result.Trip.FromLocation != "0, 0" || result.Trip.ToLocation != "0, 0.02" {
		t.Errorf("unexpected locations %q -> %q", result.Trip.FromLocation, result.Trip.ToLocation)
	}

	trips, _ := h.trips.ListByUser(ctx, "traveler-1", 0)
	if len(trips) != 1 || trips[0].DistanceKm != 2.22 {
		t.Fatalf("expected one stored trip of 2.22 km, got %+v", trips)
	}
	if got := h.presence.upserts.Load(); got != 3 {
		t.Errorf("expected 3 broadcasts a minute apart, got %d", got)
	}
}

func TestTracker_DoubleStopSavesOneTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, h.clock.Now(), 10, 10)

	var wg sync.WaitGroup
	results := make(chan *StopResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.tracker.Stop(ctx)
			if err != nil {
				t.Errorf("Stop failed: %v", err)
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	nonNil := 0
	for r := range results {
		if r != nil {
			nonNil++
		}
	}
	if nonNil != 1 {
		t.Errorf("expected exactly one Stop to produce a result, got %d", nonNil)
	}
	if h.trips.Count() != 1 {
		t.Errorf("expected 1 trip, got %d", h.trips.Count())
	}

	if result, err := h.tracker.Stop(ctx); result != nil || err != nil {
		t.Errorf("Stop when idle = (%v, %v), want (nil, nil)", result, err)
	}
}

func TestTracker_StopWithoutSamplesWritesNoTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.Advance(30 * time.Second)

	result, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if result == nil || result.Trip != nil {
		t.Fatalf("expected local result without trip, got %+v", result)
	}
	if result.DurationMinutes != 0.5 {
		t.Errorf("expected 0.5 minutes, got %v", result.DurationMinutes)
	}
	if h.trips.Count() != 0 {
		t.Errorf("expected no trip, got %d", h.trips.Count())
	}
}

func TestTracker_TripSaveFailureIsSoft(t *testing.T) {
	h := newHarness(t, func(cfg *TrackerConfig) { cfg.Trips = failingTrips{} })
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, h.clock.Now(), 0, 0)
	h.push(t, h.clock.Now().Add(time.Minute), 0, 0.01)

	result, err := h.tracker.Stop(ctx)
	if !errors.Is(err, ErrTripNotSaved) {
		t.Fatalf("expected ErrTripNotSaved, got %v", err)
	}
	if result == nil || result.DistanceKm != 1.11 {
		t.Fatalf("expected local result of 1.11 km, got %+v", result)
	}
	if h.tracker.Tracking() {
		t.Error("tracker should not be tracking after Stop")
	}
	if got := counterValue(t, h.metrics.tripSaveFailures); got != 1 {
		t.Errorf("expected 1 save failure counted, got %v", got)
	}
}

func TestTracker_BroadcastFailureKeepsTracking(t *testing.T) {
	h := newHarness(t, nil)
	h.presence.fail.Store(true)
	ctx := context.Background()
	start := h.clock.Now()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, start, 1, 1)
	h.push(t, start.Add(6*time.Second), 1, 1.01)

	if !h.tracker.Tracking() {
		t.Fatal("broadcast failure must not stop tracking")
	}
	result, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(result.Path) != 2 {
		t.Errorf("expected 2 path points, got %d", len(result.Path))
	}
	if got := h.presence.upserts.Load(); got != 2 {
		t.Errorf("expected 2 attempted writes, got %d", got)
	}
}

func TestTracker_ActiveTripRegisteredOnStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	entry, ok := h.active.Get("traveler-1")
	if !ok {
		t.Fatal("expected active trip entry before the first fix")
	}
	if entry.Sample != nil || entry.Destination != "Hampi" || entry.StartedAt.IsZero() {
		t.Errorf("unexpected entry before first fix: %+v", entry)
	}

	h.push(t, h.clock.Now(), 12.97, 77.59)
	entry, _ = h.active.Get("traveler-1")
	if entry.Sample == nil || entry.Sample.Latitude != 12.97 {
		t.Errorf("expected latest sample on entry, got %+v", entry.Sample)
	}

	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := h.active.Get("traveler-1"); ok {
		t.Error("active trip entry should be cleared on stop")
	}
}

func TestTracker_GeolocationErrorHaltsSession(t *testing.T) {
	var failures atomic.Int32
	var reported atomic.Value
	h := newHarness(t, func(cfg *TrackerConfig) {
		cfg.OnFailure = func(err error) {
			failures.Add(1)
			reported.Store(err)
		}
	})
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, h.clock.Now(), 1, 1)
	if _, ok := h.active.Get("traveler-1"); !ok {
		t.Fatal("expected active trip entry while tracking")
	}

	h.geo.Fail(&PositionError{Code: CodePermissionDenied})
	waitFor(t, "session to halt", func() bool { return !h.tracker.Tracking() })

	if !errors.Is(h.tracker.LastError(), ErrDeviceUnavailable) {
		t.Errorf("LastError = %v, want device unavailable", h.tracker.LastError())
	}
	if failures.Load() != 1 {
		t.Errorf("expected OnFailure once, got %d", failures.Load())
	}
	var posErr *PositionError
	if err, _ := reported.Load().(error); !errors.As(err, &posErr) || posErr.Code != CodePermissionDenied {
		t.Errorf("unexpected reported error %v", reported.Load())
	}
	if _, ok := h.active.Get("traveler-1"); ok {
		t.Error("active trip entry should be cleared")
	}

	if result, err := h.tracker.Stop(ctx); result != nil || err != nil {
		t.Errorf("Stop after failure = (%v, %v), want (nil, nil)", result, err)
	}
	if h.trips.Count() != 0 {
		t.Errorf("no trip should be written after a device error, got %d", h.trips.Count())
	}
}

func TestTracker_WatchTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *TrackerConfig) {
		cfg.WatchOptions = &WatchOptions{HighAccuracy: true, Timeout: 20 * time.Millisecond}
	})

	if err := h.tracker.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "timeout to halt session", func() bool { return !h.tracker.Tracking() })

	var posErr *PositionError
	if !errors.As(h.tracker.LastError(), &posErr) || posErr.Code != CodeTimeout {
		t.Errorf("expected timeout error, got %v", h.tracker.LastError())
	}
}

func TestTracker_NoGeolocator(t *testing.T) {
	h := newHarness(t, func(cfg *TrackerConfig) { cfg.Geolocator = nil })

	err := h.tracker.Start(context.Background())
	if !errors.Is(err, ErrGeolocationUnsupported) || !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected unsupported device error, got %v", err)
	}
	if h.tracker.Tracking() {
		t.Error("tracker must not be tracking")
	}
}

func TestTracker_LateSampleAfterStopIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.push(t, h.clock.Now(), 1, 1)

	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.geo.Push(Sample{Latitude: 2, Longitude: 2}) {
		t.Error("sample delivered to a stopped watch")
	}

	snap := h.tracker.Snapshot()
	if snap.Tracking || snap.Points != 0 {
		t.Errorf("stopped tracker resurrected: %+v", snap)
	}
	if snap.Position == nil || snap.Position.Latitude != 1 {
		t.Errorf("expected last known position to remain, got %+v", snap.Position)
	}
	if h.active.Len() != 0 {
		t.Error("active trips should be empty after Stop")
	}
}

func TestTracker_ArchivesRoute(t *testing.T) {
	tests := []struct {
		name    string
		archive *stubArchiver
		wantKey string
	}{
		{name: "archived", archive: &stubArchiver{key: "routes/traveler-1/1.json"}, wantKey: "routes/traveler-1/1.json"},
		{name: "archive failure is not fatal", archive: &stubArchiver{err: errors.New("bucket down")}, wantKey: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *TrackerConfig) { cfg.Archiver = tt.archive })
			ctx := context.Background()
			if err := h.tracker.Start(ctx); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			h.push(t, h.clock.Now(), 1, 1)

			result, err := h.tracker.Stop(ctx)
			if err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
			if tt.archive.calls != 1 {
				t.Errorf("expected 1 archive call, got %d", tt.archive.calls)
			}
			if result.Trip.ArchiveKey != tt.wantKey {
				t.Errorf("ArchiveKey = %q, want %q", result.Trip.ArchiveKey, tt.wantKey)
			}
		})
	}
}

func TestTracker_ReplayUntilDone(t *testing.T) {
	h := newHarness(t, func(cfg *TrackerConfig) {
		cfg.Geolocator = &ReplayGeolocator{Samples: []Sample{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 0.01},
			{Latitude: 0, Longitude: 0.02},
		}}
	})
	ctx := context.Background()

	if err := h.tracker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-h.tracker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}

	result, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(result.Path) != 3 || result.DistanceKm != 2.22 {
		t.Errorf("unexpected replay result: %d points, %v km", len(result.Path), result.DistanceKm)
	}
	// All samples share one clock instant, so only the first is broadcast.
	if got := h.presence.upserts.Load(); got != 1 {
		t.Errorf("expected 1 write, got %d", got)
	}
}
