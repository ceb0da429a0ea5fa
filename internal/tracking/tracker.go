package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/wayfare/internal/geo"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/trip"
)

// DefaultBroadcastInterval is the minimum spacing between presence writes of a session.
const DefaultBroadcastInterval = 5 * time.Second

// DefaultBroadcastTimeout bounds a single presence write.
const DefaultBroadcastTimeout = 10 * time.Second

// Tracker errors.
var (
	ErrAlreadyTracking = errors.New("tracking already started")
	// ErrTripNotSaved means the trip was computed but could not be persisted.
	ErrTripNotSaved = errors.New("trip saved locally but failed to sync")
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	UserID      string
	DisplayName string
	// Destination defaults to presence.DefaultDestination.
	Destination string

	Geolocator Geolocator
	Presence   presence.Repository
	Trips      trip.Repository
	// Archiver is optional; when set the route is archived before the trip is written.
	Archiver Archiver
	// Active is optional.
	Active  *ActiveTrips
	Metrics *Metrics
	Logger  *slog.Logger

	BroadcastInterval time.Duration
	BroadcastTimeout  time.Duration
	WatchOptions      *WatchOptions

	// OnFailure is called once when a geolocation error ends a session.
	OnFailure func(error)
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Snapshot is the local view of the current trip.
type Snapshot struct {
	Tracking   bool      `json:"tracking"`
	Position   *Sample   `json:"position,omitempty"`
	Points     int       `json:"points"`
	DistanceKm float64   `json:"distance_km"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// StopResult is the locally computed summary of a finished session.
type StopResult struct {
	DistanceKm      float64     `json:"distance_km"`
	DurationMinutes float64     `json:"duration_minutes"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         time.Time   `json:"ended_at"`
	Path            []geo.Point `json:"path"`
	// Trip is the persisted record, nil when nothing was saved.
	Trip *trip.Trip `json:"trip,omitempty"`
}

// session holds the state of one Start..Stop cycle. The throttle slot lives
// here so every Start begins with a fresh window.
type session struct {
	watch     Watch
	ctx       context.Context
	startedAt time.Time

	mu            sync.Mutex
	stopped       bool
	path          []geo.Point
	last          *Sample
	lastBroadcast time.Time

	inflight sync.WaitGroup
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Tracker runs tracking sessions for one user.
type Tracker struct {
	cfg      TrackerConfig
	interval time.Duration
	timeout  time.Duration

	mu           sync.Mutex
	current      *session
	lastErr      error
	lastPosition *Sample
}

// NewTracker creates a Tracker, applying defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Destination == "" {
		cfg.Destination = presence.DefaultDestination
	}
	t := &Tracker{
		cfg:      cfg,
		interval: cfg.BroadcastInterval,
		timeout:  cfg.BroadcastTimeout,
	}
	if t.interval <= 0 {
		t.interval = DefaultBroadcastInterval
	}
	if t.timeout <= 0 {
		t.timeout = DefaultBroadcastTimeout
	}
	return t
}

// Start subscribes to the geolocator and begins a new session.
// It returns ErrAlreadyTracking without subscribing again if a session is running.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		return ErrAlreadyTracking
	}
	if t.cfg.Geolocator == nil {
		t.lastErr = ErrGeolocationUnsupported
		return ErrGeolocationUnsupported
	}

	opts := DefaultWatchOptions()
	if t.cfg.WatchOptions != nil {
		opts = *t.cfg.WatchOptions
	}
	watch, err := t.cfg.Geolocator.Watch(ctx, opts)
	if err != nil {
		t.lastErr = err
		return fmt.Errorf("failed to start position watch: %w", err)
	}

	sess := &session{
		watch:     watch,
		ctx:       context.WithoutCancel(ctx),
		startedAt: t.cfg.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	t.current = sess
	t.lastErr = nil
	t.cfg.Metrics.sessionStarted()
	if t.cfg.Active != nil {
		t.cfg.Active.Set(ActiveTrip{
			UserID:      t.cfg.UserID,
			Destination: t.cfg.Destination,
			StartedAt:   sess.startedAt,
		})
	}

	t.cfg.Logger.Info("tracking started",
		slog.String("user_id", t.cfg.UserID),
		slog.String("destination", t.cfg.Destination))

	go t.run(sess)
	return nil
}

func (t *Tracker) run(sess *session) {
	defer close(sess.doneCh)
	events := sess.watch.Events()
	for {
		select {
		case <-sess.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				t.fail(sess, ev.Err)
				return
			}
			t.handleSample(sess, ev.Sample)
		}
	}
}

func (t *Tracker) handleSample(sess *session, s Sample) {
	now := t.cfg.Now()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = now
	}

	sess.mu.Lock()
	if sess.stopped {
		sess.mu.Unlock()
		return
	}
	sess.path = append(sess.path, s.Point())
	sample := s
	sess.last = &sample

	if t.cfg.Active != nil {
		latest := s
		t.cfg.Active.Set(ActiveTrip{
			UserID:      t.cfg.UserID,
			Sample:      &latest,
			Destination: t.cfg.Destination,
			StartedAt:   sess.startedAt,
		})
	}

	// The slot is taken when the write is attempted, so a slow or failed
	// write still holds off the next one for a full interval.
	broadcast := sess.lastBroadcast.IsZero() || now.Sub(sess.lastBroadcast) >= t.interval
	if broadcast {
		sess.lastBroadcast = now
		sess.inflight.Add(1)
	}
	sess.mu.Unlock()

	t.cfg.Metrics.incSamples()
	if broadcast {
		go t.broadcast(sess, s, now)
	}
}

// broadcast writes the sample to the presence store. Failures are logged
// and counted; the next window retries with a fresher sample.
func (t *Tracker) broadcast(sess *session, s Sample, at time.Time) {
	defer sess.inflight.Done()
	if t.cfg.Presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, t.timeout)
	defer cancel()

	start := time.Now()
	err := t.cfg.Presence.Upsert(ctx, &presence.Record{
		UserID:      t.cfg.UserID,
		Latitude:    s.Latitude,
		Longitude:   s.Longitude,
		LastUpdated: at,
		DisplayName: t.cfg.DisplayName,
		Destination: t.cfg.Destination,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		t.cfg.Metrics.observeBroadcast(ResultFailure, elapsed)
		t.cfg.Logger.Warn("presence broadcast failed",
			slog.String("user_id", t.cfg.UserID),
			slog.String("error", err.Error()))
		return
	}
	t.cfg.Metrics.observeBroadcast(ResultSuccess, elapsed)
	t.cfg.Logger.Debug("presence broadcast",
		slog.String("user_id", t.cfg.UserID),
		slog.Float64("lat", s.Latitude),
		slog.Float64("lng", s.Longitude))
}

// fail ends the session after a geolocation error. No trip is written.
func (t *Tracker) fail(sess *session, err error) {
	t.mu.Lock()
	if t.current != sess {
		t.mu.Unlock()
		return
	}
	t.current = nil
	t.lastErr = err
	t.mu.Unlock()

	sess.mu.Lock()
	sess.stopped = true
	last := sess.last
	sess.mu.Unlock()

	sess.watch.Stop()
	t.rememberPosition(last)
	if t.cfg.Active != nil {
		t.cfg.Active.Clear(t.cfg.UserID, sess.startedAt)
	}
	t.cfg.Metrics.sessionEnded()

	code := "unknown"
	var posErr *PositionError
	if errors.As(err, &posErr) {
		code = strconv.Itoa(int(posErr.Code))
	}
	t.cfg.Metrics.incGeolocationErrors(code)
	t.cfg.Logger.Warn("tracking halted by geolocation error",
		slog.String("user_id", t.cfg.UserID),
		slog.String("error", err.Error()))

	if t.cfg.OnFailure != nil {
		t.cfg.OnFailure(err)
	}
}

// Stop ends the session and persists the trip. It returns (nil, nil) when
// not tracking. If the trip cannot be persisted the computed result is
// still returned together with an error wrapping ErrTripNotSaved.
func (t *Tracker) Stop(ctx context.Context) (*StopResult, error) {
	t.mu.Lock()
	sess := t.current
	if sess == nil {
		t.mu.Unlock()
		return nil, nil
	}
	t.current = nil
	t.mu.Unlock()

	sess.mu.Lock()
	sess.stopped = true
	sess.mu.Unlock()

	close(sess.stopCh)
	sess.watch.Stop()
	<-sess.doneCh
	t.waitInflight(ctx, sess)

	endedAt := t.cfg.Now()
	sess.mu.Lock()
	path := append([]geo.Point(nil), sess.path...)
	last := sess.last
	sess.mu.Unlock()

	t.rememberPosition(last)
	if t.cfg.Active != nil {
		t.cfg.Active.Clear(t.cfg.UserID, sess.startedAt)
	}
	t.cfg.Metrics.sessionEnded()

	result := &StopResult{
		DistanceKm:      geo.Round(geo.PathLength(path), 2),
		DurationMinutes: geo.Round(endedAt.Sub(sess.startedAt).Minutes(), 1),
		StartedAt:       sess.startedAt,
		EndedAt:         endedAt,
		Path:            path,
	}

	t.cfg.Logger.Info("tracking stopped",
		slog.String("user_id", t.cfg.UserID),
		slog.Int("points", len(path)),
		slog.Float64("distance_km", result.DistanceKm),
		slog.Float64("duration_minutes", result.DurationMinutes))

	if len(path) == 0 {
		return result, nil
	}

	record := &trip.Trip{
		UserID:          t.cfg.UserID,
		FromLocation:    path[0].String(),
		ToLocation:      path[len(path)-1].String(),
		DistanceKm:      result.DistanceKm,
		DurationMinutes: result.DurationMinutes,
		CreatedAt:       endedAt,
	}
	if t.cfg.Archiver != nil {
		key, err := t.cfg.Archiver.Archive(ctx, RouteArchive{
			UserID:    t.cfg.UserID,
			StartedAt: sess.startedAt,
			EndedAt:   endedAt,
			Path:      path,
		})
		if err != nil {
			t.cfg.Logger.Warn("route archive failed",
				slog.String("user_id", t.cfg.UserID),
				slog.String("error", err.Error()))
		} else {
			record.ArchiveKey = key
		}
	}

	if t.cfg.Trips == nil {
		return result, ErrTripNotSaved
	}
	if err := t.cfg.Trips.Create(ctx, record); err != nil {
		t.cfg.Metrics.incTripSaveFailures()
		t.cfg.Logger.Error("failed to save trip",
			slog.String("user_id", t.cfg.UserID),
			slog.String("error", err.Error()))
		return result, fmt.Errorf("%w: %w", ErrTripNotSaved, err)
	}
	t.cfg.Metrics.incTripsSaved()
	result.Trip = record
	return result, nil
}

func (t *Tracker) waitInflight(ctx context.Context, sess *session) {
	done := make(chan struct{})
	go func() {
		sess.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.cfg.Logger.Warn("stopped before pending broadcasts finished",
			slog.String("user_id", t.cfg.UserID))
	}
}

func (t *Tracker) rememberPosition(last *Sample) {
	if last == nil {
		return
	}
	t.mu.Lock()
	t.lastPosition = last
	t.mu.Unlock()
}

// Destination returns the destination label the session broadcasts.
func (t *Tracker) Destination() string {
	return t.cfg.Destination
}

// Tracking reports whether a session is running.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// LastError returns the error that ended or prevented the most recent session.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Done is closed when the running session stops reading positions, either
// because it was stopped or because the geolocator ran out of samples.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.current.doneCh
}

// Snapshot returns the current trip view. Outside a session it reports the
// last known position only.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	sess := t.current
	lastPosition := t.lastPosition
	t.mu.Unlock()

	if sess == nil {
		return Snapshot{Position: lastPosition}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	snap := Snapshot{
		Tracking:   true,
		Points:     len(sess.path),
		DistanceKm: geo.Round(geo.PathLength(sess.path), 2),
		StartedAt:  sess.startedAt,
	}
	if sess.last != nil {
		position := *sess.last
		snap.Position = &position
	}
	return snap
}
