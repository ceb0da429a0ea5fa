// Package tracking turns a device position stream into a local trip view,
// throttled presence broadcasts and a persisted trip summary.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/wayfare/internal/geo"
)

// Default watch options requested by Start.
const (
	DefaultWatchTimeout = 30 * time.Second
)

// ErrDeviceUnavailable is matched by every geolocation failure.
var ErrDeviceUnavailable = errors.New("location device unavailable")

// ErrGeolocationUnsupported is returned when no geolocator is configured.
var ErrGeolocationUnsupported = fmt.Errorf("%w: geolocation not supported", ErrDeviceUnavailable)

// Sample is a single position fix reported by the device.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// Point returns the sample coordinates.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lng: s.Longitude}
}

// PositionErrorCode mirrors the device geolocation error codes.
type PositionErrorCode int

const (
	CodePermissionDenied    PositionErrorCode = 1
	CodePositionUnavailable PositionErrorCode = 2
	CodeTimeout             PositionErrorCode = 3
)

func (c PositionErrorCode) String() string {
	switch c {
	case CodePermissionDenied:
		return "permission denied, allow location access"
	case CodePositionUnavailable:
		return "position unavailable, check the GPS signal"
	case CodeTimeout:
		return "timed out acquiring a position"
	default:
		return "unable to track location"
	}
}

// PositionError is a device-reported geolocation failure.
type PositionError struct {
	Code PositionErrorCode
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("geolocation error (%d): %s", int(e.Code), e.Code)
}

// Is makes every PositionError match ErrDeviceUnavailable.
func (e *PositionError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// WatchOptions are the accuracy and timing hints passed to a Geolocator.
type WatchOptions struct {
	HighAccuracy bool
	MaximumAge   time.Duration
	// Timeout is the longest gap allowed between fixes before a
	// CodeTimeout error is emitted. Zero disables it.
	Timeout time.Duration
}

// DefaultWatchOptions returns high accuracy, no cached fixes and a 30s timeout.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{HighAccuracy: true, MaximumAge: 0, Timeout: DefaultWatchTimeout}
}

// Event carries either a sample or an error.
type Event struct {
	Sample Sample
	Err    error
}

// Watch is an active position subscription.
type Watch interface {
	// Events delivers samples in device order. It may be closed when the
	// source is exhausted.
	Events() <-chan Event
	// Stop detaches the subscription. Safe to call more than once.
	Stop()
}

// Geolocator starts position subscriptions.
type Geolocator interface {
	Watch(ctx context.Context, opts WatchOptions) (Watch, error)
}

// ChannelGeolocator is a Geolocator fed by a transport through Push and Fail.
// Only one watch is live at a time; a new Watch detaches the previous one.
type ChannelGeolocator struct {
	mu      sync.Mutex
	current *channelWatch
	opts    WatchOptions
	watches int
}

// NewChannelGeolocator creates a ChannelGeolocator.
func NewChannelGeolocator() *ChannelGeolocator {
	return &ChannelGeolocator{}
}

type channelWatch struct {
	events   chan Event
	activity chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (w *channelWatch) Events() <-chan Event { return w.events }

func (w *channelWatch) Stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *channelWatch) send(ev Event) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.events <- ev:
		select {
		case w.activity <- struct{}{}:
		default:
		}
		return true
	case <-w.done:
		return false
	}
}

func (w *channelWatch) watchTimeout(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.activity:
			timer.Reset(timeout)
		case <-timer.C:
			w.send(Event{Err: &PositionError{Code: CodeTimeout}})
			return
		}
	}
}

// Watch starts a subscription and detaches any previous one.
func (g *ChannelGeolocator) Watch(ctx context.Context, opts WatchOptions) (Watch, error) {
	w := &channelWatch{
		events:   make(chan Event),
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	previous := g.current
	g.current = w
	g.opts = opts
	g.watches++
	g.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	if opts.Timeout > 0 {
		go w.watchTimeout(opts.Timeout)
	}
	return w, nil
}

func (g *ChannelGeolocator) active() *channelWatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Push delivers a sample to the live watch. It blocks until the sample is
// taken or the watch stops, and reports whether it was delivered.
func (g *ChannelGeolocator) Push(s Sample) bool {
	w := g.active()
	if w == nil {
		return false
	}
	return w.send(Event{Sample: s})
}

// Fail delivers a device error to the live watch.
func (g *ChannelGeolocator) Fail(err error) bool {
	w := g.active()
	if w == nil {
		return false
	}
	return w.send(Event{Err: err})
}

// Options returns the options of the most recent Watch call.
func (g *ChannelGeolocator) Options() WatchOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opts
}

// Watches returns how many subscriptions have been started.
func (g *ChannelGeolocator) Watches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watches
}

// ReplayGeolocator plays back a recorded sample list, optionally followed by an error.
type ReplayGeolocator struct {
	Samples []Sample
	// Interval is the delay between samples. Zero replays as fast as the reader consumes.
	Interval time.Duration
	// Err, when set, is delivered after the last sample.
	Err error
}

type replayWatch struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (w *replayWatch) Events() <-chan Event { return w.events }

func (w *replayWatch) Stop() {
	w.once.Do(func() { close(w.done) })
}

// Watch starts the playback goroutine. The events channel is closed when
// playback ends.
func (g *ReplayGeolocator) Watch(ctx context.Context, opts WatchOptions) (Watch, error) {
	w := &replayWatch{events: make(chan Event), done: make(chan struct{})}
	samples := append([]Sample(nil), g.Samples...)

	go func() {
		defer close(w.events)
		deliver := func(ev Event) bool {
			select {
			case w.events <- ev:
				return true
			case <-w.done:
				return false
			case <-ctx.Done():
				return false
			}
		}
		for i, s := range samples {
			if i > 0 && g.Interval > 0 {
				select {
				case <-time.After(g.Interval):
				case <-w.done:
					return
				case <-ctx.Done():
					return
				}
			}
			if !deliver(Event{Sample: s}) {
				return
			}
		}
		if g.Err != nil {
			deliver(Event{Err: g.Err})
		}
	}()
	return w, nil
}
