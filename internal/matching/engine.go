package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/geo"
	"github.com/onnwee/wayfare/internal/presence"
	"github.com/onnwee/wayfare/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for EngineConfig.
const (
	DefaultFreshnessWindow = 30 * time.Second
	DefaultRadiusKm        = 5.0
)

// ErrMissingUserID is returned for a query without a caller.
var ErrMissingUserID = errors.New("matching query requires a user id")

// State is the caller's relationship to a candidate as shown in the UI.
type State string

// Candidate states.
const (
	StateConnected State = "connected"
	StatePending   State = "pending"
	StateAvailable State = "available"
	// StateDeclined appears only when re-requests after a rejection are disabled.
	StateDeclined State = "declined"
)

// PresenceSource is the read side of the presence store.
type PresenceSource interface {
	ListFresh(ctx context.Context, since time.Time, excludeUserID string) ([]*presence.Record, error)
}

// ConnectionSource lists every request involving a user.
type ConnectionSource interface {
	ListForUser(ctx context.Context, user string) ([]*connection.Request, error)
}

// Query asks for the caller's nearby travelers.
type Query struct {
	UserID string
	// Location is the caller's position; nil when unknown.
	Location *geo.Point
	// Now overrides the engine clock.
	Now time.Time
}

// Candidate is one visible traveler.
type Candidate struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name"`
	Destination string `json:"destination"`
	// DistanceKm is rounded to one decimal; nil when the caller's location is unknown.
	DistanceKm *float64 `json:"distance_km"`
	State      State    `json:"state"`
	// RequestID is the request behind State, if any.
	RequestID string `json:"request_id,omitempty"`
	// Incoming is true when a pending request was sent by the candidate.
	Incoming        bool       `json:"incoming,omitempty"`
	SameDestination bool       `json:"same_destination"`
	Area            string     `json:"area"`
	Location        *geo.Point `json:"location,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
	SeenLabel       string     `json:"seen"`
}

// Result is the ranked candidate list.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	// ConnectedCount counts all accepted connections of the caller, visible or not.
	ConnectedCount int `json:"connected_count"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Presence        PresenceSource
	Connections     ConnectionSource
	FreshnessWindow time.Duration
	RadiusKm        float64
	Policy          connection.CreatePolicy
	Metrics         *Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

// Engine answers proximity queries. It only reads.
type Engine struct {
	presence    PresenceSource
	connections ConnectionSource
	freshness   time.Duration
	radiusKm    float64
	policy      connection.CreatePolicy
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an Engine, applying defaults for zero values.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		presence:    cfg.Presence,
		connections: cfg.Connections,
		freshness:   cfg.FreshnessWindow,
		radiusKm:    cfg.RadiusKm,
		policy:      cfg.Policy,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Nearby returns the caller's visible travelers, nearest first.
func (e *Engine) Nearby(ctx context.Context, q Query) (_ *Result, err error) {
	if q.UserID == "" {
		return nil, ErrMissingUserID
	}
	ctx, end := tracing.StartSpan(ctx, "matching.nearby", attribute.Bool("has_location", q.Location != nil))
	defer func() { end(err) }()
	now := q.Now
	if now.IsZero() {
		now = e.now()
	}
	start := time.Now()

	records, err := e.presence.ListFresh(ctx, now.Add(-e.freshness), q.UserID)
	if err != nil {
		e.metrics.incQuery(ResultFailure)
		return nil, fmt.Errorf("failed to load presence: %w", err)
	}
	requests, err := e.connections.ListForUser(ctx, q.UserID)
	if err != nil {
		e.metrics.incQuery(ResultFailure)
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	byPeer := connection.ByCounterpart(q.UserID, requests)

	result := &Result{Candidates: make([]Candidate, 0, len(records))}
	for _, req := range byPeer {
		if req.Status == connection.StatusAccepted {
			result.ConnectedCount++
		}
	}

	if q.Location != nil && !q.Location.Valid() {
		q.Location = nil
	}

	for _, rec := range records {
		c := e.candidate(q, rec, byPeer[rec.UserID], now)
		if c.State != StateConnected && (c.DistanceKm == nil || *c.DistanceKm > e.radiusKm) {
			continue
		}
		result.Candidates = append(result.Candidates, c)
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i].DistanceKm, result.Candidates[j].DistanceKm
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})

	e.metrics.incQuery(ResultSuccess)
	e.metrics.observe(len(result.Candidates), time.Since(start))
	e.logger.Debug("nearby query",
		slog.String("user_id", q.UserID),
		slog.Int("fresh", len(records)),
		slog.Int("candidates", len(result.Candidates)))
	return result, nil
}

func (e *Engine) candidate(q Query, rec *presence.Record, req *connection.Request, now time.Time) Candidate {
	c := Candidate{
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		Destination: rec.Destination,
		State:       e.state(req),
		LastUpdated: rec.LastUpdated,
		SeenLabel:   SeenLabel(now.Sub(rec.LastUpdated)),
	}
	if c.Destination == "" {
		c.Destination = presence.DefaultDestination
	}
	if req != nil && req.Status != connection.StatusRejected {
		c.RequestID = req.ID
		c.Incoming = req.Status == connection.StatusPending && req.SenderID == rec.UserID
	}

	if q.Location != nil {
		d := geo.Round(geo.Distance(*q.Location, rec.Point()), 1)
		c.DistanceKm = &d
		c.SameDestination = rec.HasDestination()
	}

	hash := rec.Geohash
	if hash == "" {
		hash = geo.Encode(rec.Latitude, rec.Longitude, geo.StoragePrecision)
	}
	c.Area = geo.Coarsen(hash, geo.DefaultPrecision)
	if c.State == StateConnected {
		p := rec.Point()
		c.Location = &p
	}
	return c
}

func (e *Engine) state(req *connection.Request) State {
	if req == nil {
		return StateAvailable
	}
	switch req.Status {
	case connection.StatusAccepted:
		return StateConnected
	case connection.StatusPending:
		return StatePending
	case connection.StatusRejected:
		if !e.policy.AllowRerequestAfterReject {
			return StateDeclined
		}
	}
	return StateAvailable
}

// SeenLabel renders how long ago a presence was updated.
func SeenLabel(age time.Duration) string {
	seconds := int(age / time.Second)
	switch {
	case seconds < 10:
		return "Just now"
	case seconds < 60:
		return fmt.Sprintf("%ds ago", seconds)
	default:
		return fmt.Sprintf("%dm ago", seconds/60)
	}
}
