package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/wayfare/internal/events"
)

// UnknownName is shown when a counterpart's display name cannot be resolved.
const UnknownName = "Unknown"

// NameResolver looks up display names; presence.Repository satisfies it.
type NameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// View is a request enriched for display.
type View struct {
	*Request
	CounterpartID   string `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
	ReasonLabel     string `json:"reason_label"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Repository Repository
	Names      NameResolver
	// Publisher is optional.
	Publisher events.Publisher
	Policy    CreatePolicy
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service runs the request state machine on top of a Repository.
type Service struct {
	repo      Repository
	names     NameResolver
	publisher events.Publisher
	policy    CreatePolicy
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:      cfg.Repository,
		names:     cfg.Names,
		publisher: cfg.Publisher,
		policy:    cfg.Policy,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// SendRequest creates a pending request from sender to receiver.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID, reason string) (*Request, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return nil, ErrMissingUser
	}
	if senderID == receiverID {
		return nil, ErrSelfRequest
	}

	req := &Request{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Reason:     ParseReason(reason),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.Create(ctx, req, s.policy); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyConnected):
			s.metrics.incRefused("already_connected")
		case errors.Is(err, ErrRequestAlreadySent):
			s.metrics.incRefused("already_sent")
		case errors.Is(err, ErrPreviouslyRejected):
			s.metrics.incRefused("previously_rejected")
		}
		return nil, err
	}

	s.metrics.incSent(req.Reason)
	s.logger.Info("connection request sent",
		slog.String("request_id", req.ID),
		slog.String("sender_id", senderID),
		slog.String("receiver_id", receiverID),
		slog.String("reason", string(req.Reason)))

	s.publish(ctx, events.Event{
		Type:      events.TypeRequestCreated,
		UserID:    receiverID,
		ActorID:   senderID,
		SubjectID: req.ID,
		At:        req.CreatedAt,
	})
	return req, nil
}

// Respond resolves a pending request. Only the receiver may respond and
// only once.
func (s *Service) Respond(ctx context.Context, requestID, actingUser string, decision Status) (*Request, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return nil, ErrInvalidDecision
	}

	req, err := s.repo.Resolve(ctx, requestID, actingUser, decision)
	if err != nil {
		return nil, err
	}

	s.metrics.incResponse(decision)
	s.logger.Info("connection request resolved",
		slog.String("request_id", req.ID),
		slog.String("receiver_id", actingUser),
		slog.String("status", string(decision)))

	s.publish(ctx, events.Event{
		Type:      events.TypeRequestResolved,
		UserID:    req.SenderID,
		ActorID:   actingUser,
		SubjectID: req.ID,
		At:        req.UpdatedAt,
	})
	return req, nil
}

// StatusBetween reports the pair's status regardless of direction.
func (s *Service) StatusBetween(ctx context.Context, a, b string) (Status, error) {
	requests, err := s.repo.FindBetween(ctx, a, b)
	if err != nil {
		return "", fmt.Errorf("failed to load connection status: %w", err)
	}
	if effective := Effective(requests); effective != nil {
		return effective.Status, nil
	}
	return StatusNone, nil
}

// IncomingPending lists requests waiting on user, newest first.
func (s *Service) IncomingPending(ctx context.Context, user string) ([]View, error) {
	requests, err := s.repo.ListIncomingPending(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, user, requests), nil
}

// SentByUser lists requests user has sent, newest first.
func (s *Service) SentByUser(ctx context.Context, user string) ([]View, error) {
	requests, err := s.repo.ListSent(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, user, requests), nil
}

// enrich resolves counterpart names. A failed lookup degrades to UnknownName.
func (s *Service) enrich(ctx context.Context, user string, requests []*Request) []View {
	ids := make([]string, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.Counterpart(user))
	}

	var names map[string]string
	if s.names != nil && len(ids) > 0 {
		var err error
		names, err = s.names.DisplayNames(ctx, ids)
		if err != nil {
			s.logger.Warn("failed to resolve display names", slog.String("error", err.Error()))
		}
	}

	views := make([]View, 0, len(requests))
	for _, r := range requests {
		other := r.Counterpart(user)
		name := names[other]
		if name == "" {
			name = UnknownName
		}
		views = append(views, View{
			Request:         r,
			CounterpartID:   other,
			CounterpartName: name,
			ReasonLabel:     r.Reason.Label(),
		})
	}
	return views
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, event)
	}
}
