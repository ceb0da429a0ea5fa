package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/events"
	"github.com/onnwee/wayfare/internal/validate"
)

// ConnectionChecker reports a pair's connection status; connection.Service satisfies it.
type ConnectionChecker interface {
	StatusBetween(ctx context.Context, a, b string) (connection.Status, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Repository Repository
	// Connections gates Send on an accepted connection when set.
	Connections ConnectionChecker
	Publisher   events.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service sends and reads messages.
type Service struct {
	repo        Repository
	connections ConnectionChecker
	publisher   events.Publisher
	logger      *slog.Logger
	now         func() time.Time
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
		repo:        cfg.Repository,
		connections: cfg.Connections,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Send validates and stores a message from sender to receiver.
func (s *Service) Send(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)
	if senderID == "" || receiverID == "" {
		return nil, ErrMissingUser
	}
	if senderID == receiverID {
		return nil, ErrSelfMessage
	}

	body, err := validate.MessageContent(content)
	if err != nil {
		return nil, err
	}

	if s.connections != nil {
		status, err := s.connections.StatusBetween(ctx, senderID, receiverID)
		if err != nil {
			return nil, fmt.Errorf("failed to check connection: %w", err)
		}
		if status != connection.StatusAccepted {
			return nil, ErrNotConnected
		}
	}

	msg := &Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, msg); err != nil {
		return nil, err
	}

	s.logger.Debug("message sent",
		slog.String("message_id", msg.ID),
		slog.String("sender_id", senderID),
		slog.String("receiver_id", receiverID))

	s.publish(ctx, events.Event{
		Type:      events.TypeMessageCreated,
		UserID:    receiverID,
		ActorID:   senderID,
		SubjectID: msg.ID,
		At:        msg.CreatedAt,
	})
	return msg, nil
}

// Conversation returns the messages between user and other, oldest first.
func (s *Service) Conversation(ctx context.Context, user, other string, limit int) ([]*Message, error) {
	if strings.TrimSpace(user) == "" || strings.TrimSpace(other) == "" {
		return nil, ErrMissingUser
	}
	return s.repo.Conversation(ctx, user, other, limit)
}

// Unread returns unread messages addressed to user, newest first.
func (s *Service) Unread(ctx context.Context, user string) ([]*Message, error) {
	return s.repo.ListUnread(ctx, user)
}

// MarkRead marks a message read on behalf of actingUser, who must be its receiver.
func (s *Service) MarkRead(ctx context.Context, id, actingUser string) error {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.ReceiverID != actingUser {
		return ErrUnauthorized
	}
	if msg.IsRead {
		return nil
	}
	if err := s.repo.MarkRead(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, events.Event{
		Type:      events.TypeMessageRead,
		UserID:    msg.SenderID,
		ActorID:   actingUser,
		SubjectID: msg.ID,
		At:        s.now().UTC(),
	})
	return nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, event)
	}
}
