// Package notify merges pending connection requests and unread messages
// into one feed, newest first.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/onnwee/wayfare/internal/connection"
	"github.com/onnwee/wayfare/internal/message"
	"github.com/onnwee/wayfare/internal/tracing"
)

// Item kinds.
const (
	KindRequest = "request"
	KindMessage = "message"
)

// Fallback names for counterparts without a known display name.
const (
	UnknownRequester = "Someone"
	UnknownSender    = "Unknown User"
)

// PreviewLength caps message previews in feed descriptions, in runes.
const PreviewLength = 80

// ErrNotDismissible is returned when marking a request item read.
var ErrNotDismissible = errors.New("connection requests are cleared by responding, not by marking read")

// ErrUnknownKind is returned for a notification kind other than request or message.
var ErrUnknownKind = errors.New("unknown notification kind")

// Item is one feed entry.
type Item struct {
	Kind          string    `json:"kind"`
	ID            string    `json:"id"`
	CounterpartID string    `json:"counterpart_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RequestSource lists pending requests addressed to a user.
type RequestSource interface {
	ListIncomingPending(ctx context.Context, user string) ([]*connection.Request, error)
}

// MessageSource lists and marks unread messages.
type MessageSource interface {
	Unread(ctx context.Context, user string) ([]*message.Message, error)
	MarkRead(ctx context.Context, id, actingUser string) error
}

// NameResolver looks up display names.
type NameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Aggregator builds notification feeds.
type Aggregator struct {
	requests RequestSource
	messages MessageSource
	names    NameResolver
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. names may be nil.
func NewAggregator(requests RequestSource, messages MessageSource, names NameResolver, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		requests: requests,
		messages: messages,
		names:    names,
		logger:   logger,
	}
}

// Feed returns the user's pending requests and unread messages, most recent first.
func (a *Aggregator) Feed(ctx context.Context, user string) (_ []Item, err error) {
	ctx, end := tracing.StartSpan(ctx, "notify.feed")
	defer func() { end(err) }()

	requests, err := a.requests.ListIncomingPending(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending requests: %w", err)
	}
	unread, err := a.messages.Unread(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load unread messages: %w", err)
	}

	ids := make([]string, 0, len(requests)+len(unread))
	for _, r := range requests {
		ids = append(ids, r.SenderID)
	}
	for _, m := range unread {
		ids = append(ids, m.SenderID)
	}
	names := a.lookup(ctx, ids)

	items := make([]Item, 0, len(ids))
	for _, r := range requests {
		name := nameOr(names, r.SenderID, UnknownRequester)
		items = append(items, Item{
			Kind:          KindRequest,
			ID:            r.ID,
			CounterpartID: r.SenderID,
			Title:         name + " wants to connect",
			Description:   r.Reason.Label(),
			OccurredAt:    r.CreatedAt,
		})
	}
	for _, m := range unread {
		name := nameOr(names, m.SenderID, UnknownSender)
		items = append(items, Item{
			Kind:          KindMessage,
			ID:            m.ID,
			CounterpartID: m.SenderID,
			Title:         "New message from " + name,
			Description:   preview(m.Content),
			OccurredAt:    m.CreatedAt,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].OccurredAt.After(items[j].OccurredAt)
	})
	return items, nil
}

// MarkRead dismisses a message item. Request items are rejected with ErrNotDismissible.
func (a *Aggregator) MarkRead(ctx context.Context, user, kind, id string) error {
	switch kind {
	case KindMessage:
		return a.messages.MarkRead(ctx, id, user)
	case KindRequest:
		return ErrNotDismissible
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (a *Aggregator) lookup(ctx context.Context, ids []string) map[string]string {
	if a.names == nil || len(ids) == 0 {
		return nil
	}
	names, err := a.names.DisplayNames(ctx, ids)
	if err != nil {
		a.logger.Warn("failed to resolve display names", slog.String("error", err.Error()))
		return nil
	}
	return names
}

func nameOr(names map[string]string, id, fallback string) string {
	if name := names[id]; name != "" {
		return name
	}
	return fallback
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength-1]) + "…"
}
