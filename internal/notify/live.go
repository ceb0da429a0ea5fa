package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/wayfare/internal/events"
)

// DefaultPollInterval is how often a live feed is recomputed without a hub event.
const DefaultPollInterval = 5 * time.Second

// MaxPollInterval bounds the poll interval so missed events surface quickly.
const MaxPollInterval = 10 * time.Second

// ErrPollInterval is returned for a poll interval outside (0, MaxPollInterval].
var ErrPollInterval = errors.New("feed poll interval must be between 0 and 10s")

// Subscriber hands out per-user event channels; events.Hub satisfies it.
type Subscriber interface {
	Subscribe(userID string) (<-chan events.Event, func())
}

// Live pushes recomputed feeds to a sink until ctx is done or the sink fails.
// A feed is sent immediately, on every event for the user and on every poll tick.
type Live struct {
	Aggregator *Aggregator
	Hub        Subscriber
	Interval   time.Duration
}

// Run streams feeds for user to send.
func (l *Live) Run(ctx context.Context, user string, send func([]Item) error) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval > MaxPollInterval {
		return ErrPollInterval
	}

	var eventsCh <-chan events.Event
	if l.Hub != nil {
		ch, cancel := l.Hub.Subscribe(user)
		defer cancel()
		eventsCh = ch
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	push := func() error {
		items, err := l.Aggregator.Feed(ctx, user)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.Aggregator.logger.Warn("failed to compute feed",
				slog.String("user_id", user),
				slog.String("error", err.Error()))
			return nil
		}
		return send(items)
	}

	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			// Coalesce a burst of events into one recompute.
			drain(eventsCh)
			if err := push(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := push(); err != nil {
				return err
			}
		}
	}
}

func drain(ch <-chan events.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
