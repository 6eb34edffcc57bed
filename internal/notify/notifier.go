// Package notify fans operator messages out to chat channels. Messages are
// HTML; senders that cannot render it flatten it with PlainText.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sender is one chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier delivers to every sender at once. Notify honours the configured
// event allow list and suppresses a message identical to one sent within the
// cooldown; NotifyAll skips both checks.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
		recent:  make(map[string]time.Time),
	}
}

// WithCooldown sets the repeat suppression window. Zero disables it.
func (n *Notifier) WithCooldown(d time.Duration) *Notifier {
	n.cooldown = d
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends message when event is allowed and not a recent repeat.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.repeated(event + "\x00" + title + "\x00" + message) {
		n.logger.DebugContext(ctx, "repeat suppressed",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.fanOut(ctx, title, message)
}

// NotifyAll sends regardless of event filter and cooldown.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.fanOut(ctx, title, message)
}

func (n *Notifier) repeated(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	for k, at := range n.recent {
		if now.Sub(at) >= n.cooldown {
			delete(n.recent, k)
		}
	}
	if _, ok := n.recent[key]; ok {
		return true
	}
	n.recent[key] = now
	return false
}

// fanOut sends to all senders concurrently. One failing sender never stops
// the others; their errors are joined.
func (n *Notifier) fanOut(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	errs := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return nil
			}
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
