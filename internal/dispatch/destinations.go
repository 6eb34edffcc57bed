package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/notify"
)

// StreamDestination appends mirror actions to a Redis stream read by the
// execution service, which dedupes on the action id.
type StreamDestination struct {
	bus    domain.ActionBus
	stream string
}

// NewStreamDestination creates the execution stream destination.
func NewStreamDestination(bus domain.ActionBus, stream string) *StreamDestination {
	return &StreamDestination{bus: bus, stream: stream}
}

func (s *StreamDestination) Name() string { return "stream" }

func (s *StreamDestination) Accepts(kind domain.ActionKind) bool { return kind == domain.ActionMirror }

func (s *StreamDestination) Deliver(ctx context.Context, a domain.Action) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("dispatch: stream: marshal: %w: %w", err, domain.ErrPermanent)
	}
	if err := s.bus.StreamAppend(ctx, s.stream, a.ID, payload); err != nil {
		return fmt.Errorf("dispatch: stream: %w", err)
	}
	return nil
}

// Broadcaster publishes on a named channel. The Redis action bus and the
// in-process WebSocket hub both satisfy it.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// FeedDestination publishes every action on a pub/sub channel for live
// viewers.
type FeedDestination struct {
	bus     Broadcaster
	channel string
}

// NewFeedDestination creates the observability feed.
func NewFeedDestination(bus Broadcaster, channel string) *FeedDestination {
	return &FeedDestination{bus: bus, channel: channel}
}

func (f *FeedDestination) Name() string { return "feed" }

func (f *FeedDestination) Accepts(kind domain.ActionKind) bool { return kind != domain.ActionSuppress }

func (f *FeedDestination) Deliver(ctx context.Context, a domain.Action) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("dispatch: feed: marshal: %w", err)
	}
	return f.bus.Publish(ctx, f.channel, payload)
}

// WebhookDestination POSTs signed mirror actions to an executor.
type WebhookDestination struct {
	url    string
	signer *crypto.Signer
	client *http.Client
}

// NewWebhookDestination creates the webhook destination.
func NewWebhookDestination(url string, signer *crypto.Signer) *WebhookDestination {
	return &WebhookDestination{url: url, signer: signer, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookDestination) Name() string { return "webhook" }

func (w *WebhookDestination) Accepts(kind domain.ActionKind) bool { return kind == domain.ActionMirror }

func (w *WebhookDestination) Deliver(ctx context.Context, a domain.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("dispatch: webhook: marshal: %w: %w", err, domain.ErrPermanent)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: webhook: create request: %w: %w", err, domain.ErrPermanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)
	for k, v := range w.signer.Headers(body) {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: webhook: %w: %w", err, domain.ErrDestinationDown)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// checkStatus maps a response to nil, a retryable error, or a permanent one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("dispatch: webhook: status %d: %s: %w", resp.StatusCode, msg, domain.ErrRateLimited)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("dispatch: webhook: status %d: %s: %w", resp.StatusCode, msg, domain.ErrPermanent)
	default:
		return fmt.Errorf("dispatch: webhook: status %d: %s: %w", resp.StatusCode, msg, domain.ErrDestinationDown)
	}
}

// Publisher is the notification fan-out. *notify.Notifier satisfies it.
type Publisher interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NotifyDestination sends human-readable messages.
type NotifyDestination struct {
	pub     Publisher
	classes notify.ClassFilter
	mirrors bool
}

// NewNotifyDestination creates the notification destination. With mirrors
// set, mirror actions are announced too.
func NewNotifyDestination(pub Publisher, classes notify.ClassFilter, mirrors bool) *NotifyDestination {
	return &NotifyDestination{pub: pub, classes: classes, mirrors: mirrors}
}

func (n *NotifyDestination) Name() string { return "notify" }

func (n *NotifyDestination) Accepts(kind domain.ActionKind) bool {
	return kind == domain.ActionNotify || (n.mirrors && kind == domain.ActionMirror)
}

func (n *NotifyDestination) Deliver(ctx context.Context, a domain.Action) error {
	if a.Kind == domain.ActionNotify && !n.classes.Allows(a.Class) {
		return nil
	}
	event, title, body := notify.FormatAction(a)
	return n.pub.Notify(ctx, event, title, body)
}
