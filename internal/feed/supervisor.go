package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/platform/polymarket"
)

// Supervisor restarts failing adapter sessions with jittered exponential
// backoff and tracks per-source health. A source that keeps failing for
// longer than degradedAfter produces exactly one degraded event, and one
// recovery event on its next success.
type Supervisor struct {
	initial       time.Duration
	max           time.Duration
	degradedAfter time.Duration
	metrics       *metrics.Registry
	logger        *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	health map[domain.SourceID]*domain.SourceHealth
	events chan domain.SourceHealth
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(initial, maxDelay, degradedAfter time.Duration, m *metrics.Registry, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		initial:       initial,
		max:           maxDelay,
		degradedAfter: degradedAfter,
		metrics:       m,
		logger:        logger.With(slog.String("component", "feed_supervisor")),
		now:           time.Now,
		sleep:         sleepCtx,
		health:        make(map[domain.SourceID]*domain.SourceHealth),
		events:        make(chan domain.SourceHealth, 32),
	}
}

// Events delivers degraded and recovered transitions.
func (s *Supervisor) Events() <-chan domain.SourceHealth { return s.events }

// Health returns the current state of every source seen so far.
func (s *Supervisor) Health() []domain.SourceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SourceHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Priority() < out[j].Source.Priority() })
	return out
}

// Run calls fn until ctx is cancelled, backing off between failures.
func (s *Supervisor) Run(ctx context.Context, src domain.SourceID, fn func(ctx context.Context, healthy func()) error) {
	s.register(src)
	for {
		err := fn(ctx, func() { s.markHealthy(src) })
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}

		failures := s.markFailed(src, err)
		delay := s.backoff(failures, err)
		s.logger.Warn("source failed, retrying",
			slog.String("source", string(src)),
			slog.Int("failures", failures),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if s.sleep(ctx, delay) != nil {
			return
		}
	}
}

// backoff is full jitter over initial*2^(n-1), capped at max. A server
// Retry-After hint is a floor.
func (s *Supervisor) backoff(failures int, err error) time.Duration {
	ceiling := s.initial
	for i := 1; i < failures && ceiling < s.max; i++ {
		ceiling *= 2
	}
	if ceiling > s.max {
		ceiling = s.max
	}
	d := time.Duration(1)
	if ceiling > 0 {
		d = time.Duration(rand.Int64N(int64(ceiling))) + 1
	}

	var rl *polymarket.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
	}
	return d
}

func (s *Supervisor) register(src domain.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.health[src]; !ok {
		s.health[src] = &domain.SourceHealth{Source: src, Healthy: true, UpdatedAt: s.now()}
		s.metrics.Set(metrics.AdapterHealth, 1, "source", string(src))
	}
}

func (s *Supervisor) markHealthy(src domain.SourceID) {
	s.mu.Lock()
	h := s.health[src]
	wasDegraded := h.Degraded
	h.Healthy = true
	h.Degraded = false
	h.ConsecutiveFailures = 0
	h.DownSince = time.Time{}
	h.UpdatedAt = s.now()
	snap := *h
	s.mu.Unlock()

	s.metrics.Set(metrics.AdapterHealth, 1, "source", string(src))
	if wasDegraded {
		s.logger.Info("source recovered", slog.String("source", string(src)))
		s.publish(snap)
	}
}

func (s *Supervisor) markFailed(src domain.SourceID, err error) int {
	now := s.now()

	s.mu.Lock()
	h := s.health[src]
	h.Healthy = false
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	h.UpdatedAt = now
	if h.DownSince.IsZero() {
		h.DownSince = now
	}
	degrade := !h.Degraded && now.Sub(h.DownSince) >= s.degradedAfter
	if degrade {
		h.Degraded = true
	}
	failures := h.ConsecutiveFailures
	snap := *h
	s.mu.Unlock()

	s.metrics.Inc(metrics.AdapterErrors, "source", string(src))
	if degrade {
		s.metrics.Set(metrics.AdapterHealth, 0, "source", string(src))
		s.logger.Error("source degraded",
			slog.String("source", string(src)),
			slog.Duration("down_for", now.Sub(snap.DownSince)),
			slog.String("error", snap.LastError),
		)
		s.publish(snap)
	}
	return failures
}

func (s *Supervisor) publish(h domain.SourceHealth) {
	select {
	case s.events <- h:
	default:
		s.logger.Warn("health event dropped, consumer too slow", slog.String("source", string(h.Source)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
