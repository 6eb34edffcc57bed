package decision

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerConfig sets when mirroring is paused.
type BreakerConfig struct {
	MaxConsecutiveFailures int
	MaxDailyNotional       float64
	Cooldown               time.Duration
}

// BreakerState is a read-only view of the breaker.
type BreakerState struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DailyNotional       float64   `json:"daily_notional"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
	LastTrip            string    `json:"last_trip,omitempty"`
}

// Breaker pauses mirroring after repeated execution failures, for the
// cooldown, and once the day's mirrored notional reaches the cap, until the
// next UTC day.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu        sync.Mutex
	failures  int
	day       string
	notional  float64
	openUntil time.Time
	lastTrip  string
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{cfg: cfg, logger: logger.With(slog.String("component", "breaker"))}
}

// Open reports whether mirroring is paused at now.
func (b *Breaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open(now)
}

func (b *Breaker) open(now time.Time) bool {
	return now.Before(b.openUntil) || b.capped(now)
}

// capped reports whether today's notional has reached the daily cap.
func (b *Breaker) capped(now time.Time) bool {
	return b.cfg.MaxDailyNotional > 0 &&
		now.UTC().Format(time.DateOnly) == b.day &&
		b.notional >= b.cfg.MaxDailyNotional
}

// RecordSuccess counts one delivered mirror of notional USDC. It reports
// whether the breaker tripped.
func (b *Breaker) RecordSuccess(notional float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if day := now.UTC().Format(time.DateOnly); day != b.day {
		b.day = day
		b.notional = 0
	}
	b.notional += notional
	if b.cfg.MaxDailyNotional > 0 && b.notional > b.cfg.MaxDailyNotional {
		return b.trip("daily-notional", now)
	}
	return false
}

// RecordFailure counts one failed execution. It reports whether the breaker
// tripped.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.cfg.MaxConsecutiveFailures > 0 && b.failures >= b.cfg.MaxConsecutiveFailures {
		b.failures = 0
		return b.trip("consecutive-failures", now)
	}
	return false
}

// State returns a copy of the breaker at now.
func (b *Breaker) State(now time.Time) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Open:                b.open(now),
		ConsecutiveFailures: b.failures,
		DailyNotional:       b.notional,
		OpenUntil:           b.openUntil,
		LastTrip:            b.lastTrip,
	}
}

func (b *Breaker) trip(reason string, now time.Time) bool {
	if now.Before(b.openUntil) {
		return false
	}
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.lastTrip = reason
	b.logger.Warn("circuit breaker opened",
		slog.String("reason", reason),
		slog.Time("until", b.openUntil),
		slog.Float64("daily_notional", b.notional),
	)
	return true
}
