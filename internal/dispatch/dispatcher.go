// Package dispatch delivers actions to their destinations with bounded
// queues, rate limits, retries and dead-lettering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// Destination receives actions.
type Destination interface {
	Name() string
	Accepts(kind domain.ActionKind) bool
	Deliver(ctx context.Context, a domain.Action) error
}

// Mode is how hard a destination is tried.
type Mode int

const (
	// Guaranteed destinations are retried and dead-lettered on exhaustion.
	Guaranteed Mode = iota
	// Retried destinations are retried and dropped on exhaustion.
	Retried
	// BestEffort destinations get a single attempt.
	BestEffort
)

// Dead-letter reasons.
const (
	ReasonExhausted     = "exhausted"
	ReasonQueueOverflow = "queue-overflow"
	ReasonShutdown      = "shutdown"
)

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Initial << (attempt - 1)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d
}

// Config sizes every destination lane.
type Config struct {
	QueueSize  int
	Workers    int
	RatePerSec float64
	Burst      int
	Retry      RetryPolicy
	DedupTTL   time.Duration
}

// Alerter notifies operators. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ResultFunc observes the final outcome of a mirror delivered to a
// Guaranteed destination. err is nil on success.
type ResultFunc func(dest string, a domain.Action, err error)

type lane struct {
	dest    Destination
	mode    Mode
	queue   *queue
	limiter *rate.Limiter
}

// Dispatcher fans actions out to destinations. Each destination has its own
// queue and workers so a slow one only backs up itself.
type Dispatcher struct {
	cfg         Config
	lanes       []*lane
	dedup       *Dedup
	deadLetters domain.DeadLetterStore
	archiver    domain.Archiver
	alerter     Alerter
	onResult    ResultFunc
	metrics     *metrics.Registry
	logger      *slog.Logger
	now         func() time.Time

	closed     atomic.Bool
	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a dispatcher. deadLetters, archiver and alerter may be nil.
func New(cfg Config, deadLetters domain.DeadLetterStore, archiver domain.Archiver, alerter Alerter, m *metrics.Registry, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Dispatcher{
		cfg:         cfg,
		dedup:       NewDedup(cfg.DedupTTL),
		deadLetters: deadLetters,
		archiver:    archiver,
		alerter:     alerter,
		metrics:     m,
		logger:      logger.With(slog.String("component", "dispatcher")),
		now:         time.Now,
	}
}

// Register adds a destination. It must be called before Start.
func (d *Dispatcher) Register(dest Destination, mode Mode) {
	limit := rate.Inf
	if d.cfg.RatePerSec > 0 {
		limit = rate.Limit(d.cfg.RatePerSec)
	}
	burst := d.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	d.lanes = append(d.lanes, &lane{
		dest:    dest,
		mode:    mode,
		queue:   newQueue(d.cfg.QueueSize),
		limiter: rate.NewLimiter(limit, burst),
	})
}

// OnResult installs the execution observer.
func (d *Dispatcher) OnResult(fn ResultFunc) { d.onResult = fn }

// Destinations lists registered destination names.
func (d *Dispatcher) Destinations() []string {
	out := make([]string, 0, len(d.lanes))
	for _, l := range d.lanes {
		out = append(out, l.dest.Name())
	}
	return out
}

// Start launches the workers. They run until Close.
func (d *Dispatcher) Start() {
	d.workCtx, d.cancelWork = context.WithCancel(context.Background())
	for _, l := range d.lanes {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.work(l)
			}()
		}
	}
	d.logger.Info("dispatcher started",
		slog.Int("destinations", len(d.lanes)),
		slog.Int("workers", d.cfg.Workers),
	)
}

// Enqueue queues a for every destination that accepts its kind. It never
// blocks on delivery. A mirror that cannot be queued is dead-lettered.
func (d *Dispatcher) Enqueue(ctx context.Context, a domain.Action) error {
	if d.closed.Load() {
		return domain.ErrQueueClosed
	}
	for _, l := range d.lanes {
		if !l.dest.Accepts(a.Kind) {
			continue
		}
		if d.dedup.IsDuplicate(a.ID + "|" + l.dest.Name()) {
			continue
		}
		d.push(ctx, l, item{action: a, enqueuedAt: d.now()})
	}
	return nil
}

func (d *Dispatcher) push(ctx context.Context, l *lane, it item) {
	name := l.dest.Name()
	res, other := l.queue.push(it)
	switch res {
	case droppedOldestNotify, droppedIncoming:
		d.metrics.Inc(metrics.DispatchDropped, "dest", name)
		d.logger.Warn("queue full, notification dropped",
			slog.String("dest", name),
			slog.String("action_id", other.action.ID),
		)
	case overflowMirror, queueClosed:
		reason := ReasonQueueOverflow
		if res == queueClosed {
			reason = ReasonShutdown
		}
		if l.mode == Guaranteed && other.action.Kind == domain.ActionMirror {
			d.deadLetter(ctx, l, other, errors.New("queue full of mirror actions"), reason)
		} else {
			d.metrics.Inc(metrics.DispatchDropped, "dest", name)
		}
	}
	d.metrics.Set(metrics.QueueDepth, int64(l.queue.len()), "dest", name)
}

func (d *Dispatcher) work(l *lane) {
	for {
		it, ok := l.queue.pop(d.workCtx)
		if !ok {
			return
		}
		d.metrics.Set(metrics.QueueDepth, int64(l.queue.len()), "dest", l.dest.Name())
		d.deliver(d.workCtx, l, it)
	}
}

// deliver runs the retry loop for one item.
func (d *Dispatcher) deliver(ctx context.Context, l *lane, it item) {
	name := l.dest.Name()
	log := d.logger.With(
		slog.String("dest", name),
		slog.String("action_id", it.action.ID),
		slog.String("kind", string(it.action.Kind)),
	)

	attempts := d.cfg.Retry.MaxAttempts
	if l.mode == BestEffort {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		it.attempts = attempt
		d.metrics.Inc(metrics.DispatchAttempts, "dest", name)
		err := l.dest.Deliver(ctx, it.action)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		d.metrics.Inc(metrics.DispatchFailures, "dest", name)
		log.Warn("delivery failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrPermanent) || attempt == attempts {
			break
		}
		if !sleepCtx(ctx, d.cfg.Retry.backoff(attempt)) {
			lastErr = fmt.Errorf("%w (interrupted: %v)", err, ctx.Err())
			break
		}
	}

	if lastErr == nil {
		log.Debug("delivered",
			slog.Int("attempts", it.attempts),
			slog.Duration("since_enqueue", d.now().Sub(it.enqueuedAt)),
		)
		if l.mode == Guaranteed && it.action.Kind == domain.ActionMirror && d.onResult != nil {
			d.onResult(name, it.action, nil)
		}
		if it.replayOf > 0 {
			d.resolve(it.replayOf)
		}
		return
	}

	if l.mode != Guaranteed || it.action.Kind != domain.ActionMirror {
		d.metrics.Inc(metrics.DispatchDropped, "dest", name)
		log.Debug("delivery abandoned", slog.String("error", lastErr.Error()))
		return
	}
	if d.onResult != nil {
		d.onResult(name, it.action, lastErr)
	}
	reason := ReasonExhausted
	if ctx.Err() != nil {
		reason = ReasonShutdown
	}
	d.deadLetter(ctx, l, it, lastErr, reason)
}

// deadLetter persists, archives and alerts about one undeliverable action.
// Each (action, destination) pair is counted exactly once.
func (d *Dispatcher) deadLetter(ctx context.Context, l *lane, it item, cause error, reason string) {
	name := l.dest.Name()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	dl := domain.DeadLetter{
		ActionID:    it.action.ID,
		Destination: name,
		Action:      it.action,
		Attempts:    it.attempts,
		LastError:   reason + ": " + cause.Error(),
		CreatedAt:   d.now().UTC(),
	}
	if it.replayOf > 0 {
		dl.ID = it.replayOf
	} else if d.deadLetters != nil {
		id, err := d.deadLetters.Insert(ctx, dl)
		if err != nil {
			d.logger.Error("dead letter not persisted",
				slog.String("action_id", dl.ActionID),
				slog.String("error", err.Error()),
			)
		}
		dl.ID = id
	}
	if d.archiver != nil {
		if err := d.archiver.ArchiveDeadLetter(ctx, dl); err != nil {
			d.logger.Warn("dead letter archive failed",
				slog.Int64("id", dl.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	d.metrics.Inc(metrics.DeadLetters, "dest", name)
	d.metrics.Inc(metrics.Alerts, "kind", "dead_letter")
	d.logger.Error("action dead-lettered",
		slog.Int64("id", dl.ID),
		slog.String("dest", name),
		slog.String("action_id", dl.ActionID),
		slog.String("reason", reason),
		slog.Int("attempts", dl.Attempts),
		slog.String("error", cause.Error()),
	)
	if d.alerter != nil {
		title := "Dead letter: " + name
		msg := fmt.Sprintf("%s %s for %s failed after %d attempt(s): %s",
			dl.Action.Kind, dl.ActionID, dl.Action.Address.Short(), dl.Attempts, html.EscapeString(dl.LastError))
		if err := d.alerter.Notify(ctx, "dead_letter", title, msg); err != nil {
			d.logger.Warn("dead letter alert failed", slog.String("error", err.Error()))
		}
	}
}

// Replay re-queues a stored dead letter. It is marked resolved once the
// destination accepts it.
func (d *Dispatcher) Replay(ctx context.Context, id int64) error {
	if d.deadLetters == nil {
		return fmt.Errorf("dispatch: replay %d: no dead letter store: %w", id, domain.ErrNotFound)
	}
	if d.closed.Load() {
		return domain.ErrQueueClosed
	}
	dl, err := d.deadLetters.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch: replay %d: %w", id, err)
	}
	if dl.ResolvedAt != nil {
		return fmt.Errorf("dispatch: replay %d: %w", id, domain.ErrAlreadyExists)
	}
	for _, l := range d.lanes {
		if l.dest.Name() != dl.Destination {
			continue
		}
		d.dedup.Forget(dl.ActionID + "|" + l.dest.Name())
		d.push(ctx, l, item{action: dl.Action, enqueuedAt: d.now(), replayOf: id})
		d.logger.Info("dead letter replayed",
			slog.Int64("id", id),
			slog.String("dest", dl.Destination),
		)
		return nil
	}
	return fmt.Errorf("dispatch: replay %d: destination %q: %w", id, dl.Destination, domain.ErrNotFound)
}

func (d *Dispatcher) resolve(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deadLetters.MarkResolved(ctx, id, d.now().UTC()); err != nil {
		d.logger.Warn("mark dead letter resolved failed",
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops intake and lets workers drain until ctx is done. Mirrors still
// queued after that are dead-lettered; notifications are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, l := range d.lanes {
		l.queue.close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if d.cancelWork != nil {
			d.cancelWork()
		}
		<-done
	}
	if d.cancelWork != nil {
		d.cancelWork()
	}

	var left int
	for _, l := range d.lanes {
		for _, it := range l.queue.drain() {
			left++
			if it.action.Kind == domain.ActionMirror && l.mode == Guaranteed {
				d.deadLetter(context.Background(), l, it, errors.New("not delivered before shutdown"), ReasonShutdown)
				continue
			}
			d.metrics.Inc(metrics.DispatchDropped, "dest", l.dest.Name())
		}
	}
	d.logger.Info("dispatcher stopped", slog.Int("undelivered", left))
	return nil
}

// Cleanup expires dedup entries; call it periodically.
func (d *Dispatcher) Cleanup() { d.dedup.Cleanup() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
