// Package pipeline wires the event sources, the sequencer, the per-partition
// decision path and the dispatcher into one running system.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/sequencer"
	"github.com/alanyoungcy/copybot/internal/trader"
)

// Closer drains the dispatcher.
type Closer interface {
	Close(ctx context.Context) error
}

// Alerter notifies operators. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Background is a long-running job stopped through ctx.
type Background interface {
	Run(ctx context.Context) error
}

// Options sizes the orchestrator.
type Options struct {
	IngestBuffer  int
	ShutdownGrace time.Duration
	DrainTimeout  time.Duration
	ArchiveCron   string
	GaugeInterval time.Duration
}

// Orchestrator runs every pipeline goroutine under one errgroup.
type Orchestrator struct {
	opts       Options
	adapters   []feed.Adapter
	registry   feed.SnapshotSource
	sequencer  *sequencer.Sequencer
	dispatcher Closer
	recorder   *Recorder
	archiver   *Archiver
	supervisor *feed.Supervisor
	alerter    Alerter
	book       *trader.Book
	jobs       []Background
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver, alerter and recorder
// may be nil.
func NewOrchestrator(
	opts Options,
	adapters []feed.Adapter,
	registry feed.SnapshotSource,
	seq *sequencer.Sequencer,
	dispatcher Closer,
	recorder *Recorder,
	archiver *Archiver,
	supervisor *feed.Supervisor,
	alerter Alerter,
	book *trader.Book,
	m *metrics.Registry,
	logger *slog.Logger,
) *Orchestrator {
	if opts.IngestBuffer <= 0 {
		opts.IngestBuffer = 1024
	}
	if opts.GaugeInterval <= 0 {
		opts.GaugeInterval = 15 * time.Second
	}
	return &Orchestrator{
		opts:       opts,
		adapters:   adapters,
		registry:   registry,
		sequencer:  seq,
		dispatcher: dispatcher,
		recorder:   recorder,
		archiver:   archiver,
		supervisor: supervisor,
		alerter:    alerter,
		book:       book,
		metrics:    m,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// AddJob runs job alongside the pipeline (registry reloader, metrics
// flusher, HTTP server).
func (o *Orchestrator) AddJob(job Background) { o.jobs = append(o.jobs, job) }

// Run starts everything and blocks until ctx is cancelled and the shutdown
// sequence has finished: sources stop, partitions flush, the dispatcher
// drains, the recorder writes its last batch.
func (o *Orchestrator) Run(ctx context.Context) error {
	sources := make([]string, 0, len(o.adapters))
	for _, a := range o.adapters {
		sources = append(sources, string(a.ID()))
	}
	o.logger.Info("pipeline starting",
		slog.Any("sources", sources),
		slog.Int("ingest_buffer", o.opts.IngestBuffer),
	)

	g, gctx := errgroup.WithContext(ctx)

	// The tail of the pipeline outlives ctx so that in-flight observations
	// are still decided and recorded.
	tailCtx, stopTail := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTail()

	ingest := o.fanIn(gctx)

	var recDone sync.WaitGroup
	if o.recorder != nil {
		recDone.Add(1)
		go func() {
			defer recDone.Done()
			_ = o.recorder.Run(tailCtx)
		}()
	}

	g.Go(func() error {
		err := o.sequencer.Run(tailCtx, ingest)
		dctx, cancel := context.WithTimeout(context.Background(), o.opts.DrainTimeout)
		defer cancel()
		if cerr := o.dispatcher.Close(dctx); cerr != nil && err == nil {
			err = cerr
		}
		stopTail()
		recDone.Wait()
		if err != nil {
			return fmt.Errorf("sequencer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		o.watchHealth(gctx)
		return nil
	})

	g.Go(func() error {
		o.publishGauges(gctx)
		return nil
	})

	if o.archiver != nil && o.opts.ArchiveCron != "" {
		g.Go(func() error {
			if err := o.archiver.RunCron(gctx, o.opts.ArchiveCron); err != nil {
				return fmt.Errorf("archiver: %w", err)
			}
			return nil
		})
	}

	for _, job := range o.jobs {
		g.Go(func() error {
			if err := job.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}

// fanIn merges every adapter into one channel. After ctx is cancelled the
// adapters get ShutdownGrace to close their channels; the merged channel is
// closed either way.
func (o *Orchestrator) fanIn(ctx context.Context) <-chan domain.TradeObservation {
	out := make(chan domain.TradeObservation, o.opts.IngestBuffer)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for _, a := range o.adapters {
		ch := a.Subscribe(ctx, o.registry)
		wg.Add(1)
		go func(id domain.SourceID) {
			defer wg.Done()
			for {
				select {
				case obs, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- obs:
					case <-stop:
						return
					}
				case <-stop:
					o.logger.Warn("source did not stop within grace", slog.String("source", string(id)))
					return
				}
			}
		}(a.ID())
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			grace := time.NewTimer(o.opts.ShutdownGrace)
			defer grace.Stop()
			select {
			case <-done:
			case <-grace.C:
				close(stop)
				<-done
			}
		}
		close(out)
	}()
	return out
}

// watchHealth turns source transitions into operator alerts.
func (o *Orchestrator) watchHealth(ctx context.Context) {
	if o.supervisor == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-o.supervisor.Events():
			if !h.Healthy {
				o.metrics.Inc(metrics.Alerts, "kind", "source_degraded")
			}
			if o.alerter == nil {
				continue
			}
			event, title, body := notify.FormatHealth(h)
			if err := o.alerter.Notify(ctx, event, title, body); err != nil {
				o.logger.Warn("health alert failed",
					slog.String("source", string(h.Source)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// publishGauges refreshes the traders_by_status gauge from the book.
func (o *Orchestrator) publishGauges(ctx context.Context) {
	ticker := time.NewTicker(o.opts.GaugeInterval)
	defer ticker.Stop()
	statuses := []domain.TraderStatus{
		domain.TraderUnknown, domain.TraderActive, domain.TraderActiveLosing,
		domain.TraderInactive, domain.TraderExcluded,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := o.book.CountByStatus()
			for _, s := range statuses {
				o.metrics.Set(metrics.TradersByStatus, int64(counts[s]), "status", string(s))
			}
		}
	}
}
