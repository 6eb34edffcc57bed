package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// Recorder persists accepted observations in batches and emitted actions
// one by one, off the partition goroutines. A full buffer drops the record
// rather than stall ingestion.
type Recorder struct {
	observations domain.ObservationStore
	actions      domain.ActionStore
	batch        int
	flush        time.Duration
	obsCh        chan domain.TradeObservation
	actCh        chan domain.Action
	metrics      *metrics.Registry
	logger       *slog.Logger
}

// NewRecorder creates a Recorder. Either store may be nil.
func NewRecorder(obs domain.ObservationStore, acts domain.ActionStore, batch int, flush time.Duration, m *metrics.Registry, logger *slog.Logger) *Recorder {
	if batch <= 0 {
		batch = 100
	}
	if flush <= 0 {
		flush = time.Second
	}
	return &Recorder{
		observations: obs,
		actions:      acts,
		batch:        batch,
		flush:        flush,
		obsCh:        make(chan domain.TradeObservation, batch*4),
		actCh:        make(chan domain.Action, batch),
		metrics:      m,
		logger:       logger.With(slog.String("component", "recorder")),
	}
}

// RecordObservation queues obs for the next batch.
func (r *Recorder) RecordObservation(obs domain.TradeObservation) {
	if r == nil || r.observations == nil {
		return
	}
	select {
	case r.obsCh <- obs:
	default:
		r.metrics.Inc(metrics.RecorderErrors, "kind", "observation_buffer_full")
	}
}

// RecordAction queues a for insertion.
func (r *Recorder) RecordAction(a domain.Action) {
	if r == nil || r.actions == nil {
		return
	}
	select {
	case r.actCh <- a:
	default:
		r.metrics.Inc(metrics.RecorderErrors, "kind", "action_buffer_full")
	}
}

// Run writes until ctx is cancelled, then flushes what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	pending := make([]domain.TradeObservation, 0, r.batch)
	write := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := r.observations.InsertBatch(ctx, pending); err != nil {
			r.metrics.Add(metrics.RecorderErrors, int64(len(pending)), "kind", "observation")
			r.logger.Error("observation batch insert failed",
				slog.Int("count", len(pending)),
				slog.String("error", err.Error()),
			)
		}
		pending = pending[:0]
	}
	insert := func(ctx context.Context, a domain.Action) {
		if err := r.actions.Insert(ctx, a); err != nil {
			r.metrics.Inc(metrics.RecorderErrors, "kind", "action")
			r.logger.Error("action insert failed",
				slog.String("action_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case obs := <-r.obsCh:
					pending = append(pending, obs)
					if len(pending) >= r.batch {
						write(final)
					}
				case a := <-r.actCh:
					insert(final, a)
				default:
					write(final)
					return nil
				}
			}
		case obs := <-r.obsCh:
			pending = append(pending, obs)
			if len(pending) >= r.batch {
				write(ctx)
			}
		case a := <-r.actCh:
			insert(ctx, a)
		case <-ticker.C:
			write(ctx)
		}
	}
}
