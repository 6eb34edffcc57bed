package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Archiver moves accepted observations past the retention window from the
// database to object storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	lock          domain.LockManager
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver. With a non-nil lock only one process
// archives per trigger.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, lock domain.LockManager, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		lock:          lock,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run over observations older than the
// retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	if a.lock != nil {
		unlock, err := a.lock.Acquire(ctx, "archive", time.Hour)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive run skipped, another process holds the lock")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveObservations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive observations before %v: %w", cutoff, err)
	}
	a.logger.Info("archive run complete", slog.Int64("observations_archived", n))
	return nil
}

// RunCron runs the archiver whenever the five-field cron expression
// (minute hour day-of-month month day-of-week, UTC) matches, until ctx is
// cancelled. Fields accept *, lists, ranges and steps.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseSchedule(expr)
	if err != nil {
		return err
	}
	a.logger.Info("archiver cron started", slog.String("cron", expr))

	for {
		next, ok := sched.next(a.now().UTC())
		if !ok {
			return fmt.Errorf("pipeline: cron %q never fires", expr)
		}
		wait := time.NewTimer(next.Sub(a.now()))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil
		case <-wait.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// schedule holds, per cron field, the set of matching values.
type schedule [5]map[int]bool

var fieldBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

func parseSchedule(expr string) (schedule, error) {
	var s schedule
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return s, fmt.Errorf("pipeline: cron %q: want 5 fields, got %d", expr, len(fields))
	}
	for i, f := range fields {
		set, err := parseField(f, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return s, fmt.Errorf("pipeline: cron %q field %d: %w", expr, i+1, err)
		}
		s[i] = set
	}
	return s, nil
}

// parseField expands one field such as "*", "*/15", "1-5" or "0,30".
func parseField(f string, lo, hi int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(f, ",") {
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("bad step %q", s)
			}
			part, step = base, n
		}
		from, to := lo, hi
		if part != "*" {
			a, b, isRange := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("bad value %q", a)
			}
			to = from
			if isRange {
				if to, err = strconv.Atoi(b); err != nil {
					return nil, fmt.Errorf("bad value %q", b)
				}
			}
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return set, nil
}

func (s schedule) matches(t time.Time) bool {
	return s[0][t.Minute()] && s[1][t.Hour()] && s[2][t.Day()] &&
		s[3][int(t.Month())] && s[4][int(t.Weekday())]
}

// next returns the first matching minute after t, looking at most a year
// ahead.
func (s schedule) next(t time.Time) (time.Time, bool) {
	c := t.Truncate(time.Minute).Add(time.Minute)
	for end := t.AddDate(1, 0, 1); c.Before(end); c = c.Add(time.Minute) {
		if s.matches(c) {
			return c, true
		}
	}
	return time.Time{}, false
}
