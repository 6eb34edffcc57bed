// Package app wires copybot together. It builds the enabled backends, picks
// the operating mode and runs it until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/copybot/internal/config"
)

// Options carry the per-invocation flags of the one-shot modes.
type Options struct {
	Replay       int64  // deadletters: id to re-enqueue
	Archived     bool   // deadletters: list archived objects instead
	ShowArchived string // deadletters: archived object key to print
	SealOut      string // seal: output path

	StreamFrom  string // stream: entry id to read after
	StreamCount int    // stream: entries to print

	Stdin  io.Reader
	Stdout io.Writer
}

// App is the root application object. It owns the configuration, logger, and
// cleanup functions that run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, selects the mode and blocks until it finishes.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	switch mode {
	case "roster":
		return a.RosterMode(ctx)
	case "seal":
		return a.SealMode(ctx)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "run":
		return a.PipelineMode(ctx, deps, true)
	case "monitor":
		return a.PipelineMode(ctx, deps, false)
	case "deadletters":
		return a.DeadLettersMode(ctx, deps)
	case "stream":
		return a.StreamMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
