package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	s3blob "github.com/alanyoungcy/copybot/internal/blob/s3"
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/registry"
)

const (
	deadLetterListLimit = 200
	replayDrainTimeout  = 30 * time.Second
	streamReadDefault   = 50
)

// RosterMode loads and validates the roster and prints it.
func (a *App) RosterMode(_ context.Context) error {
	entries, digest, err := registry.LoadFile(a.cfg.Registry.Path, a.cfg.Registry.MonitoredWallets)
	if err != nil {
		return fmt.Errorf("app: roster: %w", err)
	}
	if len(entries) == 0 {
		return errors.New("app: roster lists no traders")
	}
	printRoster(a.opts.Stdout, entries)
	fmt.Fprintf(a.opts.Stdout, "%d traders, digest %s\n", len(entries), digest[:12])
	return nil
}

func printRoster(w io.Writer, entries []domain.RosterEntry) {
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Label", "Class", "Status", "Reason", "Profile")
	for _, e := range entries {
		table.Append(string(e.Address), e.Label, string(e.Classification), string(e.Status), e.Reason, e.ProfileURL())
	}
	table.Render()
}

// DeadLettersMode lists unresolved dead letters, lists or shows archived
// ones, or replays one through the configured destinations.
func (a *App) DeadLettersMode(ctx context.Context, deps *Dependencies) error {
	switch {
	case a.opts.Replay > 0:
		return a.replayDeadLetter(ctx, deps, a.opts.Replay)
	case a.opts.Archived || a.opts.ShowArchived != "":
		return a.archivedDeadLetters(ctx, deps)
	}

	dls, err := deps.Stores.DeadLetters.ListUnresolved(ctx, deadLetterListLimit)
	if err != nil {
		return fmt.Errorf("app: list dead letters: %w", err)
	}
	printDeadLetters(a.opts.Stdout, dls)
	return nil
}

func (a *App) archivedDeadLetters(ctx context.Context, deps *Dependencies) error {
	if deps.Archive == nil {
		return errors.New("app: archived dead letters need s3.enabled")
	}
	if key := a.opts.ShowArchived; key != "" {
		dls, err := s3blob.ReadDeadLetters(ctx, deps.Archive, key)
		if err != nil {
			return fmt.Errorf("app: show archived dead letter: %w", err)
		}
		printDeadLetters(a.opts.Stdout, dls)
		return nil
	}
	objs, err := deps.Archive.List(ctx, "deadletters/")
	if err != nil {
		return fmt.Errorf("app: list archived dead letters: %w", err)
	}
	printArchived(a.opts.Stdout, objs)
	return nil
}

func (a *App) replayDeadLetter(ctx context.Context, deps *Dependencies, id int64) error {
	d, _, err := a.buildDispatcher(deps, nil, metrics.New())
	if err != nil {
		return err
	}
	d.Start()
	replayErr := d.Replay(ctx, id)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replayDrainTimeout)
	defer cancel()
	if err := d.Close(dctx); err != nil {
		a.logger.Warn("dispatcher close failed", slog.String("error", err.Error()))
	}
	if replayErr != nil {
		return fmt.Errorf("app: replay: %w", replayErr)
	}

	dl, err := deps.Stores.DeadLetters.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}
	if dl.ResolvedAt == nil {
		return fmt.Errorf("app: replay %d: destination %s still failing", id, dl.Destination)
	}
	fmt.Fprintf(a.opts.Stdout, "dead letter %d delivered to %s\n", id, dl.Destination)
	return nil
}

func printDeadLetters(w io.Writer, dls []domain.DeadLetter) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Created", "Dest", "Kind", "Trader", "Attempts", "Last error")
	for _, dl := range dls {
		table.Append(
			strconv.FormatInt(dl.ID, 10),
			dl.CreatedAt.UTC().Format(time.DateTime),
			dl.Destination,
			string(dl.Action.Kind),
			dl.Action.Address.Short(),
			strconv.Itoa(dl.Attempts),
			truncate(dl.LastError, 60),
		)
	}
	table.Render()
}

func printArchived(w io.Writer, objs []domain.ArchivedObject) {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Size", "Modified")
	for _, o := range objs {
		table.Append(o.Key, strconv.FormatInt(o.Size, 10), o.ModifiedAt.UTC().Format(time.DateTime))
	}
	table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// StreamMode prints entries of the execution stream after opts.StreamFrom,
// the same view the execution collaborator consumes.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	if deps.ActionBus == nil {
		return errors.New("app: stream needs redis.enabled")
	}
	from := a.opts.StreamFrom
	if from == "" {
		from = "0"
	}
	count := a.opts.StreamCount
	if count <= 0 {
		count = streamReadDefault
	}
	msgs, err := deps.ActionBus.StreamRead(ctx, a.cfg.Dispatch.Stream, from, count)
	if err != nil {
		return fmt.Errorf("app: stream: %w", err)
	}
	printStream(a.opts.Stdout, msgs)
	if n := len(msgs); n > 0 {
		fmt.Fprintf(a.opts.Stdout, "%d entries, continue with -from %s\n", n, msgs[n-1].ID)
	}
	return nil
}

func printStream(w io.Writer, msgs []domain.StreamMessage) {
	table := tablewriter.NewWriter(w)
	table.Header("Entry", "Action", "Trader", "Side", "Size", "Price", "Generated")
	for _, m := range msgs {
		var act domain.Action
		if err := json.Unmarshal(m.Payload, &act); err != nil || act.Mirror == nil {
			table.Append(m.ID, "undecodable", "", "", "", "", "")
			continue
		}
		table.Append(
			m.ID,
			act.ID,
			act.Address.Short(),
			string(act.Mirror.Side),
			strconv.FormatFloat(act.Mirror.Size, 'f', 2, 64),
			strconv.FormatFloat(act.Mirror.Price, 'f', 4, 64),
			act.GeneratedAt.UTC().Format(time.DateTime),
		)
	}
	table.Render()
}

// SealMode reads a secret from stdin and writes it sealed with
// COPYBOT_SECRET_PASSWORD.
func (a *App) SealMode(_ context.Context) error {
	if a.opts.SealOut == "" {
		return errors.New("app: seal: -out is required")
	}
	raw, err := io.ReadAll(a.opts.Stdin)
	if err != nil {
		return fmt.Errorf("app: seal: read stdin: %w", err)
	}
	sealed, err := crypto.Seal(strings.TrimSpace(string(raw)), a.cfg.Dispatch.SecretPassword)
	if err != nil {
		return fmt.Errorf("app: seal: %w", err)
	}
	if err := os.WriteFile(a.opts.SealOut, sealed, 0o600); err != nil {
		return fmt.Errorf("app: seal: write %s: %w", a.opts.SealOut, err)
	}
	a.logger.Info("sealed secret written", slog.String("path", a.opts.SealOut))
	return nil
}
