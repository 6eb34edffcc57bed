package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const defaultArchiveRows = 100_000

// ObservationSource is the part of domain.ObservationStore the archive job
// reads and prunes.
type ObservationSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeObservation, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver writes dead letters and aged observations as JSONL.
//
//	deadletters/2026/03/01/42.jsonl
//	observations/2026/03/01/1772323200.jsonl
//
// Observations are deleted from the primary store only after their upload
// succeeded.
type Archiver struct {
	store        domain.ObjectStore
	observations ObservationSource
	audit        domain.AuditStore
	maxRows      int
	logger       *slog.Logger
}

// NewArchiver creates an Archiver. observations and audit may be nil; the
// observation job is then a no-op.
func NewArchiver(store domain.ObjectStore, observations ObservationSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:        store,
		observations: observations,
		audit:        audit,
		maxRows:      defaultArchiveRows,
		logger:       logger.With(slog.String("component", "s3_archiver")),
	}
}

// ArchiveDeadLetter uploads one dead letter as a single JSONL line.
func (a *Archiver) ArchiveDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	buf, err := marshalJSONL([]domain.DeadLetter{dl})
	if err != nil {
		return fmt.Errorf("s3blob: marshal dead letter %d: %w", dl.ID, err)
	}
	at := dl.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	path := DeadLetterPath(dl, at)
	if err := a.store.Put(ctx, path, bytes.NewReader(buf), int64(len(buf))); err != nil {
		return fmt.Errorf("s3blob: upload dead letter %d: %w", dl.ID, err)
	}
	return nil
}

// ArchiveObservations uploads observations older than before and deletes
// them once stored. A run that hits maxRows only deletes strictly before
// the last archived timestamp; the next run picks up the rest.
func (a *Archiver) ArchiveObservations(ctx context.Context, before time.Time) (int64, error) {
	if a.observations == nil {
		return 0, nil
	}
	obs, err := a.observations.ListBefore(ctx, before, a.maxRows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive observations query: %w", err)
	}
	if len(obs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(obs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive observations marshal: %w", err)
	}

	path := observationPath(before)
	if err := a.store.Put(ctx, path, bytes.NewReader(buf), int64(len(buf))); err != nil {
		return 0, fmt.Errorf("s3blob: archive observations upload: %w", err)
	}

	boundary := before
	if len(obs) >= a.maxRows {
		boundary = obs[len(obs)-1].ObservedAt
		a.logger.Warn("archive run truncated, remainder left for next run",
			slog.Int("rows", len(obs)),
			slog.Time("boundary", boundary),
		)
	}
	deleted, err := a.observations.DeleteBefore(ctx, boundary)
	if err != nil {
		return int64(len(obs)), fmt.Errorf("s3blob: prune archived observations: %w", err)
	}

	count := int64(len(obs))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.observations", map[string]any{
			"path":    path,
			"count":   count,
			"deleted": deleted,
			"before":  before.Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("audit write failed", slog.String("error", err.Error()))
		}
	}
	return count, nil
}

// ReadDeadLetters decodes an archived dead letter object.
func ReadDeadLetters(ctx context.Context, store domain.ObjectStore, key string) ([]domain.DeadLetter, error) {
	body, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.DeadLetter
	dec := json.NewDecoder(body)
	for dec.More() {
		var dl domain.DeadLetter
		if err := dec.Decode(&dl); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s record %d: %w", key, len(out)+1, err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterPath is the key a dead letter is archived under.
func DeadLetterPath(dl domain.DeadLetter, at time.Time) string {
	return fmt.Sprintf("deadletters/%s/%d.jsonl", at.UTC().Format("2006/01/02"), dl.ID)
}

func observationPath(before time.Time) string {
	return fmt.Sprintf("observations/%s/%d.jsonl", before.UTC().Format("2006/01/02"), before.Unix())
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
