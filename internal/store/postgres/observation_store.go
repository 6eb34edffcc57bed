package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// ObservationStore keeps accepted observations for audit and archival.
type ObservationStore struct {
	pool *pgxpool.Pool
}

// NewObservationStore creates an ObservationStore.
func NewObservationStore(pool *pgxpool.Pool) *ObservationStore {
	return &ObservationStore{pool: pool}
}

const observationCols = `address, source, native_id, fingerprint, observed_at, traded_at,
	market, asset_id, outcome, title, side, size, price`

func scanObservations(rows pgx.Rows) ([]domain.TradeObservation, error) {
	defer rows.Close()
	var out []domain.TradeObservation
	for rows.Next() {
		var (
			o        domain.TradeObservation
			tradedAt *time.Time
		)
		if err := rows.Scan(
			&o.Address, &o.Source, &o.NativeID, &o.Fingerprint, &o.ObservedAt, &tradedAt,
			&o.Payload.Market, &o.Payload.AssetID, &o.Payload.Outcome, &o.Payload.Title,
			&o.Payload.Side, &o.Payload.Size, &o.Payload.Price,
		); err != nil {
			return nil, err
		}
		if tradedAt != nil {
			o.TradedAt = *tradedAt
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// InsertBatch writes obs in one round trip. An (address, fingerprint) pair
// already stored is skipped.
func (s *ObservationStore) InsertBatch(ctx context.Context, obs []domain.TradeObservation) error {
	if len(obs) == 0 {
		return nil
	}

	const query = `
		INSERT INTO observations (` + observationCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (address, fingerprint) DO NOTHING`

	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(query,
			o.Address, o.Source, o.NativeID, o.Fingerprint, o.ObservedAt, nullTime(o.TradedAt),
			o.Payload.Market, o.Payload.AssetID, o.Payload.Outcome, o.Payload.Title,
			o.Payload.Side, o.Payload.Size, o.Payload.Price,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range obs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert observation %d/%d: %w", i+1, len(obs), err)
		}
	}
	return nil
}

// ListByAddress returns one trader's observations, newest first.
func (s *ObservationStore) ListByAddress(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.TradeObservation, error) {
	query, args := listQuery(`SELECT `+observationCols+` FROM observations WHERE address = $1`, "observed_at", opts, addr)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list observations for %s: %w", addr.Short(), err)
	}
	out, err := scanObservations(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan observations: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit observations older than before, oldest
// first, for the archive job.
func (s *ObservationStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationCols+` FROM observations WHERE observed_at < $1 ORDER BY observed_at ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list observations before %s: %w", before.Format(time.RFC3339), err)
	}
	out, err := scanObservations(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan observations: %w", err)
	}
	return out, nil
}

// DeleteBefore removes observations older than before.
func (s *ObservationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM observations WHERE observed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete observations before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.ObservationStore = (*ObservationStore)(nil)
