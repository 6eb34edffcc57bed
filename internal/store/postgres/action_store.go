package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// ActionStore records every non-suppressed action. The full action is kept
// as JSONB; kind, address and reason are columns for ad-hoc queries.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore creates an ActionStore.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// Insert stores a. A repeated id is ignored.
func (s *ActionStore) Insert(ctx context.Context, a domain.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres: marshal action %s: %w", a.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO actions (id, kind, address, reason, body, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Kind, a.Address, a.Reason, body, a.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert action %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *ActionStore) GetByID(ctx context.Context, id string) (domain.Action, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM actions WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Action{}, fmt.Errorf("postgres: action %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Action{}, fmt.Errorf("postgres: get action %s: %w", id, err)
	}
	var a domain.Action
	if err := json.Unmarshal(body, &a); err != nil {
		return domain.Action{}, fmt.Errorf("postgres: decode action %s: %w", id, err)
	}
	return a, nil
}

// ListRecent returns the newest limit actions.
func (s *ActionStore) ListRecent(ctx context.Context, limit int) ([]domain.Action, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM actions ORDER BY generated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		var a domain.Action
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("postgres: decode action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ domain.ActionStore = (*ActionStore)(nil)
