package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// DeadLetterStore holds actions a destination never accepted until an
// operator replays or resolves them.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a DeadLetterStore.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const deadLetterCols = `id, action_id, destination, action, attempts, last_error, created_at, resolved_at`

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var (
		dl   domain.DeadLetter
		body []byte
	)
	if err := row.Scan(&dl.ID, &dl.ActionID, &dl.Destination, &body, &dl.Attempts, &dl.LastError, &dl.CreatedAt, &dl.ResolvedAt); err != nil {
		return dl, err
	}
	if err := json.Unmarshal(body, &dl.Action); err != nil {
		return dl, fmt.Errorf("decode action: %w", err)
	}
	return dl, nil
}

// Insert stores dl and returns its id.
func (s *DeadLetterStore) Insert(ctx context.Context, dl domain.DeadLetter) (int64, error) {
	body, err := json.Marshal(dl.Action)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal dead letter %s: %w", dl.ActionID, err)
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (action_id, destination, action, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		dl.ActionID, dl.Destination, body, dl.Attempts, dl.LastError, dl.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert dead letter %s: %w", dl.ActionID, err)
	}
	return id, nil
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *DeadLetterStore) GetByID(ctx context.Context, id int64) (domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterCols+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return dl, fmt.Errorf("postgres: dead letter %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return dl, fmt.Errorf("postgres: get dead letter %d: %w", id, err)
	}
	return dl, nil
}

// ListUnresolved returns the oldest unresolved entries first.
func (s *DeadLetterStore) ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deadLetterCols+` FROM dead_letters WHERE resolved_at IS NULL ORDER BY created_at ASC, id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkResolved stamps id as resolved. An entry already resolved keeps its
// first timestamp.
func (s *DeadLetterStore) MarkResolved(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET resolved_at = COALESCE(resolved_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: dead letter %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.DeadLetterStore = (*DeadLetterStore)(nil)
