// Package sqlite is the single-node persistence backend: the same ports as
// the Postgres store on one pure-Go SQLite file. Timestamps are stored as
// UTC unix nanoseconds so range filters compare integers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    address     TEXT    NOT NULL,
    source      TEXT    NOT NULL,
    native_id   TEXT    NOT NULL DEFAULT '',
    fingerprint TEXT    NOT NULL,
    observed_at INTEGER NOT NULL,
    traded_at   INTEGER NOT NULL DEFAULT 0,
    market      TEXT    NOT NULL,
    asset_id    TEXT    NOT NULL DEFAULT '',
    outcome     TEXT    NOT NULL DEFAULT '',
    title       TEXT    NOT NULL DEFAULT '',
    side        TEXT    NOT NULL,
    size        REAL    NOT NULL,
    price       REAL    NOT NULL,
    UNIQUE (address, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_obs_address ON observations(address, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_obs_observed ON observations(observed_at);

CREATE TABLE IF NOT EXISTS actions (
    id           TEXT PRIMARY KEY,
    kind         TEXT    NOT NULL,
    address      TEXT    NOT NULL,
    reason       TEXT    NOT NULL DEFAULT '',
    body         TEXT    NOT NULL,
    generated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_generated ON actions(generated_at DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    action_id   TEXT    NOT NULL,
    destination TEXT    NOT NULL,
    action      TEXT    NOT NULL,
    attempts    INTEGER NOT NULL,
    last_error  TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT,
    created_at INTEGER NOT NULL
);
`

// DB is an open SQLite database.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer; one connection also keeps :memory: a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks the database.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Stores returns every persistence port backed by d.
func (d *DB) Stores() domain.Stores {
	return domain.Stores{
		Observations: &ObservationStore{d},
		Actions:      &ActionStore{d},
		DeadLetters:  &DeadLetterStore{d},
		Audit:        &AuditStore{d},
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ObservationStore implements domain.ObservationStore.
type ObservationStore struct{ d *DB }

const observationCols = `address, source, native_id, fingerprint, observed_at, traded_at,
	market, asset_id, outcome, title, side, size, price`

// InsertBatch writes obs in one transaction, skipping stored fingerprints.
func (s *ObservationStore) InsertBatch(ctx context.Context, obs []domain.TradeObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO observations (`+observationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare observation insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx,
			string(o.Address), string(o.Source), o.NativeID, o.Fingerprint, toNanos(o.ObservedAt), toNanos(o.TradedAt),
			o.Payload.Market, o.Payload.AssetID, o.Payload.Outcome, o.Payload.Title,
			string(o.Payload.Side), o.Payload.Size, o.Payload.Price,
		); err != nil {
			return fmt.Errorf("sqlite: insert observation %s: %w", o.Fingerprint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit observations: %w", err)
	}
	return nil
}

func scanObservations(rows *sql.Rows) ([]domain.TradeObservation, error) {
	defer rows.Close()
	var out []domain.TradeObservation
	for rows.Next() {
		var (
			o                  domain.TradeObservation
			addr, src, side    string
			observed, tradedAt int64
		)
		if err := rows.Scan(
			&addr, &src, &o.NativeID, &o.Fingerprint, &observed, &tradedAt,
			&o.Payload.Market, &o.Payload.AssetID, &o.Payload.Outcome, &o.Payload.Title,
			&side, &o.Payload.Size, &o.Payload.Price,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan observation: %w", err)
		}
		o.Address = domain.Address(addr)
		o.Source = domain.SourceID(src)
		o.Payload.Side = domain.Side(side)
		o.ObservedAt = fromNanos(observed)
		o.TradedAt = fromNanos(tradedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByAddress returns one trader's observations, newest first.
func (s *ObservationStore) ListByAddress(ctx context.Context, addr domain.Address, opts domain.ListOpts) ([]domain.TradeObservation, error) {
	query, args := listQuery(`SELECT `+observationCols+` FROM observations WHERE address = ?`, "observed_at", opts, string(addr))
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list observations for %s: %w", addr.Short(), err)
	}
	return scanObservations(rows)
}

// ListBefore returns up to limit observations older than before, oldest first.
func (s *ObservationStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeObservation, error) {
	rows, err := s.d.db.QueryContext(ctx,
		`SELECT `+observationCols+` FROM observations WHERE observed_at < ? ORDER BY observed_at ASC LIMIT ?`,
		toNanos(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list observations before: %w", err)
	}
	return scanObservations(rows)
}

// DeleteBefore removes observations older than before.
func (s *ObservationStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.d.db.ExecContext(ctx, `DELETE FROM observations WHERE observed_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete observations: %w", err)
	}
	return res.RowsAffected()
}

// listQuery appends time bounds, newest-first order and paging.
func listQuery(base, col string, opts domain.ListOpts, extra ...any) (string, []any) {
	query := base
	args := append([]any(nil), extra...)
	if opts.Since != nil {
		query += " AND " + col + " >= ?"
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND " + col + " <= ?"
		args = append(args, toNanos(*opts.Until))
	}
	query += " ORDER BY " + col + " DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}
	return query, args
}

// ActionStore implements domain.ActionStore.
type ActionStore struct{ d *DB }

// Insert stores a; a repeated id is ignored.
func (s *ActionStore) Insert(ctx context.Context, a domain.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("sqlite: marshal action %s: %w", a.ID, err)
	}
	_, err = s.d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions (id, kind, address, reason, body, generated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), string(a.Address), a.Reason, string(body), toNanos(a.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert action %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *ActionStore) GetByID(ctx context.Context, id string) (domain.Action, error) {
	var body string
	err := s.d.db.QueryRowContext(ctx, `SELECT body FROM actions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Action{}, fmt.Errorf("sqlite: action %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Action{}, fmt.Errorf("sqlite: get action %s: %w", id, err)
	}
	var a domain.Action
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return domain.Action{}, fmt.Errorf("sqlite: decode action %s: %w", id, err)
	}
	return a, nil
}

// ListRecent returns the newest limit actions.
func (s *ActionStore) ListRecent(ctx context.Context, limit int) ([]domain.Action, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT body FROM actions ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list actions: %w", err)
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan action: %w", err)
		}
		var a domain.Action
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("sqlite: decode action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeadLetterStore implements domain.DeadLetterStore.
type DeadLetterStore struct{ d *DB }

const deadLetterCols = `id, action_id, destination, action, attempts, last_error, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (domain.DeadLetter, error) {
	var (
		dl       domain.DeadLetter
		body     string
		created  int64
		resolved sql.NullInt64
	)
	if err := row.Scan(&dl.ID, &dl.ActionID, &dl.Destination, &body, &dl.Attempts, &dl.LastError, &created, &resolved); err != nil {
		return dl, err
	}
	if err := json.Unmarshal([]byte(body), &dl.Action); err != nil {
		return dl, fmt.Errorf("decode action: %w", err)
	}
	dl.CreatedAt = fromNanos(created)
	if resolved.Valid {
		t := fromNanos(resolved.Int64)
		dl.ResolvedAt = &t
	}
	return dl, nil
}

// Insert stores dl and returns its id.
func (s *DeadLetterStore) Insert(ctx context.Context, dl domain.DeadLetter) (int64, error) {
	body, err := json.Marshal(dl.Action)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal dead letter %s: %w", dl.ActionID, err)
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = s.d.now()
	}
	res, err := s.d.db.ExecContext(ctx,
		`INSERT INTO dead_letters (action_id, destination, action, attempts, last_error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ActionID, dl.Destination, string(body), dl.Attempts, dl.LastError, toNanos(dl.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert dead letter %s: %w", dl.ActionID, err)
	}
	return res.LastInsertId()
}

// GetByID returns domain.ErrNotFound for an unknown id.
func (s *DeadLetterStore) GetByID(ctx context.Context, id int64) (domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.d.db.QueryRowContext(ctx, `SELECT `+deadLetterCols+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return dl, fmt.Errorf("sqlite: dead letter %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return dl, fmt.Errorf("sqlite: get dead letter %d: %w", id, err)
	}
	return dl, nil
}

// ListUnresolved returns the oldest unresolved entries first.
func (s *DeadLetterStore) ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.d.db.QueryContext(ctx,
		`SELECT `+deadLetterCols+` FROM dead_letters WHERE resolved_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkResolved stamps id as resolved, keeping an earlier stamp.
func (s *DeadLetterStore) MarkResolved(ctx context.Context, id int64, at time.Time) error {
	res, err := s.d.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at = COALESCE(resolved_at, ?) WHERE id = ?`,
		toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve dead letter %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: dead letter %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ d *DB }

// Log appends one entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.d.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), toNanos(s.d.now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listQuery(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`, "created_at", opts)
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: decode audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ domain.ObservationStore = (*ObservationStore)(nil)
	_ domain.ActionStore      = (*ActionStore)(nil)
	_ domain.DeadLetterStore  = (*DeadLetterStore)(nil)
	_ domain.AuditStore       = (*AuditStore)(nil)
)
