package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ObservationStore persists accepted observations.
type ObservationStore interface {
	InsertBatch(ctx context.Context, obs []TradeObservation) error
	ListByAddress(ctx context.Context, addr Address, opts ListOpts) ([]TradeObservation, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeObservation, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ActionStore persists emitted actions. Insert ignores an id it already has.
type ActionStore interface {
	Insert(ctx context.Context, a Action) error
	GetByID(ctx context.Context, id string) (Action, error)
	ListRecent(ctx context.Context, limit int) ([]Action, error)
}

// DeadLetterStore persists undeliverable actions.
type DeadLetterStore interface {
	Insert(ctx context.Context, dl DeadLetter) (int64, error)
	GetByID(ctx context.Context, id int64) (DeadLetter, error)
	ListUnresolved(ctx context.Context, limit int) ([]DeadLetter, error)
	MarkResolved(ctx context.Context, id int64, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores bundles the persistence ports one backend provides.
type Stores struct {
	Observations ObservationStore
	Actions      ActionStore
	DeadLetters  DeadLetterStore
	Audit        AuditStore
}
