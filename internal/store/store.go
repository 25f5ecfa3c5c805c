// Package store defines the persistence boundary for the portfolio event
// ledger. Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/marketlens/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no ledger rows.
	ErrNotFound = errors.New("store: not found")

	// ErrAdHocUnsupported is returned by stores that cannot execute
	// caller-supplied SQL (the in-memory store).
	ErrAdHocUnsupported = errors.New("store: ad hoc queries require PostgreSQL")
)

// EventFilter narrows an event query. Zero-value fields are ignored.
// Start and End are inclusive on both ends.
type EventFilter struct {
	AccountID string
	Ticker    string
	Types     []string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// Store is the persistence interface for the event ledger. Events are
// append-only; positions are derived per query, never persisted.
type Store interface {
	// InsertEvent appends one immutable ledger event and returns its id.
	InsertEvent(ctx context.Context, e *model.Event) (int64, error)

	// Events returns ledger events matching the filter, newest first
	// (event_ts descending, id as tie-break).
	Events(ctx context.Context, f EventFilter) ([]model.Event, error)

	// Accounts returns all distinct account IDs, sorted ascending.
	Accounts(ctx context.Context) ([]string, error)

	// AccountPositions folds one account's events into per-ticker positions,
	// ordered by ticker symbol. The latest price is scoped to the account's
	// own PRICE events. An account with no events yields an empty slice.
	AccountPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// AllPositions folds the full ledger into positions for every
	// (account, ticker) pair, ordered by account then ticker.
	AllPositions(ctx context.Context) ([]model.Position, error)

	// LatestPrice returns the most recent PRICE observation for a ticker
	// across all accounts, or ErrNotFound when none exists.
	LatestPrice(ctx context.Context, ticker string) (*model.PriceQuote, error)

	// ReadQuery executes a caller-supplied read-only statement and returns
	// column names plus rows. The statement must already have passed the
	// read-only gate; implementations still run it without write access.
	ReadQuery(ctx context.Context, sql string) ([]string, []map[string]any, error)

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error
}
