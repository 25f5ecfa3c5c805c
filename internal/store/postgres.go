package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/model"
)

// PostgresStore implements Store against the portfolio_event_ledger table.
// Shares and prices are stored as NUMERIC for exact decimal precision.
// Every call runs under the retry policy; transient failures back off and
// retry, everything else propagates unchanged.
type PostgresStore struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPostgresStore creates a PostgreSQL-backed store with the default
// retry policy.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, retry: DefaultRetryPolicy()}
}

// NewPostgresStoreWithRetry creates a store with an explicit retry policy.
func NewPostgresStoreWithRetry(pool *pgxpool.Pool, retry RetryPolicy) *PostgresStore {
	return &PostgresStore{pool: pool, retry: retry}
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) (int64, error) {
	var id int64
	err := s.retry.Do(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO portfolio_event_ledger
			     (account_id, ticker_symbol, event_ts, event_type,
			      shares, price_per_share, currency, source)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
			 RETURNING id`,
			e.AccountID, e.TickerSymbol, e.EventTS, e.EventType,
			e.Shares.String(), e.PricePerShare.String(),
			e.Currency, e.Source,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Ticker != "" {
		add("ticker_symbol = $%d", f.Ticker)
	}
	if len(f.Types) > 0 {
		add("event_type = ANY($%d)", f.Types)
	}
	if f.Start != nil {
		add("event_ts >= $%d", *f.Start)
	}
	if f.End != nil {
		add("event_ts <= $%d", *f.End)
	}

	q := `SELECT id, account_id, ticker_symbol, event_ts, event_type,
	             shares::TEXT, price_per_share::TEXT, currency, source
	      FROM portfolio_event_ledger`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY event_ts DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var events []model.Event
	err := s.retry.Do(ctx, func() error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var e model.Event
			var sharesS, priceS string
			if err := rows.Scan(&e.ID, &e.AccountID, &e.TickerSymbol, &e.EventTS,
				&e.EventType, &sharesS, &priceS, &e.Currency, &e.Source); err != nil {
				return err
			}
			if e.Shares, err = decimal.NewFromString(sharesS); err != nil {
				return fmt.Errorf("parse shares: %w", err)
			}
			if e.PricePerShare, err = decimal.NewFromString(priceS); err != nil {
				return fmt.Errorf("parse price_per_share: %w", err)
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	err := s.retry.Do(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT DISTINCT account_id FROM portfolio_event_ledger ORDER BY account_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		accounts = accounts[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			accounts = append(accounts, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	return accounts, nil
}

// positionQuery folds the ledger into per-(account, ticker) positions.
// The lateral join resolves the latest price by event_ts (id tie-break) —
// most recent observation, never MAX(price). It is correlated on both
// ticker and account so single-account summaries stay account-scoped.
const positionQuery = `
	SELECT
	    l.account_id,
	    l.ticker_symbol,
	    COALESCE(SUM(CASE WHEN l.event_type = 'BUY'  THEN l.shares
	                      WHEN l.event_type = 'SELL' THEN -l.shares
	                      ELSE 0 END), 0)::TEXT                       AS net_shares,
	    COALESCE(SUM(CASE WHEN l.event_type = 'BUY'  THEN l.shares * l.price_per_share
	                      WHEN l.event_type = 'SELL' THEN -l.shares * l.price_per_share
	                      ELSE 0 END), 0)::TEXT                       AS net_cost,
	    COALESCE(SUM(CASE WHEN l.event_type = 'BUY'  THEN l.shares
	                      ELSE 0 END), 0)::TEXT                       AS buy_shares,
	    lp.price_per_share::TEXT                                     AS last_price,
	    lp.event_ts                                                  AS last_price_ts,
	    MAX(l.event_ts)                                              AS last_event_ts
	FROM portfolio_event_ledger l
	LEFT JOIN LATERAL (
	    SELECT p.price_per_share, p.event_ts
	    FROM portfolio_event_ledger p
	    WHERE p.account_id = l.account_id
	      AND p.ticker_symbol = l.ticker_symbol
	      AND p.event_type = 'PRICE'
	    ORDER BY p.event_ts DESC, p.id DESC
	    LIMIT 1
	) lp ON TRUE
	%s
	GROUP BY l.account_id, l.ticker_symbol, lp.price_per_share, lp.event_ts
	ORDER BY %s`

func (s *PostgresStore) AccountPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	q := fmt.Sprintf(positionQuery, "WHERE l.account_id = $1", "l.ticker_symbol")
	return s.queryPositions(ctx, q, accountID)
}

func (s *PostgresStore) AllPositions(ctx context.Context) ([]model.Position, error) {
	q := fmt.Sprintf(positionQuery, "", "l.account_id, l.ticker_symbol")
	return s.queryPositions(ctx, q)
}

func (s *PostgresStore) queryPositions(ctx context.Context, q string, args ...any) ([]model.Position, error) {
	var positions []model.Position
	err := s.retry.Do(ctx, func() error {
		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		positions = positions[:0]
		for rows.Next() {
			var p model.Position
			var netSharesS, netCostS, buySharesS string
			var lastPriceS *string
			var lastPriceTS *time.Time

			if err := rows.Scan(&p.AccountID, &p.TickerSymbol,
				&netSharesS, &netCostS, &buySharesS,
				&lastPriceS, &lastPriceTS, &p.LastEventTS); err != nil {
				return err
			}

			if p.NetShares, err = decimal.NewFromString(netSharesS); err != nil {
				return fmt.Errorf("parse net_shares: %w", err)
			}
			if p.NetCost, err = decimal.NewFromString(netCostS); err != nil {
				return fmt.Errorf("parse net_cost: %w", err)
			}
			if p.BuyShares, err = decimal.NewFromString(buySharesS); err != nil {
				return fmt.Errorf("parse buy_shares: %w", err)
			}
			if lastPriceS != nil {
				d, err := decimal.NewFromString(*lastPriceS)
				if err != nil {
					return fmt.Errorf("parse last_price: %w", err)
				}
				p.LastPrice = decimal.NullDecimal{Valid: true, Decimal: d}
				p.LastPriceTS = lastPriceTS
			}
			positions = append(positions, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return positions, nil
}

func (s *PostgresStore) LatestPrice(ctx context.Context, ticker string) (*model.PriceQuote, error) {
	var q model.PriceQuote
	err := s.retry.Do(ctx, func() error {
		var priceS string
		err := s.pool.QueryRow(ctx,
			`SELECT ticker_symbol, price_per_share::TEXT, currency, event_ts
			 FROM portfolio_event_ledger
			 WHERE ticker_symbol = $1 AND event_type = 'PRICE'
			 ORDER BY event_ts DESC, id DESC
			 LIMIT 1`, ticker).
			Scan(&q.TickerSymbol, &priceS, &q.Currency, &q.EventTS)
		if err != nil {
			return err
		}
		if q.PricePerShare, err = decimal.NewFromString(priceS); err != nil {
			return fmt.Errorf("parse price_per_share: %w", err)
		}
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("latest price for %s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest price for %s: %w", ticker, err)
	}
	return &q, nil
}

// ReadQuery executes a caller-supplied statement inside a READ ONLY
// transaction. The gate upstream rejects obvious write statements; the
// transaction access mode is the actual guarantee.
func (s *PostgresStore) ReadQuery(ctx context.Context, sql string) ([]string, []map[string]any, error) {
	var columns []string
	var result []map[string]any

	err := s.retry.Do(ctx, func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()

		columns = columns[:0]
		for _, fd := range rows.FieldDescriptions() {
			columns = append(columns, fd.Name)
		}

		result = result[:0]
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = vals[i]
			}
			result = append(result, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ad hoc query: %w", err)
	}
	return columns, result, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.retry.Do(ctx, func() error {
		var one int
		if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			return err
		}
		if one != 1 {
			return errors.New("connectivity probe returned unexpected result")
		}
		return nil
	})
}

// BulkInsertEvents loads events via COPY. Used by the synthetic data
// loader; not part of the Store interface.
func (s *PostgresStore) BulkInsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"portfolio_event_ledger"},
		[]string{"account_id", "ticker_symbol", "event_ts", "event_type",
			"shares", "price_per_share", "currency", "source"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.AccountID, e.TickerSymbol, e.EventTS, e.EventType,
				e.Shares.String(), e.PricePerShare.String(), e.Currency, e.Source}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("bulk insert events: %w", err)
	}
	return n, nil
}
