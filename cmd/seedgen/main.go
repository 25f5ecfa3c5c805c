// Command seedgen generates a synthetic portfolio event ledger for testing
// and demos: a 60-day window of BUY/SELL activity with weekly PRICE
// observations, plus a handful of embedded detectable issues (an oversold
// position, accounts with stale or missing prices, a high-churn outlier)
// so the analysis endpoints have something to flag.
//
// Output goes to CSV (-out) or straight into PostgreSQL (-dsn) via COPY.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/model"
	"github.com/marketlens/ledger-engine/internal/store"
)

// ticker universe: base price and daily volatility.
var tickers = []struct {
	symbol string
	base   float64
	vol    float64
}{
	{"MSFT", 430.0, 0.015},
	{"AAPL", 245.0, 0.014},
	{"GOOGL", 195.0, 0.016},
	{"NVDA", 135.0, 0.025},
	{"AMD", 130.0, 0.025},
	{"TSLA", 350.0, 0.030},
	{"JNJ", 155.0, 0.009},
	{"UNH", 530.0, 0.013},
	{"PFE", 26.0, 0.012},
	{"JPM", 240.0, 0.012},
	{"BAC", 46.0, 0.013},
	{"GS", 580.0, 0.014},
	{"XOM", 110.0, 0.014},
	{"CVX", 155.0, 0.013},
	{"WMT", 95.0, 0.010},
	{"COST", 980.0, 0.012},
	{"HON", 210.0, 0.011},
	{"CAT", 360.0, 0.014},
	{"NEE", 72.0, 0.010},
	{"AMT", 200.0, 0.012},
}

// Special account indices, mirroring the detectable-issue layout the
// analysis tests expect.
const (
	oversellIdx     = 4  // one ticker sold beyond its buys
	stalePriceIdx   = 7  // no PRICE events in the final 30+ days
	missingPriceIdx = 10 // two tickers with zero PRICE events
	highChurnIdx    = 16 // 4-5 trades/week instead of 1-3
)

func main() {
	var (
		numAccounts = flag.Int("accounts", 25, "number of synthetic accounts")
		days        = flag.Int("days", 60, "length of the event window in days")
		seed        = flag.Int64("seed", 42, "deterministic RNG seed")
		out         = flag.String("out", "", "CSV output path (empty to skip)")
		dsn         = flag.String("dsn", "", "PostgreSQL URL to load directly (empty to skip)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *out == "" && *dsn == "" {
		slog.Error("nothing to do: pass -out and/or -dsn")
		os.Exit(1)
	}

	events := generate(*numAccounts, *days, *seed)
	slog.Info("generated synthetic ledger", "events", len(events), "accounts", *numAccounts)

	if *out != "" {
		if err := writeCSV(*out, events); err != nil {
			slog.Error("csv write failed", "err", err)
			os.Exit(1)
		}
		slog.Info("wrote CSV", "path", *out)
	}

	if *dsn != "" {
		if err := load(*dsn, events); err != nil {
			slog.Error("database load failed", "err", err)
			os.Exit(1)
		}
		slog.Info("loaded events into PostgreSQL", "count", len(events))
	}
}

func generate(numAccounts, days int, seed int64) []model.Event {
	rng := rand.New(rand.NewSource(seed))
	runTag := "synthetic-" + uuid.NewString()[:8]

	anchor := time.Now().UTC().Truncate(24 * time.Hour)
	start := anchor.AddDate(0, 0, -days)

	// Deterministic per-ticker random walks.
	series := make(map[string][]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		prng := rand.New(rand.NewSource(int64(t.base * 1000)))
		prices := make([]decimal.Decimal, days+1)
		p := t.base
		for d := 0; d <= days; d++ {
			prices[d] = decimal.NewFromFloat(p).Round(2)
			p *= 1 + prng.NormFloat64()*t.vol
			if p < 0.01 {
				p = 0.01
			}
		}
		series[t.symbol] = prices
	}
	priceAt := func(symbol string, ts time.Time) decimal.Decimal {
		off := int(ts.Sub(start).Hours() / 24)
		if off < 0 {
			off = 0
		}
		if off > days {
			off = days
		}
		return series[symbol][off]
	}

	var events []model.Event
	add := func(account, symbol string, ts time.Time, eventType string, shares decimal.Decimal, source string) {
		events = append(events, model.Event{
			AccountID:     account,
			TickerSymbol:  symbol,
			EventTS:       ts,
			EventType:     eventType,
			Shares:        shares,
			PricePerShare: priceAt(symbol, ts),
			Currency:      "USD",
			Source:        source,
		})
	}

	for idx := 0; idx < numAccounts; idx++ {
		account := uuid.NewString()

		// 4-7 holdings per account.
		held := make([]string, 0)
		for _, pick := range rng.Perm(len(tickers))[:4+rng.Intn(4)] {
			held = append(held, tickers[pick].symbol)
		}

		// Weekly PRICE observations per held ticker, Mondays at 16:00.
		// The stale-price account stops receiving quotes 35 days before
		// the anchor; the missing-price account never gets any for its
		// first two tickers.
		staleCutoff := anchor.AddDate(0, 0, -35)
		for _, symbol := range held {
			for d := start; !d.After(anchor); d = d.AddDate(0, 0, 1) {
				if d.Weekday() != time.Monday {
					continue
				}
				if idx == stalePriceIdx && d.After(staleCutoff) {
					continue
				}
				if idx == missingPriceIdx && (symbol == held[0] || symbol == held[1]) {
					continue
				}
				add(account, symbol, d.Add(16*time.Hour), model.EventPrice, decimal.Zero, "market-feed")
			}
		}

		// Trades: 1-3 per week for normal accounts, 4-5 for the churner.
		tradesPerWeek := func() int {
			if idx == highChurnIdx {
				return 4 + rng.Intn(2)
			}
			return 1 + rng.Intn(3)
		}
		bought := make(map[string]int64)
		for week := start; week.Before(anchor); week = week.AddDate(0, 0, 7) {
			for i := 0; i < tradesPerWeek(); i++ {
				symbol := held[rng.Intn(len(held))]
				day := week.AddDate(0, 0, rng.Intn(5))
				ts := day.Add(time.Duration(9+rng.Intn(7)) * time.Hour)
				shares := int64(1 + rng.Intn(20))

				// Mostly buys; sells stay within what was bought.
				if rng.Float64() < 0.7 || bought[symbol] == 0 {
					add(account, symbol, ts, model.EventBuy, decimal.NewFromInt(shares), runTag)
					bought[symbol] += shares
				} else {
					if shares > bought[symbol] {
						shares = bought[symbol]
					}
					add(account, symbol, ts, model.EventSell, decimal.NewFromInt(shares), runTag)
					bought[symbol] -= shares
				}
			}
		}

		// The oversell account dumps more than it ever bought in one
		// ticker, driving net_shares negative.
		if idx == oversellIdx && len(held) > 0 {
			symbol := held[0]
			excess := bought[symbol] + 10
			add(account, symbol, anchor.Add(-24*time.Hour).Add(15*time.Hour),
				model.EventSell, decimal.NewFromInt(excess), runTag)
		}
	}

	return events
}

func writeCSV(path string, events []model.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"account_id", "ticker_symbol", "event_ts", "event_type",
		"shares", "price_per_share", "currency", "source"}); err != nil {
		return err
	}
	for _, e := range events {
		if err := w.Write([]string{
			e.AccountID, e.TickerSymbol, e.EventTS.Format(time.RFC3339), e.EventType,
			e.Shares.String(), e.PricePerShare.String(), e.Currency, e.Source,
		}); err != nil {
			return err
		}
	}
	return w.Error()
}

func load(dsn string, events []model.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	n, err := st.BulkInsertEvents(ctx, events)
	if err != nil {
		return err
	}
	if n != int64(len(events)) {
		return fmt.Errorf("expected to copy %d rows, copied %d", len(events), n)
	}
	return nil
}
