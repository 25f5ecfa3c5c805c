// Package model defines the core domain types shared across the ledger engine.
// All share and monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Numeric fields serialize as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Event types recorded in the ledger.
const (
	EventBuy   = "BUY"
	EventSell  = "SELL"
	EventPrice = "PRICE"
)

// ValidEventType reports whether t is one of BUY, SELL, or PRICE.
func ValidEventType(t string) bool {
	return t == EventBuy || t == EventSell || t == EventPrice
}

// Event is one immutable row of the portfolio event ledger.
// Once inserted, events are never modified or deleted; all positions are
// derived by folding the event stream. Ordering is by event_ts (event time,
// not insertion time), with id as the tie-break.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	TickerSymbol  string          `json:"ticker_symbol" db:"ticker_symbol"`
	EventTS       time.Time       `json:"event_ts" db:"event_ts"`
	EventType     string          `json:"event_type" db:"event_type"` // BUY, SELL, or PRICE
	Shares        decimal.Decimal `json:"shares" db:"shares"`         // magnitude; 0 for PRICE
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Currency      string          `json:"currency" db:"currency"` // informational, no FX
	Source        string          `json:"source" db:"source"`
}

// Position is the derived net holding for one (account, ticker) pair.
// Recomputed from the ledger on every query, never persisted.
type Position struct {
	AccountID    string              `json:"account_id"`
	TickerSymbol string              `json:"ticker_symbol"`
	NetShares    decimal.Decimal     `json:"net_shares"` // Σ BUY − Σ SELL
	NetCost      decimal.Decimal     `json:"net_cost"`   // signed cost basis
	BuyShares    decimal.Decimal     `json:"buy_shares"` // BUY-side shares only
	LastPrice    decimal.NullDecimal `json:"last_price"` // latest PRICE by event_ts, null if none
	LastPriceTS  *time.Time          `json:"last_price_ts"`
	LastEventTS  time.Time           `json:"last_event_ts"`
}

// MarketValue returns net_shares × last_price, invalid when no price exists.
func (p Position) MarketValue() decimal.NullDecimal {
	if !p.LastPrice.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Valid: true, Decimal: p.NetShares.Mul(p.LastPrice.Decimal)}
}

// PriceQuote is the most recent PRICE observation for a ticker.
type PriceQuote struct {
	TickerSymbol  string          `json:"ticker_symbol"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Currency      string          `json:"currency"`
	EventTS       time.Time       `json:"event_ts"`
}

// Anomaly flags raised by the analysis context builder.
const (
	FlagOversell     = "OVERSELL"
	FlagMissingPrice = "MISSING_PRICE"
	FlagStalePrice   = "STALE_PRICE"
)

// Anomaly is a rule-flagged data-quality or risk condition on one position.
// Anomalies are computed at request time, never stored.
type Anomaly struct {
	Flag    string `json:"flag"`
	Ticker  string `json:"ticker"`
	Details string `json:"details"`
}

// PositionAnalysis is one Position extended with derived metrics.
// Metrics are null when undefined (no price observed, zero buy shares).
type PositionAnalysis struct {
	Position
	AvgCostPerShare decimal.NullDecimal `json:"avg_cost_per_share"`
	MarketValue     decimal.NullDecimal `json:"market_value"`
	UnrealizedPnL   decimal.NullDecimal `json:"unrealized_pnl"`
	PortfolioWeight decimal.NullDecimal `json:"portfolio_weight"`
}

// AccountSummary is the account-level rollup over all positions.
type AccountSummary struct {
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalPositions     int             `json:"total_positions"`
	PositionsWithPrice int             `json:"positions_with_price"`
	PositionsNoPrice   int             `json:"positions_no_price"`
}

// AnalysisContext bundles everything an analyst needs for one account:
// the summary, per-position metrics, and pre-flagged anomalies.
type AnalysisContext struct {
	AccountID string             `json:"account_id"`
	AsOf      time.Time          `json:"as_of"`
	Summary   AccountSummary     `json:"summary"`
	Holdings  []PositionAnalysis `json:"holdings"`
	Anomalies []Anomaly          `json:"anomalies"`
}
