// Package analysis builds the per-account analysis context: derived
// position metrics plus anomaly detection. All functions are pure —
// they fold positions already aggregated by the store and never touch
// the database.
package analysis

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/model"
)

// StaleDays is the fixed staleness threshold: a position's last observed
// price is flagged once it is at least this many days old.
const StaleDays = 30

// Build computes the full analysis context for one account from its
// aggregated positions. asOf is the evaluation wall-clock time; passing it
// explicitly keeps anomaly detection testable.
//
// An account with zero positions yields a context with empty holdings —
// the caller decides whether that surfaces as not-found.
func Build(accountID string, positions []model.Position, asOf time.Time) *model.AnalysisContext {
	ctx := &model.AnalysisContext{
		AccountID: accountID,
		AsOf:      asOf,
		Holdings:  make([]model.PositionAnalysis, 0, len(positions)),
		Anomalies: []model.Anomaly{},
	}

	// Denominator for portfolio weights: priced long positions only.
	// Short and unpriced positions stay in the holdings list but do not
	// contribute market value.
	totalMV := decimal.Zero
	for _, p := range positions {
		if mv := p.MarketValue(); mv.Valid && p.NetShares.IsPositive() {
			totalMV = totalMV.Add(mv.Decimal)
		}
	}

	for _, p := range positions {
		h := model.PositionAnalysis{Position: p}

		// avg_cost_per_share divides by BUY-side shares, never net shares:
		// net can be zero or negative while buys were nonzero.
		if p.BuyShares.IsPositive() {
			h.AvgCostPerShare = decimal.NullDecimal{
				Valid:   true,
				Decimal: p.NetCost.Div(p.BuyShares).Round(2),
			}
		}

		if mv := p.MarketValue(); mv.Valid {
			h.MarketValue = decimal.NullDecimal{Valid: true, Decimal: mv.Decimal.Round(2)}
			h.UnrealizedPnL = decimal.NullDecimal{
				Valid:   true,
				Decimal: mv.Decimal.Sub(p.NetCost).Round(2),
			}
			if totalMV.IsPositive() {
				h.PortfolioWeight = decimal.NullDecimal{
					Valid:   true,
					Decimal: mv.Decimal.Div(totalMV).Round(4),
				}
			}
		}

		ctx.Holdings = append(ctx.Holdings, h)
		ctx.Anomalies = append(ctx.Anomalies, DetectAnomalies(p, asOf)...)

		ctx.Summary.TotalPositions++
		if p.LastPrice.Valid {
			ctx.Summary.PositionsWithPrice++
		} else {
			ctx.Summary.PositionsNoPrice++
		}
	}

	ctx.Summary.TotalMarketValue = totalMV.Round(2)
	return ctx
}

// DetectAnomalies evaluates the anomaly rules for one position, in order:
// OVERSELL, MISSING_PRICE, STALE_PRICE. MISSING_PRICE and STALE_PRICE are
// mutually exclusive — staleness requires an observed price timestamp.
func DetectAnomalies(p model.Position, asOf time.Time) []model.Anomaly {
	var anomalies []model.Anomaly

	if p.NetShares.IsNegative() {
		anomalies = append(anomalies, model.Anomaly{
			Flag:    model.FlagOversell,
			Ticker:  p.TickerSymbol,
			Details: fmt.Sprintf("net_shares=%s (short or data error)", p.NetShares),
		})
	}

	if !p.LastPrice.Valid {
		anomalies = append(anomalies, model.Anomaly{
			Flag:    model.FlagMissingPrice,
			Ticker:  p.TickerSymbol,
			Details: "No PRICE events found for this ticker",
		})
	} else if p.LastPriceTS != nil {
		age := int(asOf.Sub(*p.LastPriceTS).Hours() / 24)
		if age >= StaleDays {
			anomalies = append(anomalies, model.Anomaly{
				Flag:    model.FlagStalePrice,
				Ticker:  p.TickerSymbol,
				Details: fmt.Sprintf("Last price is %d days old (>%dd threshold)", age, StaleDays),
			})
		}
	}

	return anomalies
}
