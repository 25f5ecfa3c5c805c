// Package ledger provides the HTTP handlers and business logic for
// recording portfolio events and querying positions, analysis contexts,
// and prices.
//
// All share and monetary values use shopspring/decimal — never float64
// for money.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/analysis"
	"github.com/marketlens/ledger-engine/internal/metrics"
	"github.com/marketlens/ledger-engine/internal/model"
	"github.com/marketlens/ledger-engine/internal/store"
)

// defaultEventLimit bounds event listings when the caller does not pass
// an explicit limit.
const defaultEventLimit = 100

// Service handles ledger operations. Stateless between requests: every
// query recomputes positions from the event stream, so concurrent
// requests need no coordination beyond the store's own pool.
type Service struct {
	store store.Store
	wsHub *WSHub // optional hub for event broadcasts
	now   func() time.Time
}

// NewService creates a ledger service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	return &Service{store: st, wsHub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// --- Request/response types ---

// InsertEventRequest is the JSON body for POST /api/v1/events.
type InsertEventRequest struct {
	AccountID     string          `json:"account_id"`
	TickerSymbol  string          `json:"ticker_symbol"`
	EventTS       string          `json:"event_ts"` // RFC 3339
	EventType     string          `json:"event_type"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Currency      string          `json:"currency"`
	Source        string          `json:"source"`
}

// QueryRequest is the JSON body for POST /api/v1/query.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// --- HTTP handlers ---

// Health handles GET /health, reporting service and store connectivity.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	database := "connected"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		database = "disconnected"
		slog.Warn("health check failed", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"service":  "ledger-engine",
		"database": database,
	})
}

// ListAccounts handles GET /api/v1/accounts.
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.Accounts(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(accounts),
		"accounts": accounts,
	})
}

// AllSummaries handles GET /api/v1/portfolio/summary.
// One aggregation over the whole ledger: every (account, ticker) position,
// ordered by account then ticker. A single call replaces per-account
// summary calls for cross-account risk scans.
func (s *Service) AllSummaries(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.AllPositions(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(positions),
		"positions": positions,
	})
}

// PortfolioSummary handles GET /api/v1/portfolio/{accountID}.
// Net share position, cost basis, and last observed price per ticker.
// An account with no events is not-found, not an error.
func (s *Service) PortfolioSummary(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	positions, err := s.store.AccountPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(positions) == 0 {
		writeError(w, fmt.Sprintf("no data for account %q", accountID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"positions":  positions,
	})
}

// AnalysisContext handles GET /api/v1/portfolio/{accountID}/analysis.
// Per-position derived metrics plus pre-flagged anomalies, evaluated
// against the wall clock at request time.
func (s *Service) AnalysisContext(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	positions, err := s.store.AccountPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(positions) == 0 {
		writeError(w, fmt.Sprintf("no holdings found for account %q", accountID), http.StatusNotFound)
		return
	}

	ctx := analysis.Build(accountID, positions, s.now())
	for _, a := range ctx.Anomalies {
		metrics.AnomaliesTotal.WithLabelValues(a.Flag).Inc()
	}
	writeJSON(w, http.StatusOK, ctx)
}

// TradeHistory handles GET /api/v1/portfolio/{accountID}/trades.
// BUY/SELL events only; ?type= narrows to one side, ?start=/?end= bound
// the range (inclusive).
func (s *Service) TradeHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	f := store.EventFilter{
		AccountID: accountID,
		Types:     []string{model.EventBuy, model.EventSell},
	}
	if t := strings.ToUpper(r.URL.Query().Get("type")); t != "" {
		if t != model.EventBuy && t != model.EventSell {
			writeError(w, "type must be BUY or SELL", http.StatusBadRequest)
			return
		}
		f.Types = []string{t}
	}
	if !s.applyRangeAndLimit(w, r, &f) {
		return
	}

	events, err := s.store.Events(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"count":      len(events),
		"trades":     events,
	})
}

// AccountEvents handles GET /api/v1/portfolio/{accountID}/events.
func (s *Service) AccountEvents(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	f := store.EventFilter{AccountID: accountID}
	if !s.applyRangeAndLimit(w, r, &f) {
		return
	}

	events, err := s.store.Events(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"count":      len(events),
		"events":     events,
	})
}

// AccountTickerEvents handles GET /api/v1/portfolio/{accountID}/{ticker}/events.
// More targeted than the account listing when drilling into one position.
func (s *Service) AccountTickerEvents(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	f := store.EventFilter{AccountID: accountID, Ticker: ticker}
	if !s.applyRangeAndLimit(w, r, &f) {
		return
	}

	events, err := s.store.Events(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    accountID,
		"ticker_symbol": ticker,
		"count":         len(events),
		"events":        events,
	})
}

// TickerEvents handles GET /api/v1/ticker/{ticker}/events — all events for
// a ticker across every account.
func (s *Service) TickerEvents(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	f := store.EventFilter{Ticker: ticker}
	if !s.applyRangeAndLimit(w, r, &f) {
		return
	}

	events, err := s.store.Events(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticker_symbol": ticker,
		"count":         len(events),
		"events":        events,
	})
}

// LatestPrice handles GET /api/v1/ticker/{ticker}/price — the most recent
// PRICE observation for a ticker, global across accounts.
func (s *Service) LatestPrice(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	quote, err := s.store.LatestPrice(r.Context(), ticker)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, fmt.Sprintf("no price data for %q", ticker), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// InsertEvent handles POST /api/v1/events.
// Appends one immutable event; duplicate submissions create duplicate
// events (no idempotency key).
func (s *Service) InsertEvent(w http.ResponseWriter, r *http.Request) {
	var req InsertEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	event, err := req.toEvent()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.store.InsertEvent(r.Context(), event)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event.ID = id
	metrics.EventsTotal.WithLabelValues(event.EventType).Inc()

	slog.Info("event recorded",
		"id", id,
		"account", event.AccountID,
		"ticker", event.TickerSymbol,
		"type", event.EventType,
		"shares", event.Shares.String(),
		"price", event.PricePerShare.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "event_recorded",
			EventID:       id,
			AccountID:     event.AccountID,
			TickerSymbol:  event.TickerSymbol,
			EventType:     event.EventType,
			Shares:        event.Shares.String(),
			PricePerShare: event.PricePerShare.String(),
			EventTS:       event.EventTS.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "created",
		"id":     id,
		"event":  event,
	})
}

// toEvent validates the request and normalizes it into a ledger event.
func (r *InsertEventRequest) toEvent() (*model.Event, error) {
	if r.AccountID == "" {
		return nil, errors.New("account_id is required")
	}
	if r.TickerSymbol == "" {
		return nil, errors.New("ticker_symbol is required")
	}

	eventType := strings.ToUpper(r.EventType)
	if !model.ValidEventType(eventType) {
		return nil, errors.New("event_type must be BUY, SELL, or PRICE")
	}

	ts, err := time.Parse(time.RFC3339, r.EventTS)
	if err != nil {
		return nil, fmt.Errorf("event_ts must be RFC 3339: %v", err)
	}

	if r.Shares.IsNegative() {
		return nil, errors.New("shares must be non-negative")
	}
	if eventType == model.EventPrice && !r.Shares.IsZero() {
		return nil, errors.New("shares must be 0 for PRICE events")
	}
	if eventType != model.EventPrice && r.Shares.IsZero() {
		return nil, errors.New("shares must be positive for BUY and SELL events")
	}
	if r.PricePerShare.IsNegative() || r.PricePerShare.IsZero() {
		return nil, errors.New("price_per_share must be positive")
	}

	currency := r.Currency
	if currency == "" {
		currency = "USD"
	}
	source := r.Source
	if source == "" {
		source = "api"
	}

	return &model.Event{
		AccountID:     r.AccountID,
		TickerSymbol:  strings.ToUpper(r.TickerSymbol),
		EventTS:       ts.UTC(),
		EventType:     eventType,
		Shares:        r.Shares,
		PricePerShare: r.PricePerShare,
		Currency:      currency,
		Source:        source,
	}, nil
}

// RunQuery handles POST /api/v1/query — ad hoc read-only queries against
// the ledger. The denylist gate rejects write statements up front; the
// store then executes inside a READ ONLY transaction as the real guarantee.
func (s *Service) RunQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := ValidateReadOnly(req.SQL); err != nil {
		metrics.QueryRejections.Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	columns, rows, err := s.store.ReadQuery(r.Context(), req.SQL)
	if errors.Is(err, store.ErrAdHocUnsupported) {
		writeError(w, err.Error(), http.StatusNotImplemented)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"row_count": len(rows),
		"columns":   columns,
		"rows":      rows,
	})
}

// applyRangeAndLimit parses ?start=, ?end=, and ?limit= into the filter.
// Writes a 400 and returns false on malformed input. Range bounds are
// inclusive on both ends.
func (s *Service) applyRangeAndLimit(w http.ResponseWriter, r *http.Request, f *store.EventFilter) bool {
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start", &f.Start},
		{"end", &f.End},
	} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, fmt.Sprintf("%s must be RFC 3339: %v", p.name, err), http.StatusBadRequest)
			return false
		}
		t := ts.UTC()
		*p.dst = &t
	}

	f.Limit = defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return false
		}
		f.Limit = n
	}
	return true
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
