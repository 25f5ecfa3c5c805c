package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/ledger"
	"github.com/marketlens/ledger-engine/internal/model"
	"github.com/marketlens/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router
// wired the same way as cmd/server.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, nil)

	r := chi.NewRouter()
	r.Get("/health", svc.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", svc.ListAccounts)
		r.Get("/portfolio/summary", svc.AllSummaries)
		r.Get("/portfolio/{accountID}", svc.PortfolioSummary)
		r.Get("/portfolio/{accountID}/analysis", svc.AnalysisContext)
		r.Get("/portfolio/{accountID}/trades", svc.TradeHistory)
		r.Get("/portfolio/{accountID}/events", svc.AccountEvents)
		r.Get("/portfolio/{accountID}/{ticker}/events", svc.AccountTickerEvents)
		r.Get("/ticker/{ticker}/price", svc.LatestPrice)
		r.Get("/ticker/{ticker}/events", svc.TickerEvents)
		r.Post("/events", svc.InsertEvent)
		r.Post("/query", svc.RunQuery)
	})
	return ms, r
}

func seedEvent(t *testing.T, ms *store.MemoryStore, account, ticker string, ts time.Time, eventType string, shares, price float64) {
	t.Helper()
	ms.SeedEvents(model.Event{
		AccountID:     account,
		TickerSymbol:  ticker,
		EventTS:       ts,
		EventType:     eventType,
		Shares:        d(shares),
		PricePerShare: d(price),
		Currency:      "USD",
		Source:        "test",
	})
}

func doGET(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doPOST(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v: %s", err, w.Body.String())
	}
	return body
}

// daysAgo keeps staleness tests anchored to the wall clock the service
// evaluates against.
func daysAgo(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -n)
}

// --- Event insertion ---

func TestInsertEvent_Created(t *testing.T) {
	ms, router := newTestEnv(t)

	w := doPOST(t, router, "/api/v1/events", ledger.InsertEventRequest{
		AccountID:     "acct-1",
		TickerSymbol:  "msft",
		EventTS:       "2026-02-10T14:30:00Z",
		EventType:     "buy",
		Shares:        d(10),
		PricePerShare: d(100.50),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["status"] != "created" {
		t.Errorf("expected status created, got %v", body["status"])
	}
	if body["id"].(float64) != 1 {
		t.Errorf("expected id 1, got %v", body["id"])
	}

	events, _ := ms.Events(context.Background(), store.EventFilter{AccountID: "acct-1"})
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
	e := events[0]
	if e.TickerSymbol != "MSFT" || e.EventType != "BUY" {
		t.Errorf("ticker and type should be uppercased, got %s %s", e.TickerSymbol, e.EventType)
	}
	if e.Currency != "USD" || e.Source != "api" {
		t.Errorf("expected USD/api defaults, got %s/%s", e.Currency, e.Source)
	}
}

func TestInsertEvent_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	base := func() ledger.InsertEventRequest {
		return ledger.InsertEventRequest{
			AccountID:     "acct-1",
			TickerSymbol:  "MSFT",
			EventTS:       "2026-02-10T14:30:00Z",
			EventType:     "BUY",
			Shares:        d(10),
			PricePerShare: d(100),
		}
	}

	cases := []struct {
		name   string
		mutate func(*ledger.InsertEventRequest)
	}{
		{"missing account", func(r *ledger.InsertEventRequest) { r.AccountID = "" }},
		{"missing ticker", func(r *ledger.InsertEventRequest) { r.TickerSymbol = "" }},
		{"bad event type", func(r *ledger.InsertEventRequest) { r.EventType = "SHORT" }},
		{"bad timestamp", func(r *ledger.InsertEventRequest) { r.EventTS = "2026-02-10 14:30" }},
		{"negative shares", func(r *ledger.InsertEventRequest) { r.Shares = d(-5) }},
		{"zero shares on trade", func(r *ledger.InsertEventRequest) { r.Shares = decimal.Zero }},
		{"zero price", func(r *ledger.InsertEventRequest) { r.PricePerShare = decimal.Zero }},
		{"nonzero shares on PRICE", func(r *ledger.InsertEventRequest) {
			r.EventType = "PRICE"
			r.Shares = d(1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			w := doPOST(t, router, "/api/v1/events", req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestInsertEvent_PriceObservation(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPOST(t, router, "/api/v1/events", ledger.InsertEventRequest{
		AccountID:     "acct-1",
		TickerSymbol:  "MSFT",
		EventTS:       "2026-02-10T16:00:00Z",
		EventType:     "PRICE",
		Shares:        decimal.Zero,
		PricePerShare: d(123.45),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Portfolio summary ---

func TestPortfolioSummary_UnknownAccount404(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGET(t, router, "/api/v1/portfolio/ghost")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", w.Code)
	}
}

func TestPortfolioSummary_Positions(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(10), model.EventBuy, 10, 100)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(8), model.EventSell, 3, 120)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventPrice, 0, 130)

	w := doGET(t, router, "/api/v1/portfolio/acct-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	positions := body["positions"].([]any)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0].(map[string]any)
	if p["net_shares"].(float64) != 7 {
		t.Errorf("expected net_shares 7, got %v", p["net_shares"])
	}
	if p["last_price"].(float64) != 130 {
		t.Errorf("expected last_price 130, got %v", p["last_price"])
	}
}

// --- Analysis context ---

func TestAnalysisContext_DerivedMetrics(t *testing.T) {
	ms, router := newTestEnv(t)
	// 10 @ 100 + 5 @ 110 - 3 @ 120 = net 12, cost 1190, buys 15.
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(20), model.EventBuy, 10, 100)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(15), model.EventBuy, 5, 110)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(12), model.EventSell, 3, 120)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventPrice, 0, 130)

	w := doGET(t, router, "/api/v1/portfolio/acct-1/analysis")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["account_id"] != "acct-1" {
		t.Errorf("expected account_id acct-1, got %v", body["account_id"])
	}
	if _, err := time.Parse(time.RFC3339, body["as_of"].(string)); err != nil {
		t.Errorf("as_of must be RFC 3339: %v", err)
	}

	holdings := body["holdings"].([]any)
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(holdings))
	}
	h := holdings[0].(map[string]any)
	if h["avg_cost_per_share"].(float64) != 79.33 {
		t.Errorf("expected avg_cost 79.33, got %v", h["avg_cost_per_share"])
	}
	if h["market_value"].(float64) != 1560 {
		t.Errorf("expected market_value 1560, got %v", h["market_value"])
	}
	if h["unrealized_pnl"].(float64) != 370 {
		t.Errorf("expected unrealized_pnl 370, got %v", h["unrealized_pnl"])
	}
	if h["portfolio_weight"].(float64) != 1 {
		t.Errorf("single priced long should carry full weight, got %v", h["portfolio_weight"])
	}

	summary := body["summary"].(map[string]any)
	if summary["total_market_value"].(float64) != 1560 {
		t.Errorf("expected total_market_value 1560, got %v", summary["total_market_value"])
	}
	if summary["positions_with_price"].(float64) != 1 || summary["positions_no_price"].(float64) != 0 {
		t.Errorf("unexpected price coverage counts: %v", summary)
	}

	if anomalies := body["anomalies"].([]any); len(anomalies) != 0 {
		t.Errorf("healthy position should carry no anomalies, got %v", anomalies)
	}
}

func TestAnalysisContext_Anomalies(t *testing.T) {
	ms, router := newTestEnv(t)
	// Oversold: 5 bought, 8 sold.
	seedEvent(t, ms, "acct-1", "OVRS", daysAgo(20), model.EventBuy, 5, 50)
	seedEvent(t, ms, "acct-1", "OVRS", daysAgo(10), model.EventSell, 8, 55)
	seedEvent(t, ms, "acct-1", "OVRS", daysAgo(1), model.EventPrice, 0, 52)
	// Never priced.
	seedEvent(t, ms, "acct-1", "DARK", daysAgo(5), model.EventBuy, 10, 20)
	// Priced long ago.
	seedEvent(t, ms, "acct-1", "OLDP", daysAgo(50), model.EventBuy, 10, 30)
	seedEvent(t, ms, "acct-1", "OLDP", daysAgo(45), model.EventPrice, 0, 31)

	w := doGET(t, router, "/api/v1/portfolio/acct-1/analysis")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	flags := make(map[string]string) // flag -> ticker
	for _, raw := range body["anomalies"].([]any) {
		a := raw.(map[string]any)
		flags[a["flag"].(string)] = a["ticker"].(string)
	}

	if flags[model.FlagOversell] != "OVRS" {
		t.Errorf("expected OVERSELL on OVRS, got %v", flags)
	}
	if flags[model.FlagMissingPrice] != "DARK" {
		t.Errorf("expected MISSING_PRICE on DARK, got %v", flags)
	}
	if flags[model.FlagStalePrice] != "OLDP" {
		t.Errorf("expected STALE_PRICE on OLDP, got %v", flags)
	}
}

func TestAnalysisContext_UnknownAccount404(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGET(t, router, "/api/v1/portfolio/ghost/analysis")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Trades and events ---

func TestTradeHistory_ExcludesPriceEvents(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(3), model.EventBuy, 10, 100)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(2), model.EventPrice, 0, 110)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventSell, 2, 115)

	w := doGET(t, router, "/api/v1/portfolio/acct-1/trades")
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected 2 trades (PRICE excluded), got %v", body["count"])
	}
}

func TestTradeHistory_TypeFilter(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(3), model.EventBuy, 10, 100)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventSell, 2, 115)

	w := doGET(t, router, "/api/v1/portfolio/acct-1/trades?type=sell")
	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 SELL, got %v", body["count"])
	}

	w = doGET(t, router, "/api/v1/portfolio/acct-1/trades?type=PRICE")
	if w.Code != http.StatusBadRequest {
		t.Errorf("type=PRICE is not a trade side, expected 400, got %d", w.Code)
	}
}

func TestAccountEvents_LimitAndRange(t *testing.T) {
	ms, router := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		ts := time.Date(2026, 2, i, 10, 0, 0, 0, time.UTC)
		seedEvent(t, ms, "acct-1", "MSFT", ts, model.EventBuy, 1, 100)
	}

	w := doGET(t, router, "/api/v1/portfolio/acct-1/events?limit=2")
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected limit to cap at 2, got %v", body["count"])
	}

	w = doGET(t, router, "/api/v1/portfolio/acct-1/events?limit=0")
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-positive limit should 400, got %d", w.Code)
	}

	w = doGET(t, router, "/api/v1/portfolio/acct-1/events?start=2026-02-04T10:00:00Z")
	body = decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected 2 events in range (inclusive start), got %v", body["count"])
	}

	w = doGET(t, router, "/api/v1/portfolio/acct-1/events?start=yesterday")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed start should 400, got %d", w.Code)
	}
}

func TestTickerEvents_AcrossAccounts(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(2), model.EventBuy, 1, 100)
	seedEvent(t, ms, "acct-2", "MSFT", daysAgo(1), model.EventBuy, 1, 101)
	seedEvent(t, ms, "acct-1", "AAPL", daysAgo(1), model.EventBuy, 1, 200)

	w := doGET(t, router, "/api/v1/ticker/msft/events")
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected 2 MSFT events across accounts, got %v", body["count"])
	}
	if body["ticker_symbol"] != "MSFT" {
		t.Errorf("ticker should be uppercased in response, got %v", body["ticker_symbol"])
	}
}

// --- Prices ---

func TestLatestPrice_OK(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(3), model.EventPrice, 0, 100)
	seedEvent(t, ms, "acct-2", "MSFT", daysAgo(1), model.EventPrice, 0, 105)

	w := doGET(t, router, "/api/v1/ticker/MSFT/price")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["price_per_share"].(float64) != 105 {
		t.Errorf("expected latest price 105, got %v", body["price_per_share"])
	}
}

func TestLatestPrice_NotFound(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventBuy, 1, 100)

	w := doGET(t, router, "/api/v1/ticker/MSFT/price")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no PRICE events, got %d", w.Code)
	}
}

// --- Accounts, summaries, health ---

func TestListAccounts(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "b-acct", "MSFT", daysAgo(1), model.EventBuy, 1, 100)
	seedEvent(t, ms, "a-acct", "MSFT", daysAgo(1), model.EventBuy, 1, 100)

	w := doGET(t, router, "/api/v1/accounts")
	body := decodeBody(t, w)
	accounts := body["accounts"].([]any)
	if len(accounts) != 2 || accounts[0] != "a-acct" || accounts[1] != "b-acct" {
		t.Errorf("expected sorted [a-acct b-acct], got %v", accounts)
	}
}

func TestAllSummaries(t *testing.T) {
	ms, router := newTestEnv(t)
	seedEvent(t, ms, "acct-1", "MSFT", daysAgo(1), model.EventBuy, 1, 100)
	seedEvent(t, ms, "acct-2", "AAPL", daysAgo(1), model.EventBuy, 2, 200)

	w := doGET(t, router, "/api/v1/portfolio/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected 2 positions across accounts, got %v", body["count"])
	}
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)

	w := doGET(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" || body["database"] != "connected" {
		t.Errorf("unexpected health payload: %v", body)
	}
}

// --- Ad hoc queries ---

func TestRunQuery_RejectedWrite(t *testing.T) {
	_, router := newTestEnv(t)

	w := doPOST(t, router, "/api/v1/query", ledger.QueryRequest{
		SQL: "DELETE FROM portfolio_event_ledger",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for write statement, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestRunQuery_UnsupportedBackend(t *testing.T) {
	// The in-memory store cannot execute SQL; a valid SELECT passes the
	// gate and then reports not-implemented.
	_, router := newTestEnv(t)

	w := doPOST(t, router, "/api/v1/query", ledger.QueryRequest{
		SQL: "SELECT account_id FROM portfolio_event_ledger",
	})
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 from memory store, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInsertThenSummary_RoundTrip(t *testing.T) {
	_, router := newTestEnv(t)

	for i, req := range []ledger.InsertEventRequest{
		{AccountID: "rt-1", TickerSymbol: "MSFT", EventTS: "2026-02-10T10:00:00Z", EventType: "BUY", Shares: d(10), PricePerShare: d(100)},
		{AccountID: "rt-1", TickerSymbol: "MSFT", EventTS: "2026-02-11T10:00:00Z", EventType: "SELL", Shares: d(4), PricePerShare: d(110)},
	} {
		if w := doPOST(t, router, "/api/v1/events", req); w.Code != http.StatusCreated {
			t.Fatalf("insert %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := doGET(t, router, "/api/v1/portfolio/rt-1")
	body := decodeBody(t, w)
	p := body["positions"].([]any)[0].(map[string]any)
	if p["net_shares"].(float64) != 6 {
		t.Errorf("expected net_shares 6 after round trip, got %v", p["net_shares"])
	}
	if fmt.Sprintf("%v", p["last_price"]) != "<nil>" {
		t.Errorf("no PRICE events yet, last_price should be null, got %v", p["last_price"])
	}
}
