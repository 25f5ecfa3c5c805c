package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/marketlens/ledger-engine/internal/model"
)

// MemoryStore implements Store with an in-memory event slice. Used for
// testing and development. Folds the event stream with the same semantics
// as the SQL aggregation: sign +1 for BUY, -1 for SELL, 0 for PRICE, and
// latest price by event_ts with id tie-break.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.Event
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *e
	stored.ID = s.nextID
	s.nextID++
	s.events = append(s.events, stored)
	return stored.ID, nil
}

func (s *MemoryStore) Events(_ context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.Ticker != "" && e.TickerSymbol != f.Ticker {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, e.EventType) {
			continue
		}
		if f.Start != nil && e.EventTS.Before(*f.Start) {
			continue
		}
		if f.End != nil && e.EventTS.After(*f.End) {
			continue
		}
		result = append(result, e)
	}

	// Newest first, id tie-break, matching the SQL ordering.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EventTS.Equal(result[j].EventTS) {
			return result[i].EventTS.After(result[j].EventTS)
		}
		return result[i].ID > result[j].ID
	})

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func containsType(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Accounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var accounts []string
	for _, e := range s.events {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			accounts = append(accounts, e.AccountID)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *MemoryStore) AccountPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.fold(func(e *model.Event) bool { return e.AccountID == accountID })
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].TickerSymbol < positions[j].TickerSymbol
	})
	return positions, nil
}

func (s *MemoryStore) AllPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.fold(func(*model.Event) bool { return true })
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].AccountID != positions[j].AccountID {
			return positions[i].AccountID < positions[j].AccountID
		}
		return positions[i].TickerSymbol < positions[j].TickerSymbol
	})
	return positions, nil
}

// fold reduces matching events into positions keyed by (account, ticker).
// Caller must hold at least a read lock.
func (s *MemoryStore) fold(match func(*model.Event) bool) []model.Position {
	type agg struct {
		pos         model.Position
		lastPriceID int64
	}
	m := make(map[string]*agg)

	for i := range s.events {
		e := &s.events[i]
		if !match(e) {
			continue
		}
		key := e.AccountID + "\x00" + e.TickerSymbol
		a, ok := m[key]
		if !ok {
			a = &agg{pos: model.Position{
				AccountID:    e.AccountID,
				TickerSymbol: e.TickerSymbol,
				LastEventTS:  e.EventTS,
			}}
			m[key] = a
		}

		switch e.EventType {
		case model.EventBuy:
			a.pos.NetShares = a.pos.NetShares.Add(e.Shares)
			a.pos.NetCost = a.pos.NetCost.Add(e.Shares.Mul(e.PricePerShare))
			a.pos.BuyShares = a.pos.BuyShares.Add(e.Shares)
		case model.EventSell:
			a.pos.NetShares = a.pos.NetShares.Sub(e.Shares)
			a.pos.NetCost = a.pos.NetCost.Sub(e.Shares.Mul(e.PricePerShare))
		case model.EventPrice:
			// Most recent by time, id tie-break — not maximum price.
			newer := a.pos.LastPriceTS == nil ||
				e.EventTS.After(*a.pos.LastPriceTS) ||
				(e.EventTS.Equal(*a.pos.LastPriceTS) && e.ID > a.lastPriceID)
			if newer {
				ts := e.EventTS
				a.pos.LastPrice = decimal.NullDecimal{Valid: true, Decimal: e.PricePerShare}
				a.pos.LastPriceTS = &ts
				a.lastPriceID = e.ID
			}
		}

		if e.EventTS.After(a.pos.LastEventTS) {
			a.pos.LastEventTS = e.EventTS
		}
	}

	positions := make([]model.Position, 0, len(m))
	for _, a := range m {
		positions = append(positions, a.pos)
	}
	return positions
}

func (s *MemoryStore) LatestPrice(_ context.Context, ticker string) (*model.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Event
	for i := range s.events {
		e := &s.events[i]
		if e.TickerSymbol != ticker || e.EventType != model.EventPrice {
			continue
		}
		if best == nil || e.EventTS.After(best.EventTS) ||
			(e.EventTS.Equal(best.EventTS) && e.ID > best.ID) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("latest price for %s: %w", ticker, ErrNotFound)
	}
	return &model.PriceQuote{
		TickerSymbol:  best.TickerSymbol,
		PricePerShare: best.PricePerShare,
		Currency:      best.Currency,
		EventTS:       best.EventTS,
	}, nil
}

func (s *MemoryStore) ReadQuery(context.Context, string) ([]string, []map[string]any, error) {
	return nil, nil, ErrAdHocUnsupported
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// SeedEvents appends events in order, assigning ids as InsertEvent would.
// Test helper.
func (s *MemoryStore) SeedEvents(events ...model.Event) {
	for _, e := range events {
		e := e
		_, _ = s.InsertEvent(context.Background(), &e)
	}
}
