package adapters

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockGateway provides deterministic books for tests and dry runs.
type MockGateway struct {
	mu         sync.Mutex
	tickers    map[string]BookTicker
	increments map[string]Increments
	errs       map[string]error
	calls      map[string]int
	latency    time.Duration
}

// NewMockGateway creates a gateway with a few liquid USDT pairs.
func NewMockGateway() *MockGateway {
	now := time.Now()
	return &MockGateway{
		tickers: map[string]BookTicker{
			"BTC-USDT": {Symbol: "BTC-USDT", BestBid: 59990.00, BestAsk: 60010.00, LastPrice: 60000.00, Timestamp: now, Source: "mock"},
			"ETH-USDT": {Symbol: "ETH-USDT", BestBid: 2999.50, BestAsk: 3000.50, LastPrice: 3000.00, Timestamp: now, Source: "mock"},
			"SOL-USDT": {Symbol: "SOL-USDT", BestBid: 149.95, BestAsk: 150.05, LastPrice: 150.00, Timestamp: now, Source: "mock"},
		},
		increments: map[string]Increments{
			"BTC-USDT": {PriceIncrement: 0.01, BaseIncrement: 0.00000001, MinBaseSize: 0.00001, MinQuoteSize: 1},
			"ETH-USDT": {PriceIncrement: 0.01, BaseIncrement: 0.0000001, MinBaseSize: 0.0001, MinQuoteSize: 1},
			"SOL-USDT": {PriceIncrement: 0.001, BaseIncrement: 0.0001, MinBaseSize: 0.01, MinQuoteSize: 1},
		},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func normSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *MockGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, NewNetworkError(symbol, "request cancelled", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, NewNetworkError(symbol, "request cancelled", err)
	}

	symbol = normSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[symbol]++

	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not found in mock data")
	}
	t.Timestamp = time.Now()
	return &t, nil
}

func (m *MockGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	symbol = normSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.increments[symbol]
	if !ok {
		return nil, nil
	}
	return &inc, nil
}

// SetTicker allows tests to add or replace a book.
func (m *MockGateway) SetTicker(t BookTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Symbol = normSymbol(t.Symbol)
	if t.Source == "" {
		t.Source = "mock"
	}
	m.tickers[t.Symbol] = t
}

// SetIncrements allows tests to control instrument metadata.
func (m *MockGateway) SetIncrements(symbol string, inc Increments) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.increments[normSymbol(symbol)] = inc
}

// RemoveIncrements makes metadata unavailable for symbol.
func (m *MockGateway) RemoveIncrements(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.increments, normSymbol(symbol))
}

// SetError makes every book request for symbol fail with err; nil clears it.
func (m *MockGateway) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, normSymbol(symbol))
		return
	}
	m.errs[normSymbol(symbol)] = err
}

// SetLatency allows tests to control simulated latency
func (m *MockGateway) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many book requests symbol received.
func (m *MockGateway) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[normSymbol(symbol)]
}

var _ MarketDataGateway = (*MockGateway)(nil)
