package adapters

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimGateway produces random-walk books so a simulation can run without an
// exchange connection.
type SimGateway struct {
	mu      sync.Mutex
	markets map[string]*simMarket
	random  *rand.Rand
}

type simMarket struct {
	Symbol     string
	Price      float64
	Volatility float64 // daily volatility as a fraction, e.g. 0.04
	SpreadBps  float64
	Increments Increments
}

// NewSimGateway seeds the usual USDT pairs. seed 0 uses the clock.
func NewSimGateway(seed int64) *SimGateway {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &SimGateway{
		markets: map[string]*simMarket{},
		random:  rand.New(rand.NewSource(seed)),
	}
	s.AddMarket("BTC-USDT", 60000, 0.035, 1.5, Increments{PriceIncrement: 0.01, BaseIncrement: 0.00000001, MinBaseSize: 0.00001, MinQuoteSize: 1})
	s.AddMarket("ETH-USDT", 3000, 0.045, 2, Increments{PriceIncrement: 0.01, BaseIncrement: 0.0000001, MinBaseSize: 0.0001, MinQuoteSize: 1})
	s.AddMarket("SOL-USDT", 150, 0.06, 4, Increments{PriceIncrement: 0.001, BaseIncrement: 0.0001, MinBaseSize: 0.01, MinQuoteSize: 1})
	s.AddMarket("DOGE-USDT", 0.15, 0.08, 8, Increments{PriceIncrement: 0.00001, BaseIncrement: 1, MinBaseSize: 1, MinQuoteSize: 1})
	return s
}

// AddMarket allows adding new symbols to simulation
func (s *SimGateway) AddMarket(symbol string, price, volatility, spreadBps float64, inc Increments) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = normSymbol(symbol)
	s.markets[symbol] = &simMarket{
		Symbol:     symbol,
		Price:      price,
		Volatility: volatility,
		SpreadBps:  spreadBps,
		Increments: inc,
	}
}

// GetBestBidAsk advances the market one step and returns the new book.
func (s *SimGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewNetworkError(symbol, "request cancelled", err)
	}
	symbol = normSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not supported by sim gateway")
	}

	m.Price *= 1 + s.generatePriceMovement(m.Volatility)
	if m.Price <= 0 {
		m.Price = m.Increments.PriceIncrement
	}

	// Spread jitters between 50% and 150% of the configured width
	spread := m.Price * m.SpreadBps / 10000 * (0.5 + s.random.Float64())
	tick := m.Increments.PriceIncrement
	bid := roundToTick(m.Price-spread/2, tick)
	ask := roundToTick(m.Price+spread/2, tick)
	if ask <= bid {
		ask = bid + tick
	}
	last := roundToTick(m.Price+(s.random.Float64()-0.5)*spread, tick)

	return &BookTicker{
		Symbol:    symbol,
		BestBid:   bid,
		BestAsk:   ask,
		LastPrice: last,
		Timestamp: time.Now(),
		Source:    "sim",
	}, nil
}

func (s *SimGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[normSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	inc := m.Increments
	return &inc, nil
}

// generatePriceMovement scales daily volatility down to a per-minute step.
// Crypto trades around the clock, so a day is 1440 minutes.
func (s *SimGateway) generatePriceMovement(dailyVol float64) float64 {
	minuteVol := dailyVol / math.Sqrt(1440)
	return s.random.NormFloat64() * minuteVol
}

func roundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

var _ MarketDataGateway = (*SimGateway)(nil)
