package adapters

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// ChaosConfig sets per-call fault injection rates (0.1 = 10%).
type ChaosConfig struct {
	NetworkRate   float64
	RateLimitRate float64
	MalformedRate float64
	Seed          int64 // 0 uses the clock
}

// Enabled reports whether any fault is configured.
func (c ChaosConfig) Enabled() bool {
	return c.NetworkRate > 0 || c.RateLimitRate > 0 || c.MalformedRate > 0
}

// ChaosGateway injects typed gateway failures in front of another gateway so
// the failure paths of pricing, valuation and liquidation can be rehearsed
// against the simulator.
type ChaosGateway struct {
	inner MarketDataGateway
	cfg   ChaosConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewChaosGateway(inner MarketDataGateway, cfg ChaosConfig) *ChaosGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ChaosGateway{inner: inner, cfg: cfg, rnd: rand.New(rand.NewSource(seed))}
}

func (g *ChaosGateway) inject(symbol string) error {
	g.mu.Lock()
	network, limited, malformed := g.rnd.Float64(), g.rnd.Float64(), g.rnd.Float64()
	g.mu.Unlock()

	var err *GatewayError
	switch {
	case network < g.cfg.NetworkRate:
		err = NewNetworkError(symbol, "chaos: connection refused", nil)
	case limited < g.cfg.RateLimitRate:
		err = NewRateLimitError(symbol, "chaos: too many requests")
	case malformed < g.cfg.MalformedRate:
		err = NewMalformedError(symbol, "chaos: invalid JSON response", nil)
	default:
		return nil
	}
	observ.IncCounter("gateway_chaos_injected_total", map[string]string{"type": err.Type})
	return err
}

func (g *ChaosGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	if err := g.inject(symbol); err != nil {
		return nil, err
	}
	return g.inner.GetBestBidAsk(ctx, symbol)
}

func (g *ChaosGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	if err := g.inject(symbol); err != nil {
		return nil, err
	}
	return g.inner.GetInstrumentIncrements(ctx, symbol)
}

var _ MarketDataGateway = (*ChaosGateway)(nil)
