package adapters

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// RateLimitedGateway enforces a client-side request budget in front of a
// gateway. Requests that cannot get a token before ctx ends fail with a
// rate_limit GatewayError instead of reaching the exchange.
type RateLimitedGateway struct {
	inner   MarketDataGateway
	limiter *rate.Limiter
}

func NewRateLimitedGateway(inner MarketDataGateway, perSecond float64, burst int) *RateLimitedGateway {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedGateway{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (g *RateLimitedGateway) wait(ctx context.Context, symbol, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		observ.IncCounter("gateway_rate_limited_total", map[string]string{"op": op})
		return &GatewayError{Type: ErrTypeRateLimit, Symbol: symbol, Message: "request budget exhausted", Cause: err}
	}
	return nil
}

func (g *RateLimitedGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	if err := g.wait(ctx, symbol, "book"); err != nil {
		return nil, err
	}
	return g.inner.GetBestBidAsk(ctx, symbol)
}

func (g *RateLimitedGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	if err := g.wait(ctx, symbol, "increments"); err != nil {
		return nil, err
	}
	return g.inner.GetInstrumentIncrements(ctx, symbol)
}

var _ MarketDataGateway = (*RateLimitedGateway)(nil)
