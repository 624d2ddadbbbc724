package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// PriceSource tags where an execution price came from.
type PriceSource string

const (
	SourceAISuggested PriceSource = "AI-suggested"
	SourceOrderbook   PriceSource = "orderbook"
	SourceLastTrade   PriceSource = "last-trade"
)

// PriceQuote is a resolved execution reference price.
type PriceQuote struct {
	Price     float64     `json:"price"`
	Source    PriceSource `json:"source"`
	SpreadBps float64     `json:"spread_bps"` // 0 when unknown
	BestBid   float64     `json:"best_bid,omitempty"`
	BestAsk   float64     `json:"best_ask,omitempty"`
}

// PriceResolver derives execution prices from signals and the gateway. Every
// gateway call is bounded by timeout.
type PriceResolver struct {
	gw      adapters.MarketDataGateway
	timeout time.Duration
}

func NewPriceResolver(gw adapters.MarketDataGateway, timeout time.Duration) *PriceResolver {
	return &PriceResolver{gw: gw, timeout: timeout}
}

func (r *PriceResolver) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Resolve returns the signal's suggested price when it is numeric, otherwise
// the taker side of the book.
func (r *PriceResolver) Resolve(ctx context.Context, sig domain.Signal) (PriceQuote, error) {
	if sig.SuggestedEntryPrice.Numeric() {
		observ.IncCounter("price_resolutions_total", map[string]string{"source": string(SourceAISuggested)})
		return PriceQuote{Price: sig.SuggestedEntryPrice.Value, Source: SourceAISuggested}, nil
	}
	return r.MarketPrice(ctx, sig.AssetPair, sig.Direction)
}

// MarketPrice takes the worse side for a taker: ask for BUY, bid for SELL.
// With an empty book it falls back to the last trade.
func (r *PriceResolver) MarketPrice(ctx context.Context, pair string, side domain.Direction) (PriceQuote, error) {
	symbol := domain.ExchangeSymbol(pair)
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	start := time.Now()
	t, err := r.gw.GetBestBidAsk(ctx, symbol)
	observ.RecordDuration("gateway_book", time.Since(start), nil)
	if err != nil {
		observ.IncCounter("price_resolution_failures_total", map[string]string{"error_type": adapters.ErrorType(err)})
		return PriceQuote{}, fmt.Errorf("%w: %s: %w", ErrPricingUnavailable, symbol, err)
	}

	q := PriceQuote{BestBid: t.BestBid, BestAsk: t.BestAsk, SpreadBps: t.SpreadBps()}
	switch {
	case side == domain.DirectionBuy && t.BestAsk > 0:
		q.Price, q.Source = t.BestAsk, SourceOrderbook
	case side == domain.DirectionSell && t.BestBid > 0:
		q.Price, q.Source = t.BestBid, SourceOrderbook
	case t.LastPrice > 0:
		q.Price, q.Source = t.LastPrice, SourceLastTrade
	default:
		observ.IncCounter("price_resolution_failures_total", map[string]string{"error_type": "empty_book"})
		return PriceQuote{}, fmt.Errorf("%w: %s: empty book and no last trade", ErrPricingUnavailable, symbol)
	}

	observ.IncCounter("price_resolutions_total", map[string]string{"source": string(q.Source)})
	return q, nil
}

// Increments returns instrument metadata, or nil when it is unavailable.
// Metadata failures never block a trade.
func (r *PriceResolver) Increments(ctx context.Context, pair string) *adapters.Increments {
	symbol := domain.ExchangeSymbol(pair)
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	inc, err := r.gw.GetInstrumentIncrements(ctx, symbol)
	if err != nil {
		observ.Warn("increments_unavailable", map[string]any{"symbol": symbol, "error": err})
		return nil
	}
	return inc
}

// ExitPrice prices closing pos: a long sells into the bid, a short buys at
// the ask.
func (r *PriceResolver) ExitPrice(ctx context.Context, pos domain.Position) (float64, error) {
	side := domain.DirectionSell
	if pos.Direction == domain.DirectionSell {
		side = domain.DirectionBuy
	}
	q, err := r.MarketPrice(ctx, pos.AssetPair, side)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}
