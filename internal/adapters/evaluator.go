package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// GatewayEvaluator marks a SimulationState to market using gateway books.
//
// Holdings are valued at the mid (last trade when one side is empty). Long
// positions are already represented by their base-asset holdings, so only
// short positions add their collateral plus P&L on top of the balances.
type GatewayEvaluator struct {
	gw      MarketDataGateway
	timeout time.Duration
	now     func() time.Time
}

func NewGatewayEvaluator(gw MarketDataGateway, timeout time.Duration) *GatewayEvaluator {
	return &GatewayEvaluator{gw: gw, timeout: timeout, now: time.Now}
}

// MarkPrice returns the valuation price of base in USDT.
func (e *GatewayEvaluator) MarkPrice(ctx context.Context, base string) (float64, error) {
	if base == domain.QuoteAsset {
		return 1, nil
	}
	symbol := domain.ExchangeSymbol(base + "/" + domain.QuoteAsset)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	t, err := e.gw.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if mid := t.Mid(); mid > 0 {
		return mid, nil
	}
	if t.LastPrice > 0 {
		return t.LastPrice, nil
	}
	return 0, NewMalformedError(symbol, "no usable price in book", nil)
}

func (e *GatewayEvaluator) Evaluate(ctx context.Context, s domain.SimulationState) (domain.PortfolioEvaluation, error) {
	start := time.Now()
	defer func() {
		observ.RecordDuration("portfolio_evaluation", time.Since(start), nil)
	}()

	prices := map[string]float64{}
	price := func(base string) (float64, error) {
		if p, ok := prices[base]; ok {
			return p, nil
		}
		p, err := e.MarkPrice(ctx, base)
		if err != nil {
			return 0, fmt.Errorf("mark %s: %w", base, err)
		}
		prices[base] = p
		return p, nil
	}

	ev := domain.PortfolioEvaluation{EvaluatedAt: e.now().UTC()}
	for _, a := range s.PaperAssets {
		if a.Quantity == 0 {
			continue
		}
		if a.Symbol == domain.QuoteAsset {
			ev.TotalValue += a.Quantity
			continue
		}
		p, err := price(a.Symbol)
		if err != nil {
			observ.IncCounter("portfolio_evaluation_failures_total", nil)
			return domain.PortfolioEvaluation{}, err
		}
		ev.TotalValue += a.Quantity * p
	}

	for _, pos := range s.OpenPositions {
		base, _ := domain.SplitPair(pos.AssetPair)
		p, err := price(base)
		if err != nil {
			observ.IncCounter("portfolio_evaluation_failures_total", nil)
			return domain.PortfolioEvaluation{}, err
		}
		pnl := pos.PnLAt(p)
		ev.UnrealizedPnL += pnl
		ev.PerPosition = append(ev.PerPosition, domain.PositionValuation{
			PositionID:    pos.ID,
			AssetPair:     pos.AssetPair,
			MarkPrice:     p,
			UnrealizedPnL: pnl,
		})
		if pos.Direction == domain.DirectionSell {
			ev.TotalValue += pos.Notional() + pnl
		}
	}
	delete(prices, domain.QuoteAsset)
	ev.Prices = prices

	observ.SetGauge("portfolio_value_usdt", ev.TotalValue, nil)
	return ev, nil
}
