package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	"github.com/Rajchodisetti/papertrader/internal/risk"
)

// DefaultFeeRate is the taker fee as a fraction of notional.
const DefaultFeeRate = 0.001

// dust below which a holding is dropped after a close
const quantityEpsilon = 1e-12

// Evaluator marks a state to market. Failures degrade to notional valuation.
type Evaluator interface {
	Evaluate(ctx context.Context, s domain.SimulationState) (domain.PortfolioEvaluation, error)
}

// Valuation methods reported in ExecutionResult.
const (
	ValuationEvaluated = "evaluated"
	ValuationNotional  = "notional"
)

// ExecutionResult describes a filled paper trade.
type ExecutionResult struct {
	NewState       domain.SimulationState `json:"-"`
	Position       domain.Position        `json:"position"`
	Quote          PriceQuote             `json:"quote"`
	ExecutionPrice float64                `json:"execution_price"`
	SlippageBps    float64                `json:"slippage_bps"`
	Quantity       float64                `json:"quantity"`
	Notional       float64                `json:"notional"`
	Fee            float64                `json:"fee"`
	Compliance     ComplianceResult       `json:"compliance"`
	Valuation      string                 `json:"valuation"`

	// Evaluation is the mark taken right after the fill, nil when valuation
	// fell back to notional.
	Evaluation *domain.PortfolioEvaluation `json:"-"`
}

// Executor turns signals into paper trades and closes positions. It never
// mutates the state it is given.
type Executor struct {
	resolver  *PriceResolver
	slippage  *SlippageModel
	evaluator Evaluator
	feeRate   float64
	recorder  *audit.Recorder
	now       func() time.Time
}

// NewExecutor wires an executor. evaluator and recorder may be nil.
func NewExecutor(resolver *PriceResolver, evaluator Evaluator, feeRate float64, recorder *audit.Recorder) *Executor {
	if feeRate < 0 {
		feeRate = DefaultFeeRate
	}
	return &Executor{
		resolver:  resolver,
		slippage:  NewSlippageModel(),
		evaluator: evaluator,
		feeRate:   feeRate,
		recorder:  recorder,
		now:       time.Now,
	}
}

// Resolver exposes the price resolver used by the executor.
func (e *Executor) Resolver() *PriceResolver {
	return e.resolver
}

// Execute opens a position for sig against s.
func (e *Executor) Execute(ctx context.Context, sig domain.Signal, s domain.SimulationState, strategy string) (ExecutionResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, sig, s, strategy)
	observ.RecordDuration("trade_execution", time.Since(start), nil)
	if err != nil {
		observ.IncCounter("trades_failed_total", map[string]string{"kind": FailureKind(err)})
		observ.Log("trade_failed", map[string]any{
			"asset_pair": sig.AssetPair,
			"direction":  string(sig.Direction),
			"kind":       FailureKind(err),
			"reason":     FailureReason(err),
			"error":      err,
		})
		return ExecutionResult{}, err
	}

	observ.IncCounter("trades_executed_total", map[string]string{"direction": string(sig.Direction), "price_source": string(res.Quote.Source)})
	observ.Observe("trade_slippage_bps", res.SlippageBps, nil)
	observ.Log("trade_executed", map[string]any{
		"position_id":     res.Position.ID,
		"asset_pair":      res.Position.AssetPair,
		"direction":       string(res.Position.Direction),
		"execution_price": res.ExecutionPrice,
		"quantity":        res.Quantity,
		"notional":        res.Notional,
		"fee":             res.Fee,
		"slippage_bps":    res.SlippageBps,
		"price_source":    string(res.Quote.Source),
		"valuation":       res.Valuation,
	})
	return res, nil
}

func (e *Executor) execute(ctx context.Context, sig domain.Signal, s domain.SimulationState, strategy string) (ExecutionResult, error) {
	if !sig.Direction.Tradeable() {
		return ExecutionResult{}, newTradeError(KindInvalidDirection,
			fmt.Sprintf("Signal direction %s does not lead to a trade", sig.Direction), nil)
	}
	if base := sig.BaseAsset(); base == "" || base == domain.QuoteAsset {
		return ExecutionResult{}, newTradeError(KindInvalidDirection,
			fmt.Sprintf("Asset pair %q is not tradable", sig.AssetPair), nil)
	}

	quote, err := e.resolver.Resolve(ctx, sig)
	if err != nil {
		return ExecutionResult{}, newTradeError(KindPricing,
			fmt.Sprintf("Market price for %s is unavailable", sig.AssetPair), err)
	}

	size := risk.CalculatePositionSize(s.CurrentPortfolioValue, s.AvailableCash(), strategy)
	if !size.IsValid {
		return ExecutionResult{}, newTradeError(KindPositionSize, size.Reason, nil)
	}

	price := quote.Price
	var slip float64
	if quote.Source != SourceAISuggested {
		slip = e.slippage.EstimateBps(strategy, size.Size, quote.SpreadBps)
		price = ApplySlippage(price, slip, sig.Direction)
	}

	comp := AdjustForCompliance(price, size.Size, sig.Direction, e.resolver.Increments(ctx, sig.AssetPair))
	if !comp.IsValid {
		return ExecutionResult{}, newTradeError(KindCompliance, comp.Reason, nil)
	}

	fee := comp.Notional * e.feeRate
	cash := s.AvailableCash()
	if comp.Notional+fee > cash {
		return ExecutionResult{}, newTradeError(KindInsufficientFunds,
			fmt.Sprintf("Insufficient USDT: %.2f available, %.2f required including fees", cash, comp.Notional+fee), nil)
	}

	now := e.now().UTC()
	params := risk.GetRiskParameters(strategy)
	res := ExecutionResult{
		Position: domain.Position{
			ID:         domain.NewPositionID(now),
			AssetPair:  sig.AssetPair,
			Direction:  sig.Direction,
			EntryPrice: comp.Price,
			Quantity:   comp.Quantity,
			TakeProfit: exitLevel(sig.TakeProfitPrice, comp.Price, params.DefaultTakeProfitPercent, sig.Direction),
			StopLoss:   exitLevel(sig.StopLossPrice, comp.Price, params.DefaultStopLossPercent, sig.Direction),
			OpenedAt:   now,
		},
		Quote:          quote,
		ExecutionPrice: comp.Price,
		SlippageBps:    slip,
		Quantity:       comp.Quantity,
		Notional:       comp.Notional,
		Fee:            fee,
		Compliance:     comp,
		Valuation:      ValuationNotional,
	}

	next, err := e.Apply(s, res)
	if err != nil {
		return ExecutionResult{}, err
	}
	if e.evaluator != nil {
		ev, err := e.evaluator.Evaluate(ctx, next)
		if err == nil {
			res.Evaluation = &ev
			res.Valuation = ValuationEvaluated
			next = next.ApplyEvaluation(ev)
		} else {
			observ.Warn("post_trade_evaluation_failed", map[string]any{"error": err, "fallback": ValuationNotional})
		}
	}
	res.NewState = next
	return res, nil
}

// Apply books an executed trade onto s: the USDT debit, the base credit for
// longs and the new position, valued at notional. It fails when s cannot fund
// the trade or already holds the position.
func (e *Executor) Apply(s domain.SimulationState, res ExecutionResult) (domain.SimulationState, error) {
	pos := res.Position
	if s.PositionIndex(pos.ID) >= 0 {
		return s, newTradeError(KindDuplicatePosition, fmt.Sprintf("Position %s is already open", pos.ID), nil)
	}
	usdt := s.AssetIndex(domain.QuoteAsset)
	if usdt < 0 || res.Notional+res.Fee > s.PaperAssets[usdt].Quantity {
		return s, newTradeError(KindInsufficientFunds,
			fmt.Sprintf("Insufficient USDT: %.2f available, %.2f required including fees", s.AvailableCash(), res.Notional+res.Fee), nil)
	}

	next := s.Clone()
	next.PaperAssets[usdt].Quantity -= res.Notional + res.Fee
	if pos.Direction == domain.DirectionBuy {
		base, _ := domain.SplitPair(pos.AssetPair)
		creditAsset(&next, base, pos.Quantity, pos.EntryPrice)
	}
	next.OpenPositions = append(next.OpenPositions, pos)
	next.CurrentPortfolioValue -= res.Fee
	return next, nil
}

// exitLevel returns the explicit level when set, otherwise entry moved by pct
// in the position's favour (pct > 0) or against it (pct < 0).
func exitLevel(explicit, entry, pct float64, side domain.Direction) float64 {
	if explicit > 0 {
		return explicit
	}
	if side == domain.DirectionSell {
		return entry * (1 - pct/100)
	}
	return entry * (1 + pct/100)
}

// creditAsset adds qty of symbol, keeping a quantity-weighted entry price.
func creditAsset(s *domain.SimulationState, symbol string, qty, price float64) {
	i := s.AssetIndex(symbol)
	if i < 0 {
		p := price
		s.PaperAssets = append(s.PaperAssets, domain.PaperAsset{Symbol: symbol, Quantity: qty, EntryPrice: &p})
		return
	}
	a := &s.PaperAssets[i]
	avg := price
	if a.EntryPrice != nil && a.Quantity+qty > 0 {
		avg = (*a.EntryPrice*a.Quantity + price*qty) / (a.Quantity + qty)
	}
	a.Quantity += qty
	a.EntryPrice = &avg
}

// debitAsset removes qty of symbol, dropping the holding when nothing is left.
func debitAsset(s *domain.SimulationState, symbol string, qty float64) {
	i := s.AssetIndex(symbol)
	if i < 0 {
		return
	}
	s.PaperAssets[i].Quantity -= qty
	if s.PaperAssets[i].Quantity <= quantityEpsilon {
		s.PaperAssets = append(s.PaperAssets[:i], s.PaperAssets[i+1:]...)
	}
}

// ClosePosition removes positionID from s at price and reports the close.
func (e *Executor) ClosePosition(ctx context.Context, s domain.SimulationState, positionID string, price float64, reason string) (domain.SimulationState, domain.ClosedPosition, error) {
	next, closed, err := e.CloseAt(s, Exit{PositionID: positionID, Price: price, Reason: reason})
	if err != nil {
		return s, domain.ClosedPosition{}, err
	}
	e.ReportClose(closed)
	return next, closed, nil
}

// Exit is a decision to close one position at a price.
type Exit struct {
	PositionID string
	Price      float64
	Reason     string
}

// CloseAt books x onto s without reporting it. Longs sell their base
// holding; shorts release their collateral adjusted by P&L. The exit fee is
// charged on the exit notional.
func (e *Executor) CloseAt(s domain.SimulationState, x Exit) (domain.SimulationState, domain.ClosedPosition, error) {
	i := s.PositionIndex(x.PositionID)
	if i < 0 {
		return s, domain.ClosedPosition{}, newTradeError(KindPositionNotFound,
			fmt.Sprintf("Position %s is not open", x.PositionID), nil)
	}
	price := x.Price
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return s, domain.ClosedPosition{}, newTradeError(KindPricing,
			fmt.Sprintf("No valid exit price for position %s", x.PositionID), ErrPricingUnavailable)
	}

	next := s.Clone()
	pos := next.OpenPositions[i]
	next.OpenPositions = append(next.OpenPositions[:i], next.OpenPositions[i+1:]...)

	gross := pos.Quantity * price
	fee := gross * e.feeRate
	pnl := pos.PnLAt(price)
	if next.AssetIndex(domain.QuoteAsset) < 0 {
		next.PaperAssets = append(next.PaperAssets, domain.PaperAsset{Symbol: domain.QuoteAsset})
	}
	usdt := next.AssetIndex(domain.QuoteAsset)

	if pos.Direction == domain.DirectionSell {
		next.PaperAssets[usdt].Quantity += pos.Notional() + pnl - fee
	} else {
		base, _ := domain.SplitPair(pos.AssetPair)
		debitAsset(&next, base, pos.Quantity)
		usdt = next.AssetIndex(domain.QuoteAsset)
		next.PaperAssets[usdt].Quantity += gross - fee
	}
	if next.PaperAssets[usdt].Quantity < 0 {
		return s, domain.ClosedPosition{}, newTradeError(KindInsufficientFunds,
			fmt.Sprintf("Closing %s would leave a negative USDT balance", x.PositionID), nil)
	}

	realized := pnl - fee
	next.RealizedPnL += realized
	next.CurrentPortfolioValue += pnl - pos.UnrealizedPnL - fee

	return next, domain.ClosedPosition{
		PositionID:  pos.ID,
		AssetPair:   pos.AssetPair,
		Direction:   pos.Direction,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    pos.Quantity,
		Fee:         fee,
		RealizedPnL: realized,
		Reason:      x.Reason,
		ClosedAt:    e.now().UTC(),
	}, nil
}

// ReportClose logs a close and records it in the activity log.
func (e *Executor) ReportClose(c domain.ClosedPosition) {
	observ.IncCounter("positions_closed_total", map[string]string{"reason": c.Reason})
	observ.Log("position_closed", map[string]any{
		"position_id":  c.PositionID,
		"asset_pair":   c.AssetPair,
		"exit_price":   c.ExitPrice,
		"realized_pnl": c.RealizedPnL,
		"reason":       c.Reason,
	})
	e.recorder.Emit(audit.EventPositionClosed, c.PositionID, c.Reason, map[string]any{
		"asset_pair":   c.AssetPair,
		"direction":    string(c.Direction),
		"entry_price":  c.EntryPrice,
		"exit_price":   c.ExitPrice,
		"quantity":     c.Quantity,
		"realized_pnl": c.RealizedPnL,
	})
}

// ExitPrice satisfies risk.ExitPricer through the resolver.
func (e *Executor) ExitPrice(ctx context.Context, pos domain.Position) (float64, error) {
	return e.resolver.ExitPrice(ctx, pos)
}

// Exit reasons
const (
	ExitTakeProfit = "take_profit"
	ExitStopLoss   = "stop_loss"
)

// EvaluateExits closes every position whose take-profit or stop-loss is
// crossed at its current exit price. Positions that cannot be priced stay open.
func (e *Executor) EvaluateExits(ctx context.Context, s domain.SimulationState) (domain.SimulationState, []domain.ClosedPosition, error) {
	current := s
	var closed []domain.ClosedPosition
	var errs []error

	for _, x := range e.DueExits(ctx, s) {
		next, c, err := e.ClosePosition(ctx, current, x.PositionID, x.Price, x.Reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		current = next
		closed = append(closed, c)
	}
	return current, closed, errors.Join(errs...)
}

// DueExits prices every open position and returns those past an exit level.
func (e *Executor) DueExits(ctx context.Context, s domain.SimulationState) []Exit {
	var due []Exit
	for _, pos := range s.OpenPositions {
		price, err := e.ExitPrice(ctx, pos)
		if err != nil {
			observ.Warn("exit_check_skipped", map[string]any{"position_id": pos.ID, "error": err})
			continue
		}
		if reason := exitReason(pos, price); reason != "" {
			due = append(due, Exit{PositionID: pos.ID, Price: price, Reason: reason})
		}
	}
	return due
}

func exitReason(pos domain.Position, price float64) string {
	if pos.Direction == domain.DirectionSell {
		switch {
		case pos.TakeProfit > 0 && price <= pos.TakeProfit:
			return ExitTakeProfit
		case pos.StopLoss > 0 && price >= pos.StopLoss:
			return ExitStopLoss
		}
		return ""
	}
	switch {
	case pos.TakeProfit > 0 && price >= pos.TakeProfit:
		return ExitTakeProfit
	case pos.StopLoss > 0 && price <= pos.StopLoss:
		return ExitStopLoss
	}
	return ""
}

var (
	_ risk.PositionCloser = (*Executor)(nil)
	_ risk.ExitPricer     = (*Executor)(nil)
)
