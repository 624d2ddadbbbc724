package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/execution"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	"github.com/Rajchodisetti/papertrader/internal/portfolio"
	"github.com/Rajchodisetti/papertrader/internal/risk"
	"github.com/Rajchodisetti/papertrader/internal/signal"
)

// Failure reasons handed to the state machine besides execution kinds.
const (
	FailureInactive = "simulation_inactive"
	FailurePersist  = "persist_failed"
)

// TradeOutcome reports what happened to one processed signal.
type TradeOutcome struct {
	Signal      domain.Signal              `json:"signal"`
	Executed    bool                       `json:"executed"`
	Result      *execution.ExecutionResult `json:"result,omitempty"`
	Risk        risk.TradeRiskCheck        `json:"risk"`
	FailureKind string                     `json:"failure_kind,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Breaker     *risk.Evaluation           `json:"breaker,omitempty"`
}

// RunCycle is the scheduler task. It marks the portfolio to market, closes
// positions past their exits, runs the passive risk check and then asks the
// producer for a signal. Trade rejections are outcomes, not cycle errors.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	start := time.Now()
	cycleID := uuid.NewString()

	s, err := e.loadState(ctx)
	if err != nil {
		return err
	}
	if s.IsPaused {
		return domain.ErrSimulationPaused
	}

	s, prices, err := e.refresh(ctx, s)
	if err != nil {
		return err
	}

	ev := e.breaker.CheckRiskLimits(ctx, s, e.opts.Strategy, false)
	if ev.Breached {
		if err := e.commitBreach(ctx, s, ev); err != nil {
			return err
		}
		e.finishCycle(cycleID, start, "breaker_tripped")
		return nil
	}

	if !e.machine.CanAccept() {
		e.finishCycle(cycleID, start, "signal_in_flight")
		return nil
	}

	sigs, err := e.producer.Produce(ctx, signal.PortfolioContext{State: s, Strategy: e.opts.Strategy, Prices: prices})
	if err != nil {
		if !errors.Is(err, signal.ErrConfigInvalid) {
			return fmt.Errorf("produce signals: %w", err)
		}
		observ.Warn("signal_producer_unconfigured", map[string]any{"error": err})
		sigs = nil
	}

	sig, ok := e.selectSignal(sigs)
	if !ok {
		e.finishCycle(cycleID, start, "no_signal")
		return nil
	}

	e.setCorrelation(cycleID)
	if !e.machine.GenerateSignal(sig) {
		e.finishCycle(cycleID, start, "signal_in_flight")
		return nil
	}
	if !e.opts.AutoMode {
		// waits for AcceptPending or the generated timeout
		e.finishCycle(cycleID, start, "signal_pending")
		return nil
	}

	out, err := e.process(ctx, sig, true)
	if err != nil && !isOutcome(err) {
		return err
	}
	result := "executed"
	if !out.Executed {
		result = "rejected"
	}
	e.finishCycle(cycleID, start, result)
	return nil
}

// AcceptSignal submits sig directly and executes it. Used for user-initiated
// trades; it waits for a running cycle and fails with ErrSignalInFlight while
// another signal is in flight.
func (e *Engine) AcceptSignal(ctx context.Context, sig domain.Signal) (TradeOutcome, error) {
	if err := signal.Validate(sig); err != nil {
		return TradeOutcome{Signal: sig}, fmt.Errorf("%w: %v", ErrSignalIneligible, err)
	}
	if !sig.Direction.Tradeable() {
		return TradeOutcome{Signal: sig}, fmt.Errorf("%w: direction %s", ErrSignalIneligible, sig.Direction)
	}

	e.ops.Lock()
	defer e.ops.Unlock()

	e.setCorrelation(uuid.NewString())
	if !e.machine.GenerateSignal(sig) {
		e.recorder.Emit(audit.EventSignalRejected, e.correlation(), "signal_in_flight", map[string]any{
			"asset_pair": sig.AssetPair,
			"state":      string(e.machine.State()),
		})
		return TradeOutcome{Signal: sig}, ErrSignalInFlight
	}
	return e.process(ctx, sig, false)
}

// AcceptPending executes the signal currently waiting in GENERATED.
func (e *Engine) AcceptPending(ctx context.Context) (TradeOutcome, error) {
	e.ops.Lock()
	defer e.ops.Unlock()

	snap := e.machine.Snapshot()
	if snap.State != signal.StateGenerated || snap.Signal == nil {
		return TradeOutcome{}, ErrNoPendingSignal
	}
	return e.process(ctx, *snap.Signal, false)
}

// process takes the processing lock for sig and runs risk gates, execution,
// the state commit and the forced post-trade breaker check. Execution is
// bounded by the processing timeout and the commit only happens while the
// signal is still PROCESSING. Caller holds ops.
func (e *Engine) process(ctx context.Context, sig domain.Signal, auto bool) (TradeOutcome, error) {
	out := TradeOutcome{Signal: sig}
	if !e.machine.StartProcessing() {
		return out, ErrNoPendingSignal
	}
	corr := e.correlation()
	if d := e.opts.Timings.ProcessingTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s, err := e.loadState(ctx)
	if err == nil && s.IsPaused {
		err = domain.ErrSimulationPaused
	}
	if err != nil {
		e.fail(&out, corr, FailureInactive, err.Error())
		return out, err
	}

	out.Risk = risk.ValidateTradeRisk(sig, s, e.opts.Strategy)
	if !out.Risk.Allowed {
		e.machine.MarkFailed(out.Risk.BlockedBy)
		out.FailureKind = out.Risk.BlockedBy
		out.Reason = out.Risk.Reason
		observ.IncCounter("risk_rejections_total", map[string]string{"gate": out.Risk.BlockedBy})
		observ.Log("trade_risk_rejected", map[string]any{
			"asset_pair": sig.AssetPair,
			"gate":       out.Risk.BlockedBy,
			"reason":     out.Risk.Reason,
		})
		e.recorder.Emit(audit.EventRiskRejection, corr, out.Risk.Reason, map[string]any{
			"asset_pair": sig.AssetPair,
			"direction":  string(sig.Direction),
			"gate":       out.Risk.BlockedBy,
		})
		return out, fmt.Errorf("%w: %s", ErrRiskRejected, out.Risk.Reason)
	}

	res, err := e.executor.Execute(ctx, sig, s, e.opts.Strategy)
	if err != nil {
		e.fail(&out, corr, execution.FailureKind(err), execution.FailureReason(err))
		return out, err
	}

	var commit portfolio.UpdateResult
	err = e.machine.CommitExecution(func() error {
		commit = e.consolidator.AtomicUpdate(ctx, s, func(next domain.SimulationState) (domain.SimulationState, error) {
			next, err := e.executor.Apply(next, res)
			if err != nil {
				return next, err
			}
			// next is the state res was priced on; AtomicUpdate rejects any other
			if res.Evaluation != nil {
				next = next.ApplyEvaluation(*res.Evaluation)
			}
			if auto {
				now := e.now().UTC()
				next.AutoTradeCount++
				next.LastAutoTradeTime = &now
			}
			return next, nil
		}, fmt.Sprintf("open %s %s", sig.Direction, sig.AssetPair))
		return commit.Err
	})
	switch {
	case errors.Is(err, signal.ErrNotProcessing):
		e.fail(&out, corr, signal.ReasonProcessingTimeout, "processing timed out before the trade was committed")
		return out, fmt.Errorf("trade %s %s not committed: %w", sig.Direction, sig.AssetPair, err)
	case err != nil:
		e.fail(&out, corr, FailurePersist, err.Error())
		return out, err
	}

	out.Executed = true
	out.Result = &res
	e.recorder.Emit(audit.EventTradeExecuted, corr, sig.Reasoning, map[string]any{
		"position_id":     res.Position.ID,
		"asset_pair":      res.Position.AssetPair,
		"direction":       string(res.Position.Direction),
		"execution_price": res.ExecutionPrice,
		"quantity":        res.Quantity,
		"notional":        res.Notional,
		"fee":             res.Fee,
		"price_source":    string(res.Quote.Source),
		"auto":            auto,
	})

	ev := e.breaker.CheckRiskLimits(ctx, *commit.NewState, e.opts.Strategy, true)
	if ev.Breached {
		out.Breaker = &ev
		if err := e.commitBreach(ctx, *commit.NewState, ev); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) fail(out *TradeOutcome, corr, kind, reason string) {
	e.machine.MarkFailed(kind)
	out.FailureKind = kind
	out.Reason = reason
	e.recorder.Emit(audit.EventTradeFailed, corr, reason, map[string]any{
		"asset_pair": out.Signal.AssetPair,
		"direction":  string(out.Signal.Direction),
		"kind":       kind,
	})
}

// refresh marks s to market and closes crossed exits, committing the result.
// A valuation failure keeps the last known values.
func (e *Engine) refresh(ctx context.Context, s domain.SimulationState) (domain.SimulationState, map[string]float64, error) {
	var prices map[string]float64
	ev, err := e.evaluator.Evaluate(ctx, s)
	evaluated := err == nil
	marked := s
	if evaluated {
		marked = s.ApplyEvaluation(ev)
		prices = ev.Prices
	} else {
		observ.Warn("valuation_refresh_failed", map[string]any{"error": err})
	}

	exits := e.executor.DueExits(ctx, marked)
	if !evaluated && len(exits) == 0 {
		return s, nil, nil
	}

	var closed []domain.ClosedPosition
	res := e.consolidator.AtomicUpdate(ctx, s, func(next domain.SimulationState) (domain.SimulationState, error) {
		closed = closed[:0]
		if evaluated {
			next = next.ApplyEvaluation(ev)
		}
		for _, x := range exits {
			after, c, err := e.executor.CloseAt(next, x)
			if err != nil {
				observ.Warn("exit_close_failed", map[string]any{"position_id": x.PositionID, "error": err})
				continue
			}
			next = after
			closed = append(closed, c)
		}
		return next, nil
	}, fmt.Sprintf("valuation refresh (%d exits)", len(exits)))
	if !res.Success {
		return s, prices, fmt.Errorf("commit valuation: %w", res.Err)
	}
	for _, c := range closed {
		e.executor.ReportClose(c)
	}
	return *res.NewState, prices, nil
}

// commitBreach persists the pause, replaying any liquidation closes onto the
// state being committed.
func (e *Engine) commitBreach(ctx context.Context, s domain.SimulationState, ev risk.Evaluation) error {
	res := e.consolidator.AtomicUpdate(ctx, s, func(next domain.SimulationState) (domain.SimulationState, error) {
		if ev.Liquidation != nil {
			for _, c := range ev.Liquidation.Closed {
				after, _, err := e.executor.CloseAt(next, execution.Exit{PositionID: c.PositionID, Price: c.ExitPrice, Reason: c.Reason})
				if err != nil {
					return next, err
				}
				next = after
			}
		}
		next.IsPaused = true
		return next, nil
	}, "circuit breaker: "+ev.Reason)
	if !res.Success {
		observ.Critical("circuit_breaker_commit_failed", map[string]any{"reason": ev.Reason, "error": res.Err})
		return fmt.Errorf("commit circuit breaker pause: %w", res.Err)
	}
	e.recorder.Emit(audit.EventSimulationPaused, e.correlation(), ev.Reason, map[string]any{
		"drawdown_pct":   ev.Drawdown.DrawdownPct,
		"open_positions": len(res.NewState.OpenPositions),
	})
	return nil
}

// selectSignal picks the first tradeable signal at or above MinConfidence.
func (e *Engine) selectSignal(sigs []domain.Signal) (domain.Signal, bool) {
	for _, sig := range sigs {
		if err := signal.Validate(sig); err != nil {
			observ.Warn("signal_invalid", map[string]any{"asset_pair": sig.AssetPair, "error": err})
			continue
		}
		if !sig.Direction.Tradeable() {
			observ.Log("signal_ignored", map[string]any{"asset_pair": sig.AssetPair, "direction": string(sig.Direction)})
			continue
		}
		if sig.Confidence < e.opts.MinConfidence {
			observ.Log("signal_ignored", map[string]any{
				"asset_pair": sig.AssetPair,
				"confidence": sig.Confidence,
				"min":        e.opts.MinConfidence,
			})
			continue
		}
		return sig, true
	}
	return domain.Signal{}, false
}

func (e *Engine) finishCycle(cycleID string, start time.Time, result string) {
	d := time.Since(start)
	observ.IncCounter("cycles_total", map[string]string{"result": result})
	observ.RecordDuration("cycle", d, nil)
	e.recorder.Emit(audit.EventCycleCompleted, cycleID, result, map[string]any{"duration_ms": d.Milliseconds()})
}

// isOutcome reports errors that describe a trade decision rather than a fault.
func isOutcome(err error) bool {
	var te *execution.TradeError
	return errors.Is(err, ErrRiskRejected) || errors.Is(err, signal.ErrNotProcessing) || errors.As(err, &te)
}
