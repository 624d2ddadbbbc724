package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	"github.com/Rajchodisetti/papertrader/internal/risk"
	"github.com/Rajchodisetti/papertrader/internal/scheduler"
	"github.com/Rajchodisetti/papertrader/internal/signal"
	"github.com/Rajchodisetti/papertrader/internal/store"
)

// StartSimulation seeds and persists a new active simulation, then starts the
// scheduler under ctx. With no assets the session starts with StartingUSDT
// in cash. A non-positive seedValue is derived by marking assets to market.
func (e *Engine) StartSimulation(ctx context.Context, seedValue float64, assets []domain.PaperAsset) (domain.SimulationState, error) {
	e.ops.Lock()
	defer e.ops.Unlock()

	existing, err := e.consolidator.LoadStateWithRepair(ctx, nil)
	if err != nil {
		return domain.SimulationState{}, err
	}
	if existing != nil && existing.IsActive {
		return domain.SimulationState{}, ErrAlreadyActive
	}

	if len(assets) == 0 {
		assets = []domain.PaperAsset{{Symbol: domain.QuoteAsset, Quantity: e.opts.StartingUSDT}}
	}
	if seedValue <= 0 {
		probe := domain.NewSimulationState(0, assets, e.now())
		ev, err := e.evaluator.Evaluate(ctx, probe)
		if err != nil {
			return domain.SimulationState{}, fmt.Errorf("value seed assets: %w", err)
		}
		seedValue = ev.TotalValue
	}
	if seedValue <= 0 {
		return domain.SimulationState{}, fmt.Errorf("seed portfolio value must be positive, got %.2f", seedValue)
	}

	s := domain.NewSimulationState(seedValue, assets, e.now())
	s.AutoMode = e.opts.AutoMode
	res := e.consolidator.Persist(ctx, s, "start simulation")
	if !res.Success {
		return domain.SimulationState{}, res.Err
	}

	e.breaker.Reset()
	e.machine.ForceClear()
	e.sched.Start(ctx)

	observ.IncCounter("simulations_started_total", map[string]string{"strategy": e.opts.Strategy})
	observ.Log("simulation_started", map[string]any{
		"portfolio_value": seedValue,
		"strategy":        e.opts.Strategy,
		"auto_mode":       e.opts.AutoMode,
		"assets":          len(s.PaperAssets),
	})
	e.recorder.Emit(audit.EventSimulationStarted, uuid.NewString(), "", map[string]any{
		"portfolio_value": seedValue,
		"strategy":        e.opts.Strategy,
		"auto_mode":       e.opts.AutoMode,
	})
	return *res.NewState, nil
}

// StopSimulation halts the scheduler, waits for a running cycle, clears any
// in-flight signal and removes the persisted state. It returns the final
// state for the summary.
func (e *Engine) StopSimulation(ctx context.Context) (domain.SimulationState, error) {
	e.sched.Stop()
	e.ops.Lock()
	defer e.ops.Unlock()
	e.machine.ForceClear()

	final, err := e.loadState(ctx)
	if err != nil && !errors.Is(err, domain.ErrSimulationStopped) {
		return domain.SimulationState{}, err
	}
	if err := e.consolidator.Clear(ctx); err != nil {
		return domain.SimulationState{}, err
	}
	final.IsActive = false

	observ.Log("simulation_stopped", map[string]any{
		"portfolio_value": final.CurrentPortfolioValue,
		"realized_pnl":    final.RealizedPnL,
		"open_positions":  len(final.OpenPositions),
		"auto_trades":     final.AutoTradeCount,
	})
	e.recorder.Emit(audit.EventSimulationStopped, "", "", map[string]any{
		"portfolio_value": final.CurrentPortfolioValue,
		"realized_pnl":    final.RealizedPnL,
		"pnl_pct":         final.DrawdownPct(),
	})
	return final, nil
}

// PauseSimulation persists the paused flag and stops the scheduler.
func (e *Engine) PauseSimulation(ctx context.Context) (domain.SimulationState, error) {
	e.ops.Lock()
	defer e.ops.Unlock()
	s, err := e.setPaused(ctx, true)
	if err != nil {
		return s, err
	}
	e.sched.Stop()
	e.recorder.Emit(audit.EventSimulationPaused, "", "manual", nil)
	return s, nil
}

// ResumeSimulation clears the paused flag and restarts the scheduler under ctx.
func (e *Engine) ResumeSimulation(ctx context.Context) (domain.SimulationState, error) {
	e.ops.Lock()
	defer e.ops.Unlock()
	s, err := e.setPaused(ctx, false)
	if err != nil {
		return s, err
	}
	e.breaker.Reset()
	e.sched.Start(ctx)
	e.recorder.Emit(audit.EventSimulationResumed, "", "manual", nil)
	return s, nil
}

func (e *Engine) setPaused(ctx context.Context, paused bool) (domain.SimulationState, error) {
	s, err := e.loadState(ctx)
	if err != nil {
		return domain.SimulationState{}, err
	}
	desc := "resume simulation"
	if paused {
		desc = "pause simulation"
	}
	res := e.consolidator.AtomicUpdate(ctx, s, func(next domain.SimulationState) (domain.SimulationState, error) {
		next.IsPaused = paused
		return next, nil
	}, desc)
	if !res.Success {
		return s, res.Err
	}
	observ.Log("simulation_pause_changed", map[string]any{"paused": paused})
	return *res.NewState, nil
}

// Restore resumes scheduling for a simulation persisted by an earlier run.
// Signal lifecycle state is not persisted, so the state machine starts IDLE.
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	e.ops.Lock()
	defer e.ops.Unlock()
	s, err := e.consolidator.LoadStateWithRepair(ctx, nil)
	if err != nil {
		return false, err
	}
	if s == nil || !s.IsActive {
		return false, nil
	}
	if !s.IsPaused {
		e.sched.Start(ctx)
	}
	observ.Log("simulation_restored", map[string]any{
		"paused":          s.IsPaused,
		"portfolio_value": s.CurrentPortfolioValue,
		"open_positions":  len(s.OpenPositions),
	})
	return true, nil
}

// Status is the session view served to operators.
type Status struct {
	Active    bool                    `json:"active"`
	State     *domain.SimulationState `json:"state,omitempty"`
	Health    risk.HealthStatus       `json:"health,omitempty"`
	Signal    signal.Snapshot         `json:"signal"`
	Scheduler scheduler.Stats         `json:"scheduler"`
	Breaker   map[string]any          `json:"breaker"`
}

// Status reads the persisted state without repairing it.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Signal:    e.machine.Snapshot(),
		Scheduler: e.sched.Stats(),
		Breaker:   e.breaker.GetStatus(),
	}
	s, err := e.consolidator.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return st, nil
		}
		return st, err
	}
	st.Active = s.IsActive
	st.State = &s
	st.Health = risk.GetPortfolioHealthStatus(s, e.opts.Strategy)
	return st, nil
}
