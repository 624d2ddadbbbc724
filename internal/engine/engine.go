// Package engine runs a paper-trading session: it owns the scheduler, the
// signal state machine, the state consolidator, the circuit breaker and the
// executor, and drives one trading cycle per scheduler tick.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/config"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/execution"
	"github.com/Rajchodisetti/papertrader/internal/portfolio"
	"github.com/Rajchodisetti/papertrader/internal/risk"
	"github.com/Rajchodisetti/papertrader/internal/scheduler"
	"github.com/Rajchodisetti/papertrader/internal/signal"
	"github.com/Rajchodisetti/papertrader/internal/store"
)

var (
	ErrAlreadyActive    = errors.New("engine: a simulation is already active")
	ErrNoPendingSignal  = errors.New("engine: no generated signal is waiting")
	ErrSignalInFlight   = errors.New("engine: another signal is in flight")
	ErrRiskRejected     = errors.New("engine: trade rejected by risk gates")
	ErrSignalIneligible = errors.New("engine: signal is not tradeable")
)

// Options are the session settings.
type Options struct {
	Strategy       string
	StartingUSDT   float64
	FeeRate        float64
	AutoMode       bool
	MinConfidence  float64
	GatewayTimeout time.Duration
	Debounce       time.Duration
	Timings        signal.Timings
	Scheduler      scheduler.Config
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(c config.Root) Options {
	return Options{
		Strategy:       c.Simulation.Strategy,
		StartingUSDT:   c.Simulation.StartingUSDT,
		FeeRate:        c.Simulation.FeeRate,
		AutoMode:       c.Simulation.AutoMode,
		MinConfidence:  c.Simulation.MinConfidence,
		GatewayTimeout: c.Gateway.Timeout(),
		Debounce:       time.Duration(c.Risk.DebounceSecs) * time.Second,
		Timings: signal.Timings{
			GeneratedTimeout:  time.Duration(c.Signals.GeneratedTimeoutSecs) * time.Second,
			ProcessingTimeout: time.Duration(c.Signals.ProcessingTimeoutSecs) * time.Second,
			ExecutedClear:     time.Duration(c.Signals.ExecutedClearMs) * time.Millisecond,
			ExecutedIdle:      time.Duration(c.Signals.ExecutedIdleMs) * time.Millisecond,
			FailedClear:       time.Duration(c.Signals.FailedClearMs) * time.Millisecond,
			FailedIdle:        time.Duration(c.Signals.FailedIdleMs) * time.Millisecond,
		},
		Scheduler: scheduler.Config{
			BaseInterval:  c.Scheduler.BaseInterval(),
			MaxMultiplier: float64(c.Scheduler.MaxMultiplier),
			SlowThreshold: time.Duration(c.Scheduler.SlowCycleSecs) * time.Second,
			WindowSize:    c.Scheduler.WindowSize,
		},
	}
}

// Engine is one paper-trading session. Locks are always taken in the order
// scheduler, engine operation, state machine, consolidator.
type Engine struct {
	opts Options

	consolidator *portfolio.Consolidator
	machine      *signal.StateMachine
	breaker      *risk.CircuitBreaker
	executor     *execution.Executor
	evaluator    execution.Evaluator
	producer     signal.Producer
	recorder     *audit.Recorder
	sched        *scheduler.Scheduler

	// ops serializes operations that load the state and commit a successor
	ops sync.Mutex

	mu            sync.Mutex
	correlationID string

	now func() time.Time
}

// New wires a session. producer and recorder may be nil.
func New(opts Options, gw adapters.MarketDataGateway, st store.Store, stateKey string, producer signal.Producer, recorder *audit.Recorder) *Engine {
	if opts.Strategy == "" {
		opts.Strategy = risk.StrategyBalanced
	}
	if opts.Timings == (signal.Timings{}) {
		opts.Timings = signal.DefaultTimings()
	}
	if producer == nil {
		producer = signal.StaticProducer{}
	}

	evaluator := adapters.NewGatewayEvaluator(gw, opts.GatewayTimeout)
	executor := execution.NewExecutor(execution.NewPriceResolver(gw, opts.GatewayTimeout), evaluator, opts.FeeRate, recorder)

	e := &Engine{
		opts:         opts,
		consolidator: portfolio.NewConsolidator(st, stateKey),
		machine:      signal.NewStateMachine(opts.Timings),
		breaker:      risk.NewCircuitBreaker(opts.Debounce, risk.NewLiquidator(executor, executor, recorder), recorder),
		executor:     executor,
		evaluator:    evaluator,
		producer:     producer,
		recorder:     recorder,
		now:          time.Now,
	}
	e.consolidator.SetRecorder(recorder)
	e.sched = scheduler.New(opts.Scheduler, e.RunCycle, e.status)
	e.machine.Observe(e.onTransition)
	return e
}

// Consolidator exposes the state writer, mainly for inspection tools.
func (e *Engine) Consolidator() *portfolio.Consolidator {
	return e.consolidator
}

// StateMachine exposes the signal lifecycle.
func (e *Engine) StateMachine() *signal.StateMachine {
	return e.machine
}

// Scheduler exposes the cycle scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// Close stops background timers without touching persisted state.
func (e *Engine) Close() {
	e.sched.Stop()
	e.machine.Stop()
}

// status feeds the scheduler's pre-tick check from the persisted record.
func (e *Engine) status(ctx context.Context) (active, paused bool, err error) {
	s, err := e.consolidator.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return s.IsActive, s.IsPaused, nil
}

// loadState returns the persisted state, repaired if needed.
func (e *Engine) loadState(ctx context.Context) (domain.SimulationState, error) {
	s, err := e.consolidator.LoadStateWithRepair(ctx, nil)
	if err != nil {
		return domain.SimulationState{}, err
	}
	if s == nil || !s.IsActive {
		return domain.SimulationState{}, domain.ErrSimulationStopped
	}
	return *s, nil
}

func (e *Engine) setCorrelation(id string) {
	e.mu.Lock()
	e.correlationID = id
	e.mu.Unlock()
}

func (e *Engine) correlation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.correlationID
}

// onTransition mirrors every lifecycle change into the activity log.
func (e *Engine) onTransition(t signal.Transition) {
	data := map[string]any{
		"from": string(t.From),
		"to":   string(t.To),
	}
	if t.Signal != nil {
		data["asset_pair"] = t.Signal.AssetPair
		data["direction"] = string(t.Signal.Direction)
		data["confidence"] = t.Signal.Confidence
	}
	e.recorder.Emit(audit.EventSignalTransition, e.correlation(), t.Reason, data)
}
