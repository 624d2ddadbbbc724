package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// DefaultDebounce is how long passive checks are skipped after an evaluation.
const DefaultDebounce = 60 * time.Second

// HealthStatus is the display projection of drawdown.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// Breach reasons
const (
	BreachDrawdown      = "drawdown_limit"
	BreachPositionLimit = "position_limit"
)

// DrawdownCheck is the drawdown gate result. DrawdownPct is reported even
// when the limit is not breached.
type DrawdownCheck struct {
	DrawdownPct float64 `json:"drawdown_pct"`
	LimitPct    float64 `json:"limit_pct"`
	ShouldPause bool    `json:"should_pause"`
}

// PositionLimitCheck is the open-position gate result.
type PositionLimitCheck struct {
	OpenPositions    int  `json:"open_positions"`
	MaxOpenPositions int  `json:"max_open_positions"`
	ShouldPause      bool `json:"should_pause"`
}

// CheckDrawdownLimit breaches when drawdown <= 2x the strategy stop-loss.
func CheckDrawdownLimit(s domain.SimulationState, strategy string) DrawdownCheck {
	limit := GetRiskParameters(strategy).DrawdownLimitPercent()
	dd := s.DrawdownPct()
	return DrawdownCheck{
		DrawdownPct: dd,
		LimitPct:    limit,
		ShouldPause: s.StartPortfolioValue > 0 && dd <= limit,
	}
}

// CheckPositionLimits breaches when open positions reach the strategy maximum.
func CheckPositionLimits(s domain.SimulationState, strategy string) PositionLimitCheck {
	maxOpen := GetRiskParameters(strategy).MaxOpenPositions
	return PositionLimitCheck{
		OpenPositions:    len(s.OpenPositions),
		MaxOpenPositions: maxOpen,
		ShouldPause:      len(s.OpenPositions) >= maxOpen,
	}
}

// GetPortfolioHealthStatus derives HEALTHY/WARNING/CRITICAL from drawdown.
func GetPortfolioHealthStatus(s domain.SimulationState, strategy string) HealthStatus {
	dd := CheckDrawdownLimit(s, strategy)
	switch {
	case dd.ShouldPause:
		return HealthCritical
	case dd.DrawdownPct <= dd.LimitPct*0.5:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Evaluation is the outcome of CheckRiskLimits. When Breached is true,
// NewState is the paused (and for drawdown, liquidated) state the caller must
// commit through the consolidator.
type Evaluation struct {
	Skipped     bool                   `json:"skipped"`
	Drawdown    DrawdownCheck          `json:"drawdown"`
	Positions   PositionLimitCheck     `json:"positions"`
	Breached    bool                   `json:"breached"`
	Reason      string                 `json:"reason,omitempty"`
	Liquidation *LiquidationReport     `json:"liquidation,omitempty"`
	NewState    domain.SimulationState `json:"-"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// CircuitBreaker evaluates account-level limits with a debounce on passive
// checks. One instance per simulation session.
type CircuitBreaker struct {
	mu sync.Mutex

	debounce  time.Duration
	lastCheck time.Time
	trips     int
	last      *Evaluation

	liquidator *Liquidator
	recorder   *audit.Recorder
	now        func() time.Time
}

// NewCircuitBreaker creates a breaker. liquidator may be nil, in which case a
// drawdown breach pauses without closing positions.
func NewCircuitBreaker(debounce time.Duration, liquidator *Liquidator, recorder *audit.Recorder) *CircuitBreaker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &CircuitBreaker{
		debounce:   debounce,
		liquidator: liquidator,
		recorder:   recorder,
		now:        time.Now,
	}
}

// CheckRiskLimits evaluates both limits unless the last evaluation was less
// than the debounce interval ago and force is false. Trade-triggered checks
// must pass force=true.
func (cb *CircuitBreaker) CheckRiskLimits(ctx context.Context, s domain.SimulationState, strategy string, force bool) Evaluation {
	cb.mu.Lock()
	now := cb.now()
	if !force && !cb.lastCheck.IsZero() && now.Sub(cb.lastCheck) < cb.debounce {
		cb.mu.Unlock()
		observ.IncCounter("circuit_breaker_checks_skipped_total", nil)
		return Evaluation{Skipped: true, NewState: s, EvaluatedAt: now}
	}
	cb.lastCheck = now
	cb.mu.Unlock()

	ev := Evaluation{
		Drawdown:    CheckDrawdownLimit(s, strategy),
		Positions:   CheckPositionLimits(s, strategy),
		NewState:    s,
		EvaluatedAt: now,
	}
	observ.SetGauge("drawdown_pct", ev.Drawdown.DrawdownPct, nil)
	observ.SetGauge("open_positions", float64(ev.Positions.OpenPositions), nil)
	observ.IncCounter("circuit_breaker_checks_total", map[string]string{"forced": fmt.Sprintf("%t", force)})

	switch {
	case ev.Drawdown.ShouldPause:
		ev.Breached = true
		ev.Reason = BreachDrawdown
		next := s
		if cb.liquidator != nil {
			report := cb.liquidator.Liquidate(ctx, s, fmt.Sprintf("drawdown %.2f%% breached %.2f%% limit", ev.Drawdown.DrawdownPct, ev.Drawdown.LimitPct))
			ev.Liquidation = &report
			next = report.NewState
		}
		ev.NewState = next.Clone()
		ev.NewState.IsPaused = true

	case ev.Positions.ShouldPause && !s.IsPaused:
		// At the maximum, pausing stops further auto entries; positions stay open.
		ev.Breached = true
		ev.Reason = BreachPositionLimit
		ev.NewState = s.Clone()
		ev.NewState.IsPaused = true
	}

	if ev.Breached {
		cb.mu.Lock()
		cb.trips++
		cb.mu.Unlock()

		observ.IncCounter("circuit_breaker_trips_total", map[string]string{"reason": ev.Reason})
		observ.Warn("circuit_breaker_tripped", map[string]any{
			"reason":         ev.Reason,
			"drawdown_pct":   ev.Drawdown.DrawdownPct,
			"limit_pct":      ev.Drawdown.LimitPct,
			"open_positions": ev.Positions.OpenPositions,
			"max_positions":  ev.Positions.MaxOpenPositions,
			"strategy":       strategy,
		})
		cb.recorder.Emit(audit.EventCircuitBreaker, "", ev.Reason, map[string]any{
			"drawdown_pct":   ev.Drawdown.DrawdownPct,
			"limit_pct":      ev.Drawdown.LimitPct,
			"open_positions": ev.Positions.OpenPositions,
			"liquidated":     ev.Liquidation != nil,
		})
	}

	cb.mu.Lock()
	last := ev
	cb.last = &last
	cb.mu.Unlock()
	return ev
}

// Reset clears the debounce so the next passive check runs.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastCheck = time.Time{}
}

// GetStatus returns breaker status for display.
func (cb *CircuitBreaker) GetStatus() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status := map[string]any{
		"debounce_seconds": cb.debounce.Seconds(),
		"trips":            cb.trips,
	}
	if !cb.lastCheck.IsZero() {
		status["last_check"] = cb.lastCheck
	}
	if cb.last != nil {
		status["last_breached"] = cb.last.Breached
		status["last_reason"] = cb.last.Reason
		status["drawdown_pct"] = cb.last.Drawdown.DrawdownPct
	}
	return status
}
