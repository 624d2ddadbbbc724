package risk

import (
	"context"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// PositionCloser removes one position from a state at price and returns the
// resulting state. It must not mutate its input.
type PositionCloser interface {
	ClosePosition(ctx context.Context, s domain.SimulationState, positionID string, price float64, reason string) (domain.SimulationState, domain.ClosedPosition, error)
}

// ExitPricer returns the price a position would be closed at right now.
type ExitPricer interface {
	ExitPrice(ctx context.Context, pos domain.Position) (float64, error)
}

// LiquidationReport summarizes an emergency liquidation.
type LiquidationReport struct {
	Closed      []domain.ClosedPosition `json:"closed"`
	Failed      []string                `json:"failed,omitempty"` // position IDs left open
	RealizedPnL float64                 `json:"realized_pnl"`
	NewState    domain.SimulationState  `json:"-"`
}

// Liquidator closes every open position. A failure on one position is logged
// and the rest are still closed.
type Liquidator struct {
	closer   PositionCloser
	pricer   ExitPricer
	recorder *audit.Recorder
}

func NewLiquidator(closer PositionCloser, pricer ExitPricer, recorder *audit.Recorder) *Liquidator {
	return &Liquidator{closer: closer, pricer: pricer, recorder: recorder}
}

// Liquidate closes all open positions of s. With no open positions it logs and
// returns s unchanged.
func (l *Liquidator) Liquidate(ctx context.Context, s domain.SimulationState, reason string) LiquidationReport {
	start := time.Now()
	report := LiquidationReport{NewState: s}

	if len(s.OpenPositions) == 0 {
		observ.Log("liquidation_noop", map[string]any{"reason": reason})
		return report
	}

	// iterate a snapshot; ClosePosition returns new states
	positions := append([]domain.Position(nil), s.OpenPositions...)
	current := s
	for _, pos := range positions {
		price, err := l.pricer.ExitPrice(ctx, pos)
		if err != nil || price <= 0 {
			// Close flat rather than leave the position open through a breach.
			observ.Warn("liquidation_price_unavailable", map[string]any{
				"position_id": pos.ID,
				"asset_pair":  pos.AssetPair,
				"error":       err,
				"fallback":    pos.EntryPrice,
			})
			price = pos.EntryPrice
		}

		next, closed, err := l.closer.ClosePosition(ctx, current, pos.ID, price, "liquidation")
		if err != nil {
			report.Failed = append(report.Failed, pos.ID)
			observ.IncCounter("liquidation_failures_total", nil)
			observ.Critical("liquidation_position_failed", map[string]any{
				"position_id": pos.ID,
				"asset_pair":  pos.AssetPair,
				"error":       err,
			})
			continue
		}
		current = next
		report.Closed = append(report.Closed, closed)
		report.RealizedPnL += closed.RealizedPnL
	}
	report.NewState = current

	observ.IncCounter("liquidations_total", nil)
	observ.RecordDuration("liquidation", time.Since(start), nil)
	observ.Warn("liquidation_completed", map[string]any{
		"reason":       reason,
		"closed":       len(report.Closed),
		"failed":       len(report.Failed),
		"realized_pnl": report.RealizedPnL,
	})
	l.recorder.Emit(audit.EventLiquidation, "", reason, map[string]any{
		"closed":       len(report.Closed),
		"failed":       report.Failed,
		"realized_pnl": report.RealizedPnL,
	})
	return report
}
