package risk

import (
	"fmt"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

// SizeResult is the outcome of position sizing. Size is meaningful only when
// IsValid is true.
type SizeResult struct {
	Size    float64 `json:"size"`
	IsValid bool    `json:"is_valid"`
	Reason  string  `json:"reason,omitempty"`
}

// CalculatePositionSize returns the USDT notional for the next trade.
func CalculatePositionSize(portfolioValue, availableCash float64, strategy string) SizeResult {
	p := GetRiskParameters(strategy)

	size := portfolioValue * p.TradeFraction
	if size < MinimumTradeNotional {
		size = MinimumTradeNotional
	}

	if availableCash < MinimumTradeNotional {
		return SizeResult{
			IsValid: false,
			Reason:  fmt.Sprintf("Available cash %.2f USDT is below the minimum trade size of %.2f USDT", availableCash, MinimumTradeNotional),
		}
	}
	if availableCash < size {
		return SizeResult{
			IsValid: false,
			Reason:  fmt.Sprintf("Insufficient cash: %.2f USDT available, %.2f USDT required", availableCash, size),
		}
	}
	return SizeResult{Size: size, IsValid: true}
}

// CanOpenNewPosition reports whether another position fits the strategy.
func CanOpenNewPosition(openCount int, strategy string) bool {
	return openCount < GetRiskParameters(strategy).MaxOpenPositions
}

// Gate names reported by ValidateTradeRisk.
const (
	GatePositionLimit = "position_limit"
	GatePositionSize  = "position_size"
	GateDrawdown      = "drawdown"
)

// TradeRiskCheck is the result of the pre-trade gates.
type TradeRiskCheck struct {
	Allowed   bool       `json:"allowed"`
	BlockedBy string     `json:"blocked_by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Size      SizeResult `json:"size"`
}

// ValidateTradeRisk runs the position-limit, position-size and drawdown gates
// in that order. The first failing gate wins.
func ValidateTradeRisk(sig domain.Signal, s domain.SimulationState, strategy string) TradeRiskCheck {
	p := GetRiskParameters(strategy)

	if !CanOpenNewPosition(len(s.OpenPositions), strategy) {
		return TradeRiskCheck{
			BlockedBy: GatePositionLimit,
			Reason:    fmt.Sprintf("Maximum of %d open positions reached for %s strategy", p.MaxOpenPositions, p.Strategy),
		}
	}

	size := CalculatePositionSize(s.CurrentPortfolioValue, s.AvailableCash(), strategy)
	if !size.IsValid {
		return TradeRiskCheck{BlockedBy: GatePositionSize, Reason: size.Reason, Size: size}
	}

	dd := CheckDrawdownLimit(s, strategy)
	if dd.ShouldPause {
		return TradeRiskCheck{
			BlockedBy: GateDrawdown,
			Reason:    fmt.Sprintf("Drawdown %.2f%% exceeds the %.2f%% limit; no new %s trades", dd.DrawdownPct, dd.LimitPct, sig.AssetPair),
			Size:      size,
		}
	}

	return TradeRiskCheck{Allowed: true, Size: size}
}
