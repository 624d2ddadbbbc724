package risk

import "strings"

// Strategy names accepted by the resolver.
const (
	StrategyConservative = "conservative"
	StrategyBalanced     = "balanced"
	StrategyAggressive   = "aggressive"
)

// MinimumTradeNotional is the smallest trade in USDT the sizer will produce.
const MinimumTradeNotional = 10.0

// Parameters are the per-strategy risk limits.
type Parameters struct {
	Strategy                 string  `json:"strategy"`
	TradeFraction            float64 `json:"trade_fraction"` // of portfolio value per trade
	MaxOpenPositions         int     `json:"max_open_positions"`
	DefaultStopLossPercent   float64 `json:"default_stop_loss_percent"`   // negative, e.g. -2
	DefaultTakeProfitPercent float64 `json:"default_take_profit_percent"` // positive, e.g. 4
}

// DrawdownLimitPercent is the circuit breaker threshold: twice the stop-loss.
func (p Parameters) DrawdownLimitPercent() float64 {
	return 2 * p.DefaultStopLossPercent
}

var parameterTable = map[string]Parameters{
	StrategyConservative: {
		Strategy:                 StrategyConservative,
		TradeFraction:            0.02,
		MaxOpenPositions:         2,
		DefaultStopLossPercent:   -1,
		DefaultTakeProfitPercent: 2,
	},
	StrategyBalanced: {
		Strategy:                 StrategyBalanced,
		TradeFraction:            0.05,
		MaxOpenPositions:         3,
		DefaultStopLossPercent:   -2,
		DefaultTakeProfitPercent: 4,
	},
	StrategyAggressive: {
		Strategy:                 StrategyAggressive,
		TradeFraction:            0.10,
		MaxOpenPositions:         5,
		DefaultStopLossPercent:   -3,
		DefaultTakeProfitPercent: 6,
	},
}

// GetRiskParameters looks up strategy. Unknown names fail closed to balanced.
func GetRiskParameters(strategy string) Parameters {
	if p, ok := parameterTable[strings.ToLower(strings.TrimSpace(strategy))]; ok {
		return p
	}
	return parameterTable[StrategyBalanced]
}
