package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

func TestGetRiskParameters(t *testing.T) {
	tests := []struct {
		strategy string
		want     Parameters
	}{
		{"conservative", Parameters{StrategyConservative, 0.02, 2, -1, 2}},
		{"balanced", Parameters{StrategyBalanced, 0.05, 3, -2, 4}},
		{"aggressive", Parameters{StrategyAggressive, 0.10, 5, -3, 6}},
		{" Aggressive ", Parameters{StrategyAggressive, 0.10, 5, -3, 6}},
		{"yolo", Parameters{StrategyBalanced, 0.05, 3, -2, 4}},
		{"", Parameters{StrategyBalanced, 0.05, 3, -2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			assert.Equal(t, tt.want, GetRiskParameters(tt.strategy))
		})
	}
	assert.Equal(t, -4.0, GetRiskParameters("balanced").DrawdownLimitPercent())
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name           string
		strategy       string
		portfolioValue float64
		availableCash  float64
		wantSize       float64
		wantValid      bool
	}{
		{"balanced scenario", "balanced", 10000, 2000, 500, true},
		{"conservative", "conservative", 10000, 2000, 200, true},
		{"aggressive", "aggressive", 10000, 2000, 1000, true},
		{"exact cash", "balanced", 10000, 500, 500, true},
		{"insufficient cash", "balanced", 10000, 499.99, 0, false},
		{"minimum floor", "balanced", 100, 50, MinimumTradeNotional, true},
		{"cash below minimum", "aggressive", 10, 9.99, 0, false},
		{"zero portfolio uses floor", "balanced", 0, 100, MinimumTradeNotional, true},
		{"unknown strategy", "unknown", 10000, 2000, 500, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculatePositionSize(tt.portfolioValue, tt.availableCash, tt.strategy)
			assert.Equal(t, tt.wantValid, got.IsValid)
			if tt.wantValid {
				assert.InDelta(t, tt.wantSize, got.Size, 1e-9)
				assert.Empty(t, got.Reason)
			} else {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestCalculatePositionSizeNeverExceedsFraction(t *testing.T) {
	for _, strategy := range []string{"conservative", "balanced", "aggressive"} {
		p := GetRiskParameters(strategy)
		for _, pv := range []float64{0, 50, 199, 1000, 12345.67, 1e6} {
			for _, cash := range []float64{0, 5, 10, 100, 1000, 1e7} {
				got := CalculatePositionSize(pv, cash, strategy)
				ceiling := pv * p.TradeFraction
				if ceiling < MinimumTradeNotional {
					ceiling = MinimumTradeNotional
				}
				if got.IsValid {
					assert.LessOrEqual(t, got.Size, ceiling+1e-9)
					assert.GreaterOrEqual(t, cash, got.Size)
				} else {
					assert.True(t, cash < ceiling, "invalid only when cash is short: pv=%v cash=%v", pv, cash)
				}
			}
		}
	}
}

func TestCanOpenNewPosition(t *testing.T) {
	assert.True(t, CanOpenNewPosition(2, "balanced"))
	assert.False(t, CanOpenNewPosition(3, "balanced"))
	assert.False(t, CanOpenNewPosition(2, "conservative"))
	assert.True(t, CanOpenNewPosition(4, "aggressive"))
}

func testState(start, current, cash float64, positions int) domain.SimulationState {
	s := domain.NewSimulationState(start, []domain.PaperAsset{{Symbol: "USDT", Quantity: cash}}, time.Now())
	s.CurrentPortfolioValue = current
	for i := 0; i < positions; i++ {
		s.OpenPositions = append(s.OpenPositions, domain.Position{
			ID:         domain.NewPositionID(time.Now()),
			AssetPair:  "BTC/USDT",
			Direction:  domain.DirectionBuy,
			EntryPrice: 60000,
			Quantity:   0.001,
		})
	}
	return s
}

func TestValidateTradeRisk(t *testing.T) {
	sig := domain.Signal{AssetPair: "BTC/USDT", Direction: domain.DirectionBuy}

	tests := []struct {
		name      string
		state     domain.SimulationState
		wantAllow bool
		wantGate  string
	}{
		{"all clear", testState(10000, 10000, 2000, 0), true, ""},
		{"position limit first", testState(10000, 9000, 0, 3), false, GatePositionLimit},
		{"size before drawdown", testState(10000, 9000, 100, 0), false, GatePositionSize},
		{"drawdown", testState(10000, 9550, 2000, 0), false, GateDrawdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTradeRisk(sig, tt.state, "balanced")
			assert.Equal(t, tt.wantAllow, got.Allowed)
			assert.Equal(t, tt.wantGate, got.BlockedBy)
			if !tt.wantAllow {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}
