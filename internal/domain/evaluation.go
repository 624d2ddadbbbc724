package domain

import "time"

// PositionValuation is one position marked at a current price.
type PositionValuation struct {
	PositionID    string  `json:"positionId"`
	AssetPair     string  `json:"assetPair"`
	MarkPrice     float64 `json:"markPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`
}

// PortfolioEvaluation is the result of marking a SimulationState to market.
type PortfolioEvaluation struct {
	TotalValue    float64             `json:"totalValue"`
	UnrealizedPnL float64             `json:"unrealizedPnL"`
	PerPosition   []PositionValuation `json:"perPosition"`
	Prices        map[string]float64  `json:"prices"` // keyed by base asset
	EvaluatedAt   time.Time           `json:"evaluatedAt"`
}

// ApplyEvaluation returns a copy of s with the evaluation's marks applied.
func (s SimulationState) ApplyEvaluation(ev PortfolioEvaluation) SimulationState {
	out := s.Clone()
	out.CurrentPortfolioValue = ev.TotalValue
	marks := make(map[string]float64, len(ev.PerPosition))
	for _, pv := range ev.PerPosition {
		marks[pv.PositionID] = pv.UnrealizedPnL
	}
	for i, p := range out.OpenPositions {
		if pnl, ok := marks[p.ID]; ok {
			out.OpenPositions[i].UnrealizedPnL = pnl
		}
	}
	return out
}
