package domain

import "time"

// ClosedPosition records a position removed from a SimulationState.
type ClosedPosition struct {
	PositionID  string    `json:"positionId"`
	AssetPair   string    `json:"assetPair"`
	Direction   Direction `json:"direction"`
	EntryPrice  float64   `json:"entryPrice"`
	ExitPrice   float64   `json:"exitPrice"`
	Quantity    float64   `json:"quantity"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realizedPnL"` // net of exit fee
	Reason      string    `json:"reason"`
	ClosedAt    time.Time `json:"closedAt"`
}
