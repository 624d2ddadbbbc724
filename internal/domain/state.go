package domain

import (
	"fmt"
	"sync/atomic"
	"time"
)

// QuoteAsset is the cash asset every simulation holds.
const QuoteAsset = "USDT"

// SchemaVersion is written into every persisted SimulationState.
const SchemaVersion = 1

// Position is an open paper position. Quantity stays > 0 while it is open.
type Position struct {
	ID            string    `json:"id"`
	AssetPair     string    `json:"assetPair"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entryPrice"`
	Quantity      float64   `json:"quantity"`
	TakeProfit    float64   `json:"takeProfit"`
	StopLoss      float64   `json:"stopLoss"`
	UnrealizedPnL float64   `json:"unrealizedPnL"`
	OpenedAt      time.Time `json:"openedAt"`
}

// Notional is the entry value of the position.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// PnLAt returns the profit of the position if it were closed at price.
func (p Position) PnLAt(price float64) float64 {
	if p.Direction == DirectionSell {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// PaperAsset is a virtual balance.
type PaperAsset struct {
	Symbol     string   `json:"symbol"`
	Quantity   float64  `json:"quantity"`
	EntryPrice *float64 `json:"entryPrice,omitempty"`
}

// SimulationState is the root aggregate persisted by the consolidator.
// Mutations always work on a Clone so readers never observe partial updates.
type SimulationState struct {
	Version               int          `json:"version"`
	IsActive              bool         `json:"isActive"`
	IsPaused              bool         `json:"isPaused"`
	StartTime             time.Time    `json:"startTime"`
	StartPortfolioValue   float64      `json:"startPortfolioValue"`
	CurrentPortfolioValue float64      `json:"currentPortfolioValue"`
	RealizedPnL           float64      `json:"realizedPnL"`
	OpenPositions         []Position   `json:"openPositions"`
	PaperAssets           []PaperAsset `json:"paperAssets"`
	AutoMode              bool         `json:"autoMode,omitempty"`
	AutoTradeCount        int          `json:"autoTradeCount"`
	LastAutoTradeTime     *time.Time   `json:"lastAutoTradeTime,omitempty"`
}

// NewSimulationState seeds an active simulation from a portfolio snapshot.
// A USDT asset is added when the snapshot has none.
func NewSimulationState(portfolioValue float64, assets []PaperAsset, now time.Time) SimulationState {
	s := SimulationState{
		Version:               SchemaVersion,
		IsActive:              true,
		StartTime:             now.UTC(),
		StartPortfolioValue:   portfolioValue,
		CurrentPortfolioValue: portfolioValue,
		OpenPositions:         []Position{},
		PaperAssets:           make([]PaperAsset, 0, len(assets)+1),
	}
	for _, a := range assets {
		s.PaperAssets = append(s.PaperAssets, a.clone())
	}
	if s.AssetIndex(QuoteAsset) < 0 {
		s.PaperAssets = append(s.PaperAssets, PaperAsset{Symbol: QuoteAsset})
	}
	return s
}

// Clone deep-copies the state.
func (s SimulationState) Clone() SimulationState {
	out := s
	if s.OpenPositions != nil {
		out.OpenPositions = make([]Position, len(s.OpenPositions))
		copy(out.OpenPositions, s.OpenPositions)
	}
	if s.PaperAssets != nil {
		out.PaperAssets = make([]PaperAsset, len(s.PaperAssets))
		for i, a := range s.PaperAssets {
			out.PaperAssets[i] = a.clone()
		}
	}
	if s.LastAutoTradeTime != nil {
		t := *s.LastAutoTradeTime
		out.LastAutoTradeTime = &t
	}
	return out
}

func (a PaperAsset) clone() PaperAsset {
	out := a
	if a.EntryPrice != nil {
		p := *a.EntryPrice
		out.EntryPrice = &p
	}
	return out
}

// AssetIndex returns the index of symbol in PaperAssets or -1.
func (s SimulationState) AssetIndex(symbol string) int {
	for i, a := range s.PaperAssets {
		if a.Symbol == symbol {
			return i
		}
	}
	return -1
}

// AvailableCash is the USDT balance.
func (s SimulationState) AvailableCash() float64 {
	if i := s.AssetIndex(QuoteAsset); i >= 0 {
		return s.PaperAssets[i].Quantity
	}
	return 0
}

// PositionIndex returns the index of the position with id or -1.
func (s SimulationState) PositionIndex(id string) int {
	for i, p := range s.OpenPositions {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// UnrealizedPnL sums open position P&L.
func (s SimulationState) UnrealizedPnL() float64 {
	var total float64
	for _, p := range s.OpenPositions {
		total += p.UnrealizedPnL
	}
	return total
}

// DrawdownPct is (current-start)/start*100; negative when losing.
func (s SimulationState) DrawdownPct() float64 {
	if s.StartPortfolioValue <= 0 {
		return 0
	}
	return (s.CurrentPortfolioValue - s.StartPortfolioValue) / s.StartPortfolioValue * 100
}

var positionSeq atomic.Uint64

// NewPositionID derives a unique id from wall-clock nanoseconds plus a process
// sequence, so two positions opened in the same nanosecond still differ.
func NewPositionID(now time.Time) string {
	return fmt.Sprintf("pos_%d_%d", now.UnixNano(), positionSeq.Add(1))
}
