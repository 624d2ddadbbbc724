package execution

import (
	"math"
	"strings"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

// SlippageProfile holds the basis-point parameters for one strategy.
type SlippageProfile struct {
	BaseBps         float64 `json:"base_bps"`
	SpreadCapBps    float64 `json:"spread_cap_bps"`
	VolumeThreshold float64 `json:"volume_threshold"` // USDT notional
	MaxBps          float64 `json:"max_bps"`
}

// maxImpactMultiple caps the volume-impact term so base plus impact stays
// within 3x the base rate.
const maxImpactMultiple = 2.0

var defaultProfiles = map[string]SlippageProfile{
	"conservative": {BaseBps: 5, SpreadCapBps: 10, VolumeThreshold: 1000, MaxBps: 25},
	"balanced":     {BaseBps: 10, SpreadCapBps: 20, VolumeThreshold: 5000, MaxBps: 50},
	"aggressive":   {BaseBps: 20, SpreadCapBps: 40, VolumeThreshold: 10000, MaxBps: 100},
}

// SlippageModel estimates how far a simulated market order fills from its
// reference price.
type SlippageModel struct {
	profiles map[string]SlippageProfile
}

func NewSlippageModel() *SlippageModel {
	return &SlippageModel{profiles: defaultProfiles}
}

// Profile returns the strategy's profile; unknown strategies use balanced.
func (m *SlippageModel) Profile(strategy string) SlippageProfile {
	if p, ok := m.profiles[strings.ToLower(strings.TrimSpace(strategy))]; ok {
		return p
	}
	return m.profiles["balanced"]
}

// EstimateBps returns total slippage in basis points.
func (m *SlippageModel) EstimateBps(strategy string, notional, spreadBps float64) float64 {
	p := m.Profile(strategy)

	bps := p.BaseBps
	if spreadBps > 0 {
		bps += math.Min(spreadBps/2, p.SpreadCapBps)
	}
	if p.VolumeThreshold > 0 && notional > p.VolumeThreshold {
		excess := math.Min(notional/p.VolumeThreshold-1, maxImpactMultiple)
		bps += p.BaseBps * excess
	}
	return math.Min(bps, p.MaxBps)
}

// ApplySlippage worsens price for the taker: BUY pays more, SELL gets less.
func ApplySlippage(price, bps float64, side domain.Direction) float64 {
	if side == domain.DirectionSell {
		return price * (1 - bps/10000)
	}
	return price * (1 + bps/10000)
}
