package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPair(t *testing.T) {
	tests := []struct {
		pair, base, quote, symbol string
	}{
		{"BTC/USDT", "BTC", "USDT", "BTC-USDT"},
		{"eth-usdt", "ETH", "USDT", "ETH-USDT"},
		{"SOL_USDT", "SOL", "USDT", "SOL-USDT"},
		{"XRPUSDT", "XRP", "USDT", "XRP-USDT"},
		{"BTC", "BTC", "", "BTC"},
	}
	for _, tt := range tests {
		t.Run(tt.pair, func(t *testing.T) {
			base, quote := SplitPair(tt.pair)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.quote, quote)
			assert.Equal(t, tt.symbol, ExchangeSymbol(tt.pair))
		})
	}
}

func TestEntryPriceJSON(t *testing.T) {
	tests := []struct {
		in   string
		want EntryPrice
	}{
		{`"market"`, MarketPrice},
		{`"MARKET"`, MarketPrice},
		{`""`, MarketPrice},
		{`null`, MarketPrice},
		{`60000.5`, PriceAt(60000.5)},
		{`"60000.5"`, PriceAt(60000.5)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var p EntryPrice
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			assert.Equal(t, tt.want, p)
		})
	}

	var p EntryPrice
	assert.Error(t, json.Unmarshal([]byte(`"cheap"`), &p))

	b, err := json.Marshal(Signal{AssetPair: "BTC/USDT", SuggestedEntryPrice: MarketPrice})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"suggestedEntryPrice":"market"`)
	assert.True(t, PriceAt(1).Numeric())
	assert.False(t, PriceAt(0).Numeric())
	assert.False(t, MarketPrice.Numeric())
}

func TestNewSimulationStateAddsQuoteAsset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSimulationState(7000, []PaperAsset{{Symbol: "BTC", Quantity: 0.1}}, now)

	assert.Equal(t, SchemaVersion, s.Version)
	assert.True(t, s.IsActive)
	assert.NotNil(t, s.OpenPositions)
	require.Len(t, s.PaperAssets, 2)
	assert.Equal(t, QuoteAsset, s.PaperAssets[1].Symbol)
	assert.Zero(t, s.AvailableCash())
	assert.Equal(t, 0, s.AssetIndex("BTC"))
	assert.Equal(t, -1, s.AssetIndex("ETH"))
}

func TestCloneIsDeep(t *testing.T) {
	entry := 60000.0
	at := time.Now()
	s := NewSimulationState(10000, []PaperAsset{{Symbol: "BTC", Quantity: 1, EntryPrice: &entry}}, at)
	s.OpenPositions = append(s.OpenPositions, Position{ID: "p1", Quantity: 1})
	s.LastAutoTradeTime = &at

	c := s.Clone()
	c.OpenPositions[0].Quantity = 2
	*c.PaperAssets[0].EntryPrice = 1
	*c.LastAutoTradeTime = at.Add(time.Hour)

	assert.Equal(t, 1.0, s.OpenPositions[0].Quantity)
	assert.Equal(t, 60000.0, *s.PaperAssets[0].EntryPrice)
	assert.Equal(t, at, *s.LastAutoTradeTime)
}

func TestPositionPnL(t *testing.T) {
	long := Position{Direction: DirectionBuy, EntryPrice: 100, Quantity: 2}
	short := Position{Direction: DirectionSell, EntryPrice: 100, Quantity: 2}
	assert.Equal(t, 20.0, long.PnLAt(110))
	assert.Equal(t, -20.0, short.PnLAt(110))
	assert.Equal(t, 200.0, long.Notional())
}

func TestDrawdownPct(t *testing.T) {
	s := SimulationState{StartPortfolioValue: 10000, CurrentPortfolioValue: 9550}
	assert.InDelta(t, -4.5, s.DrawdownPct(), 1e-9)
	assert.Zero(t, SimulationState{CurrentPortfolioValue: 5}.DrawdownPct())
}

func TestApplyEvaluation(t *testing.T) {
	s := SimulationState{
		CurrentPortfolioValue: 10000,
		OpenPositions:         []Position{{ID: "a"}, {ID: "b", UnrealizedPnL: 3}},
	}
	out := s.ApplyEvaluation(PortfolioEvaluation{
		TotalValue:  10050,
		PerPosition: []PositionValuation{{PositionID: "a", UnrealizedPnL: 47}},
	})
	assert.Equal(t, 10050.0, out.CurrentPortfolioValue)
	assert.Equal(t, 47.0, out.OpenPositions[0].UnrealizedPnL)
	assert.Equal(t, 3.0, out.OpenPositions[1].UnrealizedPnL, "unmarked positions keep their last value")
	assert.Equal(t, 50.0, out.UnrealizedPnL())
	assert.Zero(t, s.OpenPositions[0].UnrealizedPnL, "input untouched")
}

func TestNewPositionIDUnique(t *testing.T) {
	now := time.Now()
	assert.NotEqual(t, NewPositionID(now), NewPositionID(now))
}
