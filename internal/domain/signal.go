package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Direction is the side a signal recommends.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionHold    Direction = "HOLD"
	DirectionNoTrade Direction = "NO_TRADE"
)

// Tradeable reports whether the direction leads to an order.
func (d Direction) Tradeable() bool {
	return d == DirectionBuy || d == DirectionSell
}

// EntryPrice is either a concrete price or "market".
type EntryPrice struct {
	Market bool
	Value  float64
}

// MarketPrice is the "market" entry price.
var MarketPrice = EntryPrice{Market: true}

// PriceAt returns a concrete suggested price.
func PriceAt(v float64) EntryPrice {
	return EntryPrice{Value: v}
}

// Numeric reports whether a usable concrete price was suggested.
func (p EntryPrice) Numeric() bool {
	return !p.Market && p.Value > 0
}

func (p EntryPrice) MarshalJSON() ([]byte, error) {
	if p.Market {
		return []byte(`"market"`), nil
	}
	return []byte(strconv.FormatFloat(p.Value, 'f', -1, 64)), nil
}

func (p *EntryPrice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = MarketPrice
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if strings.EqualFold(s, "market") || s == "" {
			*p = MarketPrice
			return nil
		}
		// producers sometimes quote numbers
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("entry price %q: not a number or \"market\"", s)
		}
		*p = PriceAt(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = PriceAt(v)
	return nil
}

// Signal is a directional trade recommendation from the external producer.
// It is treated as immutable once produced.
type Signal struct {
	AssetPair           string     `json:"assetPair"`
	Direction           Direction  `json:"direction"`
	SuggestedEntryPrice EntryPrice `json:"suggestedEntryPrice"`
	TakeProfitPrice     float64    `json:"takeProfitPrice"`
	StopLossPrice       float64    `json:"stopLossPrice"`
	Confidence          float64    `json:"confidence"`
	Reasoning           string     `json:"reasoning"`
}

// BaseAsset returns "BTC" for "BTC/USDT" (also accepts "BTC-USDT").
func (s Signal) BaseAsset() string {
	base, _ := SplitPair(s.AssetPair)
	return base
}

// SplitPair splits "BASE/QUOTE" or "BASE-QUOTE".
func SplitPair(pair string) (base, quote string) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(pair, sep, 2); len(parts) == 2 {
			return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		}
	}
	if strings.HasSuffix(pair, QuoteAsset) && len(pair) > len(QuoteAsset) {
		return strings.TrimSuffix(pair, QuoteAsset), QuoteAsset
	}
	return pair, ""
}

// ExchangeSymbol returns the gateway form of a pair, e.g. "BTC-USDT".
func ExchangeSymbol(pair string) string {
	base, quote := SplitPair(pair)
	if quote == "" {
		return base
	}
	return base + "-" + quote
}
