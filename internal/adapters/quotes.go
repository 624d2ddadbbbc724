package adapters

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MarketDataGateway is the exchange-facing collaborator. Wire protocol and
// authentication live behind it.
type MarketDataGateway interface {
	// GetBestBidAsk returns a one-shot top-of-book snapshot.
	GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error)
	// GetInstrumentIncrements returns trading increments, or (nil, nil) when
	// the instrument has no metadata.
	GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error)
}

// BookTicker is a normalized top-of-book snapshot. A zero BestBid or BestAsk
// means that side of the book is empty.
type BookTicker struct {
	Symbol    string    `json:"symbol"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "mock"|"sim"|"cache"
}

// Increments are the legal order steps of an instrument.
type Increments struct {
	PriceIncrement float64 `json:"price_increment"`
	BaseIncrement  float64 `json:"base_increment"`
	MinBaseSize    float64 `json:"min_base_size"`
	MinQuoteSize   float64 `json:"min_quote_size"`
}

// ValidateBookTicker rejects snapshots no price can be derived from.
func ValidateBookTicker(t *BookTicker) error {
	if t == nil {
		return fmt.Errorf("ticker is nil")
	}
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	for name, v := range map[string]float64{"bid": t.BestBid, "ask": t.BestAsk, "last": t.LastPrice} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s price: %v", name, v)
		}
	}
	if t.BestBid > 0 && t.BestAsk > 0 && t.BestAsk < t.BestBid {
		return fmt.Errorf("crossed book: ask(%.8f) < bid(%.8f)", t.BestAsk, t.BestBid)
	}
	if t.BestBid == 0 && t.BestAsk == 0 && t.LastPrice == 0 {
		return fmt.Errorf("no prices in snapshot")
	}
	return nil
}

// Mid returns the midpoint, or 0 when either side is empty.
func (t *BookTicker) Mid() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	return (t.BestBid + t.BestAsk) / 2
}

// SpreadBps calculates bid-ask spread in basis points of the mid.
func (t *BookTicker) SpreadBps() float64 {
	mid := t.Mid()
	if mid <= 0 {
		return 0
	}
	return ((t.BestAsk - t.BestBid) / mid) * 10000
}

// GatewayError types
const (
	ErrTypeRateLimit = "rate_limit"
	ErrTypeNetwork   = "network"
	ErrTypeMalformed = "malformed"
	ErrTypeBadSymbol = "bad_symbol"
)

// GatewayError is the typed failure surfaced by gateways.
type GatewayError struct {
	Type    string
	Symbol  string
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Common error constructors
func NewNetworkError(symbol, message string, cause error) *GatewayError {
	return &GatewayError{Type: ErrTypeNetwork, Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *GatewayError {
	return &GatewayError{Type: ErrTypeRateLimit, Symbol: symbol, Message: message}
}

func NewMalformedError(symbol, message string, cause error) *GatewayError {
	return &GatewayError{Type: ErrTypeMalformed, Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *GatewayError {
	return &GatewayError{Type: ErrTypeBadSymbol, Symbol: symbol, Message: message}
}

// ErrorType returns the GatewayError type anywhere in err's chain, or "".
func ErrorType(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Type
	}
	return ""
}
