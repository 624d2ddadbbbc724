package execution

import (
	"errors"
	"fmt"
)

// ErrPricingUnavailable means no execution price could be derived. There is
// no fallback to constant prices.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// Trade failure kinds, suitable for the state machine's MarkFailed.
const (
	KindInvalidDirection  = "invalid_direction"
	KindPositionSize      = "position_size"
	KindCompliance        = "compliance"
	KindPricing           = "pricing"
	KindInsufficientFunds = "insufficient_funds"
	KindPositionNotFound  = "position_not_found"
	KindDuplicatePosition = "duplicate_position"
)

// TradeError is a rejected or failed trade. Reason is human readable; Kind
// is machine readable.
type TradeError struct {
	Kind   string
	Reason string
	Cause  error
}

func (e *TradeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TradeError) Unwrap() error {
	return e.Cause
}

func newTradeError(kind, reason string, cause error) *TradeError {
	return &TradeError{Kind: kind, Reason: reason, Cause: cause}
}

// FailureKind returns the TradeError kind in err's chain, or "" when err is
// not a trade error.
func FailureKind(err error) string {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// FailureReason returns a display string for err without raw error text.
func FailureReason(err error) string {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Reason
	}
	if err == nil {
		return ""
	}
	return "Trade could not be completed"
}
