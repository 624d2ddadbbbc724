package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/domain"
)

// ComplianceResult is a price and quantity on the instrument's legal grid.
type ComplianceResult struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
	Adjusted bool    `json:"adjusted"` // false when no metadata was available
	IsValid  bool    `json:"is_valid"`
	Reason   string  `json:"reason,omitempty"`
}

// AdjustForCompliance rounds price against the trader (up for BUY, down for
// SELL), derives quantity from notional at that price, checks minimums, then
// floors quantity to the base increment. With inc nil the inputs pass through.
func AdjustForCompliance(price, notional float64, side domain.Direction, inc *adapters.Increments) ComplianceResult {
	if price <= 0 {
		return ComplianceResult{Reason: "Price must be positive"}
	}
	if inc == nil {
		return ComplianceResult{
			Price:    price,
			Quantity: notional / price,
			Notional: notional,
			IsValid:  true,
		}
	}

	p := decimal.NewFromFloat(price)
	if inc.PriceIncrement > 0 {
		p = roundToStep(p, decimal.NewFromFloat(inc.PriceIncrement), side == domain.DirectionBuy)
	}
	if !p.IsPositive() {
		return ComplianceResult{Adjusted: true, Reason: "Price rounds to zero at the instrument's price increment"}
	}

	n := decimal.NewFromFloat(notional)
	qty := n.Div(p)

	if inc.MinQuoteSize > 0 && n.LessThan(decimal.NewFromFloat(inc.MinQuoteSize)) {
		return ComplianceResult{
			Adjusted: true,
			Reason:   fmt.Sprintf("Order value %.2f USDT is below the exchange minimum of %g USDT", notional, inc.MinQuoteSize),
		}
	}
	if inc.MinBaseSize > 0 && qty.LessThan(decimal.NewFromFloat(inc.MinBaseSize)) {
		return ComplianceResult{
			Adjusted: true,
			Reason:   fmt.Sprintf("Order quantity %s is below the exchange minimum of %g", qty.StringFixed(8), inc.MinBaseSize),
		}
	}

	if inc.BaseIncrement > 0 {
		qty = roundToStep(qty, decimal.NewFromFloat(inc.BaseIncrement), false)
	}
	if !qty.IsPositive() {
		return ComplianceResult{Adjusted: true, Reason: "Order quantity rounds to zero at the instrument's size increment"}
	}

	price, _ = p.Float64()
	q, _ := qty.Float64()
	adjustedNotional, _ := qty.Mul(p).Float64()
	return ComplianceResult{
		Price:    price,
		Quantity: q,
		Notional: adjustedNotional,
		Adjusted: true,
		IsValid:  true,
	}
}

// roundToStep snaps v to a multiple of step, up or down.
func roundToStep(v, step decimal.Decimal, up bool) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	units := v.Div(step)
	if up {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(step)
}
