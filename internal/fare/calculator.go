package fare

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/ridewave/paymentops/internal/trips"
)

// Demand tiers recognized by the surge table. Anything else falls back to a
// 1.0 multiplier.
const (
	TierLow    = "LOW"
	TierMedium = "MEDIUM"
	TierHigh   = "HIGH"
)

// Rules holds the business-rule constants for fare computation. Built once
// from config and never mutated.
type Rules struct {
	BaseFare        decimal.Decimal
	RatePerKM       decimal.Decimal
	Surge           map[string]decimal.Decimal
	CancellationFee decimal.Decimal
}

// Calculator computes charge amounts from trip attributes. It is pure:
// no I/O, identical inputs always produce identical fares.
type Calculator struct {
	rules Rules
}

func NewCalculator(rules Rules) *Calculator {
	return &Calculator{rules: rules}
}

// Estimate returns the fare for a trip, rounded to two decimal places:
//
//	(base_fare + distance_km * rate_per_km) * surge [+ cancellation_fee]
//
// The surge multiplier is looked up by the trip's demand tier and defaults
// to 1.0 when no tier matches. A negative distance is a validation error.
func (c *Calculator) Estimate(t trips.Details) (decimal.Decimal, error) {
	distance := decimal.NewFromFloat(t.DistanceKM)
	if distance.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid trip distance %s km", distance)
	}

	surge := decimal.NewFromInt(1)
	if m, ok := c.rules.Surge[t.Conditions]; ok {
		surge = m
	}

	amount := c.rules.BaseFare.Add(distance.Mul(c.rules.RatePerKM)).Mul(surge)
	if t.Cancelled {
		amount = amount.Add(c.rules.CancellationFee)
	}

	amount = amount.Round(2)
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("computed fare %s is negative", amount)
	}
	return amount, nil
}
