package ledger

import "github.com/shopspring/decimal"

// CostPlaces is the number of decimal places unit costs are reported at.
const CostPlaces int32 = 4

// RoundCost rounds half away from zero at CostPlaces. Costs are never
// negative, so this is round-half-up; it is not banker's rounding.
func RoundCost(v decimal.Decimal) decimal.Decimal {
	return v.Round(CostPlaces)
}

// AverageUnitCost is Σ remaining cost / Σ remaining shares over lots,
// where each lot's remaining cost is its cost basis shrunk in proportion
// to the shares it still holds. Returns ErrNoSharesHeld when nothing is
// held.
func AverageUnitCost(lots []Lot) (decimal.Decimal, error) {
	shares := remainingShares(lots)
	if !shares.IsPositive() {
		return decimal.Zero, ErrNoSharesHeld
	}
	return remainingCost(lots).DivRound(shares, CostPlaces), nil
}
