package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Allocation is one (lot, shares) pair consumed by a sell.
type Allocation struct {
	LotID  string          `json:"lot_id"`
	Shares decimal.Decimal `json:"shares"`
}

// CanAllocate reports whether qty could be sold right now without
// touching any lot.
func (p *Position) CanAllocate(qty decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkAllocate(qty)
}

func (p *Position) checkAllocate(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if held := remainingShares(p.lots); held.LessThan(qty) {
		return fmt.Errorf("%w: selling %s %s while holding %s", ErrInsufficientShares, qty, p.instrument, held)
	}
	return nil
}

// Allocate consumes qty shares oldest lot first and returns the pairs in
// consumption order. The shares returned always sum to qty. When the
// position holds fewer than qty shares, ErrInsufficientShares is returned
// and nothing changes.
func (p *Position) Allocate(qty decimal.Decimal) ([]Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkAllocate(qty); err != nil {
		return nil, err
	}

	left := qty
	var out []Allocation
	for i := range p.lots {
		if !left.IsPositive() {
			break
		}
		lot := &p.lots[i]
		if !lot.RemainingQuantity.IsPositive() {
			continue
		}
		take := decimal.Min(lot.RemainingQuantity, left)
		lot.RemainingQuantity = lot.RemainingQuantity.Sub(take)
		left = left.Sub(take)
		out = append(out, Allocation{LotID: lot.ID, Shares: take})
	}
	return out, nil
}
