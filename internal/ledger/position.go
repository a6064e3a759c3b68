// Package ledger holds the buy lots of one instrument and the two
// accounting rules applied to them: strict FIFO allocation of sells and
// an average unit cost over the shares still held.
//
// A Position is the only owner of its lots. Every mutation goes through
// its methods, which hold the position mutex, so two allocations never
// observe the same un-decremented lot.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/model"
)

var (
	// ErrInvalidLot is returned when a lot breaks 0 <= remaining <= original.
	ErrInvalidLot = errors.New("ledger: invalid lot")

	// ErrDuplicateLot is returned when a lot ID is added twice.
	ErrDuplicateLot = errors.New("ledger: duplicate lot")

	// ErrInvalidQuantity is returned for non-positive sell quantities.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

	// ErrInsufficientShares is returned when a sell exceeds the shares held.
	// No lot is mutated when it is returned.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrNoSharesHeld is returned by average-cost queries on an empty position.
	ErrNoSharesHeld = errors.New("ledger: no shares held")
)

// Lot is one BUY event's contribution to a position. OriginalQuantity and
// CostBasis never change; RemainingQuantity only decreases.
type Lot struct {
	ID                string          `json:"id"`
	EventID           string          `json:"event_id,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	Created           time.Time       `json:"created"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	CostBasis         decimal.Decimal `json:"cost_basis"` // fee-exclusive
}

// NewLot opens a fresh lot for a BUY event.
func NewLot(id string, ev model.TradeEvent) (Lot, error) {
	if ev.Side != model.Buy {
		return Lot{}, fmt.Errorf("%w: event %s is a %s", ErrInvalidLot, ev.ID, ev.Side)
	}
	l := Lot{
		ID:                id,
		EventID:           ev.ID,
		Timestamp:         ev.Timestamp,
		Created:           ev.Created,
		OriginalQuantity:  ev.Quantity,
		RemainingQuantity: ev.Quantity,
		UnitPrice:         ev.UnitPrice,
		CostBasis:         ev.Quantity.Mul(ev.UnitPrice),
	}
	return l, l.Validate()
}

// Validate checks the lot invariants.
func (l Lot) Validate() error {
	switch {
	case l.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidLot)
	case !l.OriginalQuantity.IsPositive():
		return fmt.Errorf("%w: lot %s original quantity %s", ErrInvalidLot, l.ID, l.OriginalQuantity)
	case l.RemainingQuantity.IsNegative():
		return fmt.Errorf("%w: lot %s remaining quantity %s", ErrInvalidLot, l.ID, l.RemainingQuantity)
	case l.RemainingQuantity.GreaterThan(l.OriginalQuantity):
		return fmt.Errorf("%w: lot %s remaining %s exceeds original %s",
			ErrInvalidLot, l.ID, l.RemainingQuantity, l.OriginalQuantity)
	case l.CostBasis.IsNegative():
		return fmt.Errorf("%w: lot %s cost basis %s", ErrInvalidLot, l.ID, l.CostBasis)
	}
	return nil
}

// RemainingCost is the cost basis shrunk in proportion to the shares left:
// remaining / original × cost basis.
func (l Lot) RemainingCost() decimal.Decimal {
	switch {
	case l.RemainingQuantity.IsZero():
		return decimal.Zero
	case l.RemainingQuantity.Equal(l.OriginalQuantity):
		return l.CostBasis
	}
	return l.CostBasis.Mul(l.RemainingQuantity).Div(l.OriginalQuantity)
}

// Consumed is the number of shares allocated to sells so far.
func (l Lot) Consumed() decimal.Decimal {
	return l.OriginalQuantity.Sub(l.RemainingQuantity)
}

func compareLots(a, b Lot) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Position is the set of lots held for one instrument, kept in
// (Timestamp, Created) order regardless of the order they were loaded in.
type Position struct {
	mu         sync.Mutex
	instrument string
	lots       []Lot
}

// NewPosition builds a position from previously persisted lots.
func NewPosition(instrument string, lots ...Lot) (*Position, error) {
	p := &Position{instrument: instrument}
	for _, l := range lots {
		if err := p.add(l); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Instrument returns the instrument the position is for.
func (p *Position) Instrument() string { return p.instrument }

// Add inserts a lot at its chronological position.
func (p *Position) Add(l Lot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(l)
}

func (p *Position) add(l Lot) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if slices.ContainsFunc(p.lots, func(x Lot) bool { return x.ID == l.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateLot, l.ID)
	}
	i, _ := slices.BinarySearchFunc(p.lots, l, compareLots)
	p.lots = slices.Insert(p.lots, i, l)
	return nil
}

// Lots returns a copy of the lots, oldest first. Consumed lots are included.
func (p *Position) Lots() []Lot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.lots)
}

// Lot looks up a lot by ID.
func (p *Position) Lot(id string) (Lot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.lots {
		if l.ID == id {
			return l, true
		}
	}
	return Lot{}, false
}

// RemainingShares is Σ remaining quantity over all lots.
func (p *Position) RemainingShares() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return remainingShares(p.lots)
}

// RemainingCost is Σ proportional remaining cost over all lots.
func (p *Position) RemainingCost() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return remainingCost(p.lots)
}

// AverageCost recomputes the average unit cost from the current lots.
func (p *Position) AverageCost() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AverageUnitCost(p.lots)
}

// Summary is a point-in-time view of a position.
type Summary struct {
	Instrument      string           `json:"instrument"`
	RemainingShares decimal.Decimal  `json:"remaining_shares"`
	RemainingCost   decimal.Decimal  `json:"remaining_cost"`
	AverageCost     *decimal.Decimal `json:"average_cost"` // nil when no shares are held
	Lots            []Lot            `json:"lots"`
}

// Summary snapshots the position under a single lock.
func (p *Position) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{
		Instrument:      p.instrument,
		RemainingShares: remainingShares(p.lots),
		RemainingCost:   remainingCost(p.lots),
		Lots:            slices.Clone(p.lots),
	}
	if avg, err := AverageUnitCost(p.lots); err == nil {
		s.AverageCost = &avg
	}
	if s.Lots == nil {
		s.Lots = []Lot{}
	}
	return s
}

func remainingShares(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.RemainingQuantity)
	}
	return total
}

func remainingCost(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.RemainingCost())
	}
	return total
}
