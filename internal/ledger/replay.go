package ledger

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/model"
)

// SellResult is what a SELL event resolved to during a replay.
type SellResult struct {
	Event       model.TradeEvent `json:"event"`
	AverageCost decimal.Decimal  `json:"average_cost"`
	Allocations []Allocation     `json:"allocations"`
}

// EventError pairs an event with the reason it was not applied.
type EventError struct {
	Event model.TradeEvent
	Err   error
}

func (e EventError) Error() string { return e.Event.ID + ": " + e.Err.Error() }
func (e EventError) Unwrap() error { return e.Err }

// Replay applies events to an empty position in (Timestamp, Created) order
// without touching any store. Lots are keyed by event ID. Events that fail
// (oversells, invalid lots) are reported and skipped.
func Replay(instrument string, events []model.TradeEvent) (*Position, []SellResult, []EventError) {
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, model.Compare)

	pos := &Position{instrument: instrument}
	var sells []SellResult
	var failed []EventError

	for _, ev := range ordered {
		switch ev.Side {
		case model.Buy:
			lot, err := NewLot(ev.ID, ev)
			if err == nil {
				err = pos.Add(lot)
			}
			if err != nil {
				failed = append(failed, EventError{Event: ev, Err: err})
			}
		case model.Sell:
			avg, err := pos.AverageCost()
			if err != nil {
				failed = append(failed, EventError{Event: ev, Err: err})
				continue
			}
			allocs, err := pos.Allocate(ev.Quantity)
			if err != nil {
				failed = append(failed, EventError{Event: ev, Err: err})
				continue
			}
			sells = append(sells, SellResult{Event: ev, AverageCost: avg, Allocations: allocs})
		}
	}
	return pos, sells, failed
}
