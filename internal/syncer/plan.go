package syncer

import (
	"context"
	"strings"

	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/model"
)

// Plan is a dry run of one instrument's full history: every event is
// replayed in memory from an empty position and nothing is written.
type Plan struct {
	Instrument model.Instrument    `json:"instrument"`
	Events     []model.TradeEvent  `json:"events"`
	Sells      []ledger.SellResult `json:"sells"`
	Failed     []ledger.EventError `json:"-"`
	Malformed  []error             `json:"-"`
	Position   ledger.Summary      `json:"position"`
}

// Plan fetches and normalizes symbol's orders and replays them without
// touching the store.
func (s *Syncer) Plan(ctx context.Context, symbol string) (Plan, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var plan Plan
	err := s.call(ctx, "instrument", func(ctx context.Context) error {
		var err error
		plan.Instrument, err = s.source.InstrumentBySymbol(ctx, symbol)
		return err
	})
	if err != nil {
		return plan, err
	}

	var raws []model.RawOrder
	err = s.call(ctx, "list orders", func(ctx context.Context) error {
		var err error
		raws, err = s.source.ListOrders(ctx, plan.Instrument.ID)
		return err
	})
	if err != nil {
		return plan, err
	}

	events, malformed := s.norm.Normalize(raws)
	plan.Malformed = malformed
	for _, ev := range events {
		if ev.Instrument != plan.Instrument.ID {
			continue
		}
		if ev.Symbol == "" {
			ev.Symbol = plan.Instrument.Symbol
		}
		plan.Events = append(plan.Events, ev)
	}

	pos, sells, failed := ledger.Replay(plan.Instrument.ID, plan.Events)
	plan.Sells = sells
	plan.Failed = failed
	plan.Position = pos.Summary()
	return plan, nil
}
