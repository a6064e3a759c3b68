package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/model"
	"github.com/robinfolio/lotsync/internal/store"
)

func findPosition(ctx context.Context, s *Syncer, cols Collections, symbol string) (string, error) {
	recs, err := s.query(ctx, cols.Positions, store.Where(store.Equals(cols.Props.Name, store.Title(symbol))))
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("%w: position %s", store.ErrNotFound, symbol)
	}
	if len(recs) > 1 {
		s.logger.Warn("several position records share a symbol; using the oldest", "instrument", symbol, "count", len(recs))
		oldest := recs[0]
		for _, r := range recs[1:] {
			if r.CreatedAt.Before(oldest.CreatedAt) {
				oldest = r
			}
		}
		return oldest.ID, nil
	}
	return recs[0].ID, nil
}

// loadPosition rebuilds the open position from BUY records that still
// hold shares, and returns the broker ids of every order already synced
// for the position.
func (r *run) loadPosition(ctx context.Context, instrumentID string) (*ledger.Position, map[string]bool, error) {
	p := r.cols.Props
	open, err := r.query(ctx, r.cols.Orders, store.Where(
		store.Contains(p.Stock, r.posID),
		store.Equals(p.Type, store.Select(string(model.Buy))),
		store.GreaterThan(p.Remaining, store.Number(decimal.Zero)),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("load lots: %w", err)
	}
	lots := make([]ledger.Lot, 0, len(open))
	for _, rec := range open {
		lot, err := lotFromRecord(p, rec)
		if err != nil {
			return nil, nil, err
		}
		lots = append(lots, lot)
	}
	pos, err := ledger.NewPosition(instrumentID, lots...)
	if err != nil {
		return nil, nil, fmt.Errorf("load lots: %w", err)
	}

	all, err := r.query(ctx, r.cols.Orders, store.Where(store.Contains(p.Stock, r.posID)))
	if err != nil {
		return nil, nil, fmt.Errorf("load synced orders: %w", err)
	}
	existing := make(map[string]bool, len(all))
	for _, rec := range all {
		if id := strings.TrimSpace(rec.Text(p.BrokerID)); id != "" {
			existing[id] = true
		}
	}
	r.logger.Info("loaded position", "lots", len(lots), "synced_orders", len(existing), "remaining", pos.RemainingShares())
	return pos, existing, nil
}

// lotFromRecord rebuilds a lot from a BUY order record. The lot id is
// the record id, which allocation records refer to.
func lotFromRecord(p Properties, rec store.Record) (ledger.Lot, error) {
	shares, ok := rec.Number(p.Shares)
	if !ok {
		return ledger.Lot{}, fmt.Errorf("%w: record %s has no %s", ledger.ErrInvalidLot, rec.ID, p.Shares)
	}
	remaining, ok := rec.Number(p.Remaining)
	if !ok {
		remaining = shares
	}
	price, _ := rec.Number(p.UnitCost)
	ts, _ := rec.Date(p.OrderDate)
	created, ok := rec.Date(p.IngestedAt)
	if !ok {
		created = rec.CreatedAt
	}
	lot := ledger.Lot{
		ID:                rec.ID,
		EventID:           rec.Text(p.BrokerID),
		Timestamp:         ts,
		Created:           created,
		OriginalQuantity:  shares,
		RemainingQuantity: remaining,
		UnitPrice:         price,
		CostBasis:         shares.Mul(price),
	}
	if err := lot.Validate(); err != nil {
		return ledger.Lot{}, err
	}
	return lot, nil
}

// Position loads the open position for symbol from the store without
// syncing anything.
func (s *Syncer) Position(ctx context.Context, symbol string) (ledger.Summary, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	posID, err := findPosition(ctx, s, s.cols, symbol)
	if err != nil {
		return ledger.Summary{}, err
	}
	rep := &InstrumentReport{Symbol: symbol}
	r := &run{Syncer: s, cols: s.cols, rep: rep, logger: s.logger.With("instrument", symbol), posID: posID}
	pos, _, err := r.loadPosition(ctx, symbol)
	if err != nil {
		return ledger.Summary{}, err
	}
	return pos.Summary(), nil
}
