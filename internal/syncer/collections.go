package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/robinfolio/lotsync/internal/store"
)

// Properties names the record properties the syncer reads and writes.
type Properties struct {
	// Positions collection.
	Name string `yaml:"name"`

	// Orders collection.
	Order      string `yaml:"order"`
	OrderDate  string `yaml:"order_date"`
	Type       string `yaml:"type"`
	UnitCost   string `yaml:"unit_cost"`
	Shares     string `yaml:"shares"`
	Fee        string `yaml:"fee"`
	AvgCost    string `yaml:"avg_cost"`
	Stock      string `yaml:"stock"`
	BrokerID   string `yaml:"broker_id"`
	IngestedAt string `yaml:"ingested_at"`
	Remaining  string `yaml:"remaining"`

	// Allocations collection. Order and Shares are shared with orders.
	SellOrder    string `yaml:"sell_order"`
	LotsSoldFrom string `yaml:"lots_sold_from"`
}

// Collections names the three collections a sync touches and the
// properties inside them.
type Collections struct {
	Positions   string     `yaml:"positions"`
	Orders      string     `yaml:"orders"`
	Allocations string     `yaml:"allocations"`
	Props       Properties `yaml:"properties"`

	// RemainingFormula means the store derives remaining shares itself
	// (e.g. Shares minus a rollup of allocations) and the syncer must not
	// write it.
	RemainingFormula bool `yaml:"remaining_formula"`
}

// DefaultCollections are the collection and property names of the
// portfolio workspace template.
func DefaultCollections() Collections {
	return Collections{
		Positions:   "positions",
		Orders:      "orders",
		Allocations: "lots",
		Props: Properties{
			Name:         "Name",
			Order:        "Order",
			OrderDate:    "Order date",
			Type:         "Type",
			UnitCost:     "Unit cost",
			Shares:       "Shares",
			Fee:          "Fee",
			AvgCost:      "Avg unit cost",
			Stock:        "Stock",
			BrokerID:     "Broker ID",
			IngestedAt:   "Ingested at",
			Remaining:    "Remaining shares",
			SellOrder:    "Sell order",
			LotsSoldFrom: "Lots sold from",
		},
	}
}

// Schemas returns the schema of each collection, for backends that
// declare collections locally.
func (c Collections) Schemas() map[string]store.Schema {
	p := c.Props
	remaining := store.TypeNumber
	if c.RemainingFormula {
		remaining = store.TypeFormula
	}
	return map[string]store.Schema{
		c.Positions: {
			p.Name: store.TypeTitle,
		},
		c.Orders: {
			p.Order:      store.TypeTitle,
			p.OrderDate:  store.TypeDate,
			p.Type:       store.TypeSelect,
			p.UnitCost:   store.TypeNumber,
			p.Shares:     store.TypeNumber,
			p.Fee:        store.TypeNumber,
			p.AvgCost:    store.TypeNumber,
			p.Stock:      store.TypeRelation,
			p.BrokerID:   store.TypeRichText,
			p.IngestedAt: store.TypeDate,
			p.Remaining:  remaining,
		},
		c.Allocations: {
			p.Order:        store.TypeTitle,
			p.SellOrder:    store.TypeRelation,
			p.LotsSoldFrom: store.TypeRelation,
			p.Shares:       store.TypeNumber,
		},
	}
}

// Define declares every collection on a local backend.
func (c Collections) Define(ctx context.Context, d store.Definer) error {
	for name, schema := range c.Schemas() {
		if err := d.Define(ctx, name, schema); err != nil {
			return fmt.Errorf("define %s: %w", name, err)
		}
	}
	return nil
}

// Check compares the expected schemas with what the store reports and
// returns a store.ErrValidation listing every missing or mistyped
// property. A formula reported for Remaining switches RemainingFormula on
// in the returned copy.
func (c Collections) Check(ctx context.Context, s store.Store) (Collections, error) {
	var problems []string
	for name, want := range c.Schemas() {
		got, err := s.Schema(ctx, name)
		if err != nil {
			return c, fmt.Errorf("schema %s: %w", name, err)
		}
		for prop, typ := range want {
			have, ok := got[prop]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("%s.%s missing", name, prop))
			case name == c.Orders && prop == c.Props.Remaining && have.Derived():
				c.RemainingFormula = true
			case have != typ:
				problems = append(problems, fmt.Sprintf("%s.%s is %s, want %s", name, prop, have, typ))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return c, fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(problems, "; "))
	}
	return c, nil
}
