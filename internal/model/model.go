// Package model defines the core domain types shared across lotsync.
// All quantities and money use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ErrUnknownSide is returned by ParseSide for anything but buy or sell.
var ErrUnknownSide = errors.New("model: unknown order side")

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Buy):
		return Buy, nil
	case string(Sell):
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
}

func (s Side) String() string { return string(s) }

// TradeEvent is a normalized, filled order. Events are ordered by
// (Timestamp, Created); Created is assigned at ingestion and is strictly
// increasing within a run.
type TradeEvent struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Symbol     string          `json:"symbol,omitempty"`
	Side       Side            `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
	Created    time.Time       `json:"created"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"` // 4 decimal places
	Fee        decimal.Decimal `json:"fee"`        // persisted for SELL only
}

// Before reports whether e sorts strictly before o.
func (e TradeEvent) Before(o TradeEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Created.Before(o.Created)
}

// Compare orders events by Timestamp, then Created. Suitable for slices.SortStableFunc.
func Compare(a, b TradeEvent) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

// Name renders the display title used for order records,
// e.g. "2021/10/18 ABT BUY 10 @ $12.3400".
func (e TradeEvent) Name() string {
	symbol := e.Symbol
	if symbol == "" {
		symbol = e.Instrument
	}
	return OrderName(e.Timestamp, symbol, e.Side, e.Quantity, e.UnitPrice)
}

// OrderName formats an order title.
func OrderName(ts time.Time, symbol string, side Side, qty, price decimal.Decimal) string {
	return fmt.Sprintf("%s %s %s %s @ $%s",
		ts.UTC().Format("2006/01/02"), symbol, side, FormatQuantity(qty), price.StringFixed(4))
}

// FormatQuantity shows whole shares when the first two fractional digits
// are zero, otherwise the quantity at up to 4 places.
func FormatQuantity(q decimal.Decimal) string {
	if q.Truncate(2).Equal(q.Truncate(0)) {
		return q.Truncate(0).String()
	}
	return q.Round(4).String()
}

// RawOrder is one order record as returned by the brokerage, before
// normalization. Numbers are json.Number when decoded by this module.
type RawOrder map[string]any

// Instrument identifies a tradable security at the brokerage.
type Instrument struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
}
