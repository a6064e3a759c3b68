// Package report renders positions, sync runs and dry-run plans as
// Markdown, and Markdown as HTML.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/model"
	"github.com/robinfolio/lotsync/internal/syncer"
)

// Currency is used for every dollar total.
const Currency = money.USD

const dateLayout = "2006-01-02"

// Money formats amount in the currency's minor units, rounding half away
// from zero. Unknown currencies fall back to the plain decimal.
func Money(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.String()
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), currency).Display()
}

// UnitCost formats a per-share price with four decimal places.
func UnitCost(v decimal.Decimal) string {
	return "$" + v.StringFixed(4)
}

// PositionMarkdown lists the open lots of a position oldest first, with
// the share and cost totals.
func PositionMarkdown(symbol string, s ledger.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Position %s\n\n", symbol)

	avg := "-"
	if s.AverageCost != nil {
		avg = UnitCost(*s.AverageCost)
	}
	fmt.Fprintln(&b, "| Remaining shares | Remaining cost | Average cost |")
	fmt.Fprintln(&b, "|---:|---:|---:|")
	fmt.Fprintf(&b, "| %s | %s | %s |\n\n",
		model.FormatQuantity(s.RemainingShares), Money(s.RemainingCost, Currency), avg)

	if len(s.Lots) == 0 {
		fmt.Fprint(&b, "No lots.\n")
		return b.String()
	}

	fmt.Fprint(&b, "## Lots\n\n")
	fmt.Fprintln(&b, "| Date | Lot | Bought | Remaining | Unit cost | Remaining cost |")
	fmt.Fprintln(&b, "|:---|:---|---:|---:|---:|---:|")
	for _, l := range s.Lots {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			l.Timestamp.UTC().Format(dateLayout),
			l.ID,
			model.FormatQuantity(l.OriginalQuantity),
			model.FormatQuantity(l.RemainingQuantity),
			UnitCost(l.UnitPrice),
			Money(l.RemainingCost(), Currency),
		)
	}
	return b.String()
}

// SyncMarkdown summarizes a sync run, one row per instrument followed by
// the errors of the instruments that had any.
func SyncMarkdown(r syncer.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Sync %s\n\n", r.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%d instrument(s), %d failed, took %s.\n\n",
		len(r.Instruments), r.Failed(), r.Finished.Sub(r.Started).Round(time.Millisecond))

	fmt.Fprintln(&b, "| Symbol | State | Fetched | Skipped | Malformed | Buys | Sells | Allocations | Remaining | Average cost |")
	fmt.Fprintln(&b, "|:---|:---|---:|---:|---:|---:|---:|---:|---:|---:|")
	for _, in := range r.Instruments {
		state := string(in.State)
		if in.Partial() {
			state += " (partial)"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d | %d | %d | %s | %s |\n",
			in.Symbol, state, in.Fetched, in.Skipped, in.Malformed, in.Buys, in.Sells, in.Allocations,
			model.FormatQuantity(in.Remaining), UnitCost(in.AverageCost))
	}

	for _, in := range r.Instruments {
		if len(in.ErrorText) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s errors\n\n", in.Symbol)
		for _, msg := range in.ErrorText {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	return b.String()
}

// PlanMarkdown shows what a from-scratch replay would write.
func PlanMarkdown(p syncer.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan %s\n\n", p.Instrument.Symbol)
	fmt.Fprintf(&b, "%d event(s), %d sell(s), %d rejected, %d malformed.\n\n",
		len(p.Events), len(p.Sells), len(p.Failed), len(p.Malformed))

	if len(p.Sells) > 0 {
		fmt.Fprint(&b, "## Sells\n\n")
		fmt.Fprintln(&b, "| Order | Average cost | Lots sold from |")
		fmt.Fprintln(&b, "|:---|---:|:---|")
		for _, s := range p.Sells {
			lots := make([]string, 0, len(s.Allocations))
			for _, a := range s.Allocations {
				lots = append(lots, fmt.Sprintf("%s × %s", a.LotID, model.FormatQuantity(a.Shares)))
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Event.Name(), UnitCost(s.AverageCost), strings.Join(lots, ", "))
		}
		fmt.Fprintln(&b)
	}

	if len(p.Failed) > 0 {
		fmt.Fprint(&b, "## Rejected\n\n")
		for _, f := range p.Failed {
			fmt.Fprintf(&b, "- %s: %v\n", f.Event.Name(), f.Err)
		}
		fmt.Fprintln(&b)
	}
	for _, err := range p.Malformed {
		fmt.Fprintf(&b, "- malformed: %v\n", err)
	}
	if len(p.Malformed) > 0 {
		fmt.Fprintln(&b)
	}

	b.WriteString(strings.Replace(PositionMarkdown(p.Instrument.Symbol, p.Position), "# Position", "## Resulting position", 1))
	return b.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// HTML converts Markdown produced by this package to an HTML fragment.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}
