package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/model"
	"github.com/robinfolio/lotsync/internal/syncer"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMoney(t *testing.T) {
	testCases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"12.5", "USD", "$12.50"},
		{"0.005", "USD", "$0.01"},
		{"1234.567", "USD", "$1,234.57"},
		{"-3", "USD", "-$3.00"},
		{"7.25", "XXX-unknown", "7.25"},
	}
	for _, tc := range testCases {
		t.Run(tc.amount+" "+tc.currency, func(t *testing.T) {
			if got := Money(d(tc.amount), tc.currency); got != tc.want {
				t.Errorf("Money(%s, %s) = %q, want %q", tc.amount, tc.currency, got, tc.want)
			}
		})
	}
}

func TestPositionMarkdown(t *testing.T) {
	avg := d("2")
	s := ledger.Summary{
		Instrument:      "abt-id",
		RemainingShares: d("5"),
		RemainingCost:   d("10"),
		AverageCost:     &avg,
		Lots: []ledger.Lot{{
			ID:                "lot-2",
			Timestamp:         time.Date(2021, 3, 2, 15, 0, 0, 0, time.UTC),
			OriginalQuantity:  d("10"),
			RemainingQuantity: d("5"),
			UnitPrice:         d("2"),
			CostBasis:         d("20"),
		}},
	}
	got := PositionMarkdown("ABT", s)
	for _, want := range []string{
		"# Position ABT",
		"| 5 | $10.00 | $2.0000 |",
		"| 2021-03-02 | lot-2 | 10 | 5 | $2.0000 | $10.00 |",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("markdown missing %q:\n%s", want, got)
		}
	}

	empty := PositionMarkdown("MSFT", ledger.Summary{})
	if !strings.Contains(empty, "| 0 | $0.00 | - |") || !strings.Contains(empty, "No lots.") {
		t.Errorf("empty position:\n%s", empty)
	}
}

func TestSyncMarkdown(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := syncer.Report{
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
		Instruments: []syncer.InstrumentReport{
			{Symbol: "ABT", State: syncer.StateDone, Fetched: 3, Buys: 2, Sells: 1, Allocations: 2, Remaining: d("5"), AverageCost: d("2")},
			{
				Symbol:    "MSFT",
				State:     syncer.StateDone,
				Errors:    []error{&syncer.PersistenceError{Op: "create allocation", EventID: "s1", Partial: true, Err: errors.New("boom")}},
				ErrorText: []string{"event s1 partially applied"},
			},
		},
	}
	got := SyncMarkdown(r)
	for _, want := range []string{
		"# Sync 2024-01-02T03:04:05Z",
		"2 instrument(s), 1 failed, took 1.5s.",
		"| ABT | DONE | 3 | 0 | 0 | 2 | 1 | 2 | 5 | $2.0000 |",
		"| MSFT | DONE (partial) |",
		"## MSFT errors",
		"- event s1 partially applied",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("markdown missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "## ABT errors") {
		t.Errorf("ABT had no errors:\n%s", got)
	}
}

func TestPlanMarkdown(t *testing.T) {
	ts := time.Date(2021, 3, 3, 0, 0, 0, 0, time.UTC)
	sell := model.TradeEvent{ID: "s1", Symbol: "ABT", Side: model.Sell, Timestamp: ts, Quantity: d("15"), UnitPrice: d("3")}
	p := syncer.Plan{
		Instrument: model.Instrument{ID: "abt-id", Symbol: "ABT"},
		Events:     []model.TradeEvent{sell},
		Sells: []ledger.SellResult{{
			Event:       sell,
			AverageCost: d("1.5"),
			Allocations: []ledger.Allocation{{LotID: "b1", Shares: d("10")}, {LotID: "b2", Shares: d("5")}},
		}},
		Failed: []ledger.EventError{{Event: sell, Err: ledger.ErrInsufficientShares}},
	}
	got := PlanMarkdown(p)
	for _, want := range []string{
		"# Plan ABT",
		"1 event(s), 1 sell(s), 1 rejected, 0 malformed.",
		"| 2021/03/03 ABT SELL 15 @ $3.0000 | $1.5000 | b1 × 10, b2 × 5 |",
		"## Rejected",
		"## Resulting position ABT",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("markdown missing %q:\n%s", want, got)
		}
	}
}

func TestHTML(t *testing.T) {
	html, err := HTML("# T\n\n| a | b |\n|---|---:|\n| 1 | 2 |\n")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<h1>T</h1>", "<table>", "<td>1</td>", "right"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q:\n%s", want, html)
		}
	}
}
