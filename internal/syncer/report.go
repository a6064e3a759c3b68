package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/model"
)

// State is where an instrument's sync currently is.
type State string

const (
	StatePending        State = "PENDING"
	StateNormalizing    State = "NORMALIZING"
	StateReplaying      State = "REPLAYING"
	StateProcessingBuy  State = "PROCESSING_BUY"
	StateProcessingSell State = "PROCESSING_SELL"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
	StateSkipped        State = "SKIPPED"
)

// PersistenceError is a store write that failed after retries. Partial
// is set when the event's own record was written but a later write for
// the same event (allocation records, lot updates, the average cost)
// was not.
type PersistenceError struct {
	Op      string
	EventID string
	Partial bool
	Err     error
}

func (e *PersistenceError) Error() string {
	kind := "failed"
	if e.Partial {
		kind = "partially applied"
	}
	return fmt.Sprintf("syncer: event %s %s: %s: %v", e.EventID, kind, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPartial reports whether err contains a partially applied event.
func IsPartial(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Partial
}

// InstrumentReport is the outcome of syncing one instrument.
type InstrumentReport struct {
	Symbol       string          `json:"symbol"`
	InstrumentID string          `json:"instrument_id,omitempty"`
	PositionID   string          `json:"position_id,omitempty"`
	State        State           `json:"state"`
	Fetched      int             `json:"fetched"`
	Malformed    int             `json:"malformed"`
	Skipped      int             `json:"skipped"`
	Buys         int             `json:"buys"`
	Sells        int             `json:"sells"`
	Allocations  int             `json:"allocations"`
	Remaining    decimal.Decimal `json:"remaining_shares"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	Duration     time.Duration   `json:"duration"`
	Errors       []error         `json:"-"`
	ErrorText    []string        `json:"errors,omitempty"`
}

func (r *InstrumentReport) fail(err error) {
	r.Errors = append(r.Errors, err)
	r.ErrorText = append(r.ErrorText, err.Error())
}

// Partial reports whether any event was left partially applied.
func (r *InstrumentReport) Partial() bool {
	for _, err := range r.Errors {
		if IsPartial(err) {
			return true
		}
	}
	return false
}

// Report is the outcome of one sync run, one entry per requested symbol
// in request order.
type Report struct {
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished"`
	Instruments []InstrumentReport `json:"instruments"`
}

// Failed counts instruments that did not reach DONE or finished with
// errors.
func (r Report) Failed() int {
	n := 0
	for _, in := range r.Instruments {
		if in.State != StateDone || len(in.Errors) > 0 {
			n++
		}
	}
	return n
}

// Progress is one step of a running sync, published to a Notifier.
type Progress struct {
	Symbol   string              `json:"symbol"`
	State    State               `json:"state"`
	EventID  string              `json:"event_id,omitempty"`
	Side     model.Side          `json:"side,omitempty"`
	Quantity string              `json:"quantity,omitempty"`
	Lots     []ledger.Allocation `json:"allocations,omitempty"`
	Error    string              `json:"error,omitempty"`
	Time     time.Time           `json:"time"`
}

// Notifier receives progress updates. Notify must not block.
type Notifier interface {
	Notify(Progress)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Progress) {}
