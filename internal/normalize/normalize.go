// Package normalize turns raw brokerage order records into ordered,
// exactly-parsed trade events.
//
// Only filled buys and sells survive. A record that is missing a field or
// carries an unparsable value is reported as a MalformedRecordError and
// dropped; the rest of the batch is still returned.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/robinfolio/lotsync/internal/model"
)

// ErrMalformedRecord matches every MalformedRecordError.
var ErrMalformedRecord = errors.New("normalize: malformed record")

// PricePlaces is the precision unit prices and fees are held at.
const PricePlaces int32 = 4

// MalformedRecordError describes why a single record was dropped.
type MalformedRecordError struct {
	RecordID string
	Field    string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("normalize: malformed record %s: %s: %v", id, e.Field, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

var errMissing = errors.New("missing")

// Paths are JSONPath expressions locating each field in a raw record.
// An empty Symbol or Fee path means the field is not present upstream.
type Paths struct {
	ID         string `yaml:"id"`
	Instrument string `yaml:"instrument"`
	Symbol     string `yaml:"symbol"`
	Side       string `yaml:"side"`
	State      string `yaml:"state"`
	Timestamp  string `yaml:"timestamp"`
	Quantity   string `yaml:"quantity"`
	Price      string `yaml:"price"`
	Fee        string `yaml:"fee"`
}

// DefaultPaths match the brokerage order history payload.
func DefaultPaths() Paths {
	return Paths{
		ID:         "$.id",
		Instrument: "$.instrument_id",
		Side:       "$.side",
		State:      "$.state",
		Timestamp:  "$.last_transaction_at",
		Quantity:   "$.cumulative_quantity",
		Price:      "$.average_price",
		Fee:        "$.fees",
	}
}

// Normalizer converts raw records. It is safe for concurrent use; the
// ingestion clock is shared so Created stamps are unique across callers.
type Normalizer struct {
	paths  Paths
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock replaces time.Now as the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger sets the logger used for dropped records.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New creates a Normalizer. Empty required paths fall back to DefaultPaths.
func New(paths Paths, opts ...Option) *Normalizer {
	def := DefaultPaths()
	fill := func(p *string, d string) {
		if strings.TrimSpace(*p) == "" {
			*p = d
		}
	}
	fill(&paths.ID, def.ID)
	fill(&paths.Instrument, def.Instrument)
	fill(&paths.Side, def.Side)
	fill(&paths.State, def.State)
	fill(&paths.Timestamp, def.Timestamp)
	fill(&paths.Quantity, def.Quantity)
	fill(&paths.Price, def.Price)

	n := &Normalizer{paths: paths, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize filters, parses and orders a batch. The returned events are
// sorted by (Timestamp, Created). Every dropped malformed record yields one
// error; filtered-out records (unfilled, other sides) yield none.
func (n *Normalizer) Normalize(raws []model.RawOrder) ([]model.TradeEvent, []error) {
	events := make([]model.TradeEvent, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var errs []error

	for _, raw := range raws {
		ev, ok, err := n.Event(raw)
		if err != nil {
			n.logger.Warn("dropping malformed order", "err", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			n.logger.Debug("dropping duplicate order", "event_id", ev.ID)
			continue
		}
		seen[ev.ID] = struct{}{}
		events = append(events, ev)
	}

	slices.SortStableFunc(events, model.Compare)
	return events, errs
}

// Event converts one record. ok is false when the record is valid but not
// a filled buy or sell.
func (n *Normalizer) Event(raw model.RawOrder) (ev model.TradeEvent, ok bool, err error) {
	obj := map[string]any(raw)

	id, err := n.text(obj, n.paths.ID)
	if err != nil {
		return ev, false, &MalformedRecordError{Field: "id", Err: err}
	}
	bad := func(field string, err error) (model.TradeEvent, bool, error) {
		return model.TradeEvent{}, false, &MalformedRecordError{RecordID: id, Field: field, Err: err}
	}

	state, err := n.text(obj, n.paths.State)
	if err != nil {
		return bad("state", err)
	}
	sideText, err := n.text(obj, n.paths.Side)
	if err != nil {
		return bad("side", err)
	}
	side, sideErr := model.ParseSide(sideText)
	if sideErr != nil || !strings.EqualFold(strings.TrimSpace(state), "filled") {
		return ev, false, nil
	}

	instrument, err := n.text(obj, n.paths.Instrument)
	if err != nil {
		return bad("instrument", err)
	}
	ts, err := n.timestamp(obj, n.paths.Timestamp)
	if err != nil {
		return bad("timestamp", err)
	}
	qty, err := n.decimal(obj, n.paths.Quantity)
	if err != nil {
		return bad("quantity", err)
	}
	if !qty.IsPositive() {
		return bad("quantity", fmt.Errorf("must be positive, got %s", qty))
	}
	price, err := n.decimal(obj, n.paths.Price)
	if err != nil {
		return bad("price", err)
	}
	if price.IsNegative() {
		return bad("price", fmt.Errorf("must not be negative, got %s", price))
	}
	fee := decimal.Zero
	if n.paths.Fee != "" {
		fee, err = n.decimal(obj, n.paths.Fee)
		switch {
		case errors.Is(err, errMissing):
			fee = decimal.Zero
		case err != nil:
			return bad("fee", err)
		case fee.IsNegative():
			return bad("fee", fmt.Errorf("must not be negative, got %s", fee))
		}
	}
	var symbol string
	if n.paths.Symbol != "" {
		symbol, _ = n.text(obj, n.paths.Symbol)
	}

	return model.TradeEvent{
		ID:         id,
		Instrument: instrumentID(instrument),
		Symbol:     strings.ToUpper(symbol),
		Side:       side,
		Timestamp:  ts,
		Created:    n.stamp(),
		Quantity:   qty,
		UnitPrice:  price.Round(PricePlaces),
		Fee:        fee.Round(PricePlaces),
	}, true, nil
}

// stamp returns a strictly increasing millisecond ingestion time.
func (n *Normalizer) stamp() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now().UTC().Truncate(time.Millisecond)
	if !now.After(n.last) {
		now = n.last.Add(time.Millisecond)
	}
	n.last = now
	return now
}

func lookup(obj map[string]any, path string) (any, error) {
	v, err := jsonpath.Get(path, obj)
	if err != nil || v == nil {
		return nil, errMissing
	}
	// Wildcard paths return a list; take the first match.
	if list, ok := v.([]any); ok {
		if len(list) == 0 || list[0] == nil {
			return nil, errMissing
		}
		v = list[0]
	}
	return v, nil
}

func (n *Normalizer) text(obj map[string]any, path string) (string, error) {
	v, err := lookup(obj, path)
	if err != nil {
		return "", err
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return "", fmt.Errorf("unexpected %T", v)
	}
	if strings.TrimSpace(s) == "" {
		return "", errMissing
	}
	return strings.TrimSpace(s), nil
}

func (n *Normalizer) decimal(obj map[string]any, path string) (decimal.Decimal, error) {
	v, err := lookup(obj, path)
	if err != nil {
		return decimal.Zero, err
	}
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return decimal.Zero, errMissing
		}
		return decimal.NewFromString(strings.TrimSpace(x))
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	}
	return decimal.Zero, fmt.Errorf("unexpected %T", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func (n *Normalizer) timestamp(obj map[string]any, path string) (time.Time, error) {
	s, err := n.text(obj, path)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// instrumentID accepts either a bare id or an instrument URL such as
// https://api.example.com/instruments/<id>/ and returns the id.
func instrumentID(v string) string {
	if !strings.Contains(v, "/") {
		return v
	}
	parts := strings.Split(strings.TrimRight(v, "/"), "/")
	return parts[len(parts)-1]
}
