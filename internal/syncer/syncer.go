// Package syncer drives a trade-history sync: for each instrument it
// fetches raw orders, normalizes them, rebuilds the open position from the
// record store and replays the new events through the ledger, writing
// order, allocation and lot records as it goes.
//
// Each instrument is owned by exactly one worker for the duration of its
// sync, and by one process when a shared lock.Locker is configured.
// Failures are per event: an event whose writes fail is reported and the
// replay moves on. Nothing is rolled back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robinfolio/lotsync/internal/broker"
	"github.com/robinfolio/lotsync/internal/ledger"
	"github.com/robinfolio/lotsync/internal/lock"
	"github.com/robinfolio/lotsync/internal/metrics"
	"github.com/robinfolio/lotsync/internal/model"
	"github.com/robinfolio/lotsync/internal/normalize"
	"github.com/robinfolio/lotsync/internal/retry"
	"github.com/robinfolio/lotsync/internal/store"
)

// Syncer syncs instruments from a broker.Source into a store.Store.
type Syncer struct {
	store    store.Store
	source   broker.Source
	cols     Collections
	locker   lock.Locker
	norm     *normalize.Normalizer
	workers  int
	policy   retry.Policy
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLocker sets the instrument locker. Defaults to a process-local one.
func WithLocker(l lock.Locker) Option { return func(s *Syncer) { s.locker = l } }

// WithNotifier sets the progress notifier.
func WithNotifier(n Notifier) Option { return func(s *Syncer) { s.notifier = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Syncer) { s.logger = l } }

// WithRetry sets the retry policy for store and broker calls.
func WithRetry(p retry.Policy) Option { return func(s *Syncer) { s.policy = p } }

// WithWorkers bounds how many instruments sync concurrently.
func WithWorkers(n int) Option { return func(s *Syncer) { s.workers = n } }

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option { return func(s *Syncer) { s.norm = n } }

// New creates a Syncer.
func New(st store.Store, src broker.Source, cols Collections, opts ...Option) *Syncer {
	s := &Syncer{
		store:    st,
		source:   src,
		cols:     cols,
		workers:  4,
		policy:   retry.DefaultPolicy(),
		notifier: nopNotifier{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker()
	}
	if s.norm == nil {
		s.norm = normalize.New(normalize.DefaultPaths(), normalize.WithLogger(s.logger))
	}
	if s.workers < 1 {
		s.workers = 1
	}
	return s
}

// Run syncs every symbol and returns one report entry per symbol, in
// order. Per-instrument failures are recorded in the report; the error is
// non-nil only when the store's collections do not match the expected
// schemas or ctx ends.
func (s *Syncer) Run(ctx context.Context, symbols []string) (Report, error) {
	rep := Report{Started: time.Now().UTC(), Instruments: make([]InstrumentReport, len(symbols))}

	var cols Collections
	err := s.call(ctx, "schema", func(ctx context.Context) error {
		var err error
		cols, err = s.cols.Check(ctx, s.store)
		if errors.Is(err, store.ErrValidation) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		for i, sym := range symbols {
			rep.Instruments[i] = InstrumentReport{Symbol: strings.ToUpper(sym), State: StateFailed}
			rep.Instruments[i].fail(err)
		}
		rep.Finished = time.Now().UTC()
		return rep, fmt.Errorf("check collections: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			rep.Instruments[i] = s.syncInstrument(gctx, cols, sym)
			return nil
		})
	}
	_ = g.Wait()
	rep.Finished = time.Now().UTC()
	return rep, ctx.Err()
}

// SyncInstrument syncs a single symbol.
func (s *Syncer) SyncInstrument(ctx context.Context, symbol string) (InstrumentReport, error) {
	rep, err := s.Run(ctx, []string{symbol})
	if len(rep.Instruments) == 0 {
		return InstrumentReport{}, err
	}
	return rep.Instruments[0], err
}

// run holds the state of one instrument's sync.
type run struct {
	*Syncer
	cols   Collections
	rep    *InstrumentReport
	logger *slog.Logger
	posID  string
	pos    *ledger.Position
}

func (s *Syncer) syncInstrument(ctx context.Context, cols Collections, symbol string) (rep InstrumentReport) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rep = InstrumentReport{Symbol: symbol, State: StatePending}
	r := &run{Syncer: s, cols: cols, rep: &rep, logger: s.logger.With("instrument", symbol)}

	start := time.Now()
	defer func() {
		rep.Duration = time.Since(start)
		metrics.SyncDuration.WithLabelValues(string(rep.State)).Observe(rep.Duration.Seconds())
		r.progress(Progress{State: rep.State})
		r.logger.Info("instrument sync finished",
			"state", rep.State,
			"buys", rep.Buys,
			"sells", rep.Sells,
			"skipped", rep.Skipped,
			"errors", len(rep.Errors),
			"duration", rep.Duration,
		)
	}()

	unlock, err := s.locker.Lock(ctx, "instrument:"+symbol)
	if err != nil {
		rep.State = StateSkipped
		if !errors.Is(err, lock.ErrLocked) {
			rep.State = StateFailed
		}
		rep.fail(err)
		return rep
	}
	defer unlock()

	metrics.ActiveSyncs.Inc()
	defer metrics.ActiveSyncs.Dec()

	if err := r.sync(ctx); err != nil {
		rep.State = StateFailed
		rep.fail(err)
		r.logger.Error("instrument sync failed", "err", err)
		return rep
	}
	rep.State = StateDone
	return rep
}

func (r *run) sync(ctx context.Context) error {
	var instrument model.Instrument
	err := r.call(ctx, "instrument", func(ctx context.Context) error {
		var err error
		instrument, err = r.source.InstrumentBySymbol(ctx, r.rep.Symbol)
		return err
	})
	if err != nil {
		return err
	}
	r.rep.InstrumentID = instrument.ID

	if r.posID, err = r.ensurePosition(ctx); err != nil {
		return err
	}
	r.rep.PositionID = r.posID

	// NORMALIZING
	r.setState(StateNormalizing)
	var raws []model.RawOrder
	err = r.call(ctx, "list orders", func(ctx context.Context) error {
		var err error
		raws, err = r.source.ListOrders(ctx, instrument.ID)
		return err
	})
	if err != nil {
		return err
	}
	r.rep.Fetched = len(raws)
	events, malformed := r.norm.Normalize(raws)
	r.rep.Malformed = len(malformed)
	metrics.MalformedRecords.Add(float64(len(malformed)))
	for _, err := range malformed {
		r.rep.fail(err)
	}

	var existing map[string]bool
	r.pos, existing, err = r.loadPosition(ctx, instrument.ID)
	if err != nil {
		return err
	}

	// REPLAYING
	r.setState(StateReplaying)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Instrument != instrument.ID {
			continue
		}
		if ev.Symbol == "" {
			ev.Symbol = instrument.Symbol
		}
		if existing[ev.ID] {
			r.rep.Skipped++
			metrics.EventsTotal.WithLabelValues(string(ev.Side), "skipped").Inc()
			continue
		}

		var errs []error
		switch ev.Side {
		case model.Buy:
			r.setState(StateProcessingBuy)
			errs = r.applyBuy(ctx, ev)
		case model.Sell:
			r.setState(StateProcessingSell)
			errs = r.applySell(ctx, ev)
		}
		r.record(ev, errs)
	}

	r.rep.Remaining = r.pos.RemainingShares()
	if avg, err := r.pos.AverageCost(); err == nil {
		r.rep.AverageCost = avg
	}
	return nil
}

func (r *run) record(ev model.TradeEvent, errs []error) {
	result := "applied"
	for _, err := range errs {
		if IsPartial(err) {
			result = "partial"
		} else if result == "applied" {
			result = "failed"
		}
		r.rep.fail(err)
		r.progress(Progress{State: r.rep.State, EventID: ev.ID, Side: ev.Side, Error: err.Error()})
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Side), result).Inc()
}

// applyBuy creates the BUY record, opens its lot and writes the new
// average cost back onto the record.
func (r *run) applyBuy(ctx context.Context, ev model.TradeEvent) []error {
	p := r.cols.Props
	lot, err := ledger.NewLot(ev.ID, ev)
	if err != nil {
		return []error{err}
	}

	fields := r.orderFields(ev)
	if !r.cols.RemainingFormula {
		fields[p.Remaining] = store.Number(ev.Quantity)
	}
	id, err := r.create(ctx, r.cols.Orders, fields)
	if err != nil {
		return []error{r.persistErr("create buy", ev, false, err)}
	}

	lot.ID = id
	if err := r.pos.Add(lot); err != nil {
		return []error{err}
	}
	r.rep.Buys++
	r.progress(Progress{State: StateProcessingBuy, EventID: ev.ID, Side: ev.Side, Quantity: ev.Quantity.String()})

	avg, err := r.pos.AverageCost()
	if err != nil {
		return []error{err}
	}
	if err := r.update(ctx, id, store.Fields{p.AvgCost: store.Number(avg)}); err != nil {
		return []error{r.persistErr("update avg cost", ev, true, err)}
	}
	r.logger.Debug("buy applied", "event_id", ev.ID, "qty", ev.Quantity, "avg_cost", avg)
	return nil
}

// applySell checks the sell can be covered, creates the SELL record with
// the pre-sell average cost, allocates FIFO and persists each allocation
// and every consumed lot's remaining shares.
func (r *run) applySell(ctx context.Context, ev model.TradeEvent) []error {
	p := r.cols.Props

	avg, err := r.pos.AverageCost()
	if err != nil {
		return []error{fmt.Errorf("sell %s: %w", ev.ID, err)}
	}
	if err := r.pos.CanAllocate(ev.Quantity); err != nil {
		return []error{fmt.Errorf("sell %s: %w", ev.ID, err)}
	}

	fields := r.orderFields(ev)
	fields[p.Fee] = store.Number(ev.Fee)
	fields[p.AvgCost] = store.Number(avg)
	sellID, err := r.create(ctx, r.cols.Orders, fields)
	if err != nil {
		return []error{r.persistErr("create sell", ev, false, err)}
	}

	allocs, err := r.pos.Allocate(ev.Quantity)
	if err != nil {
		return []error{fmt.Errorf("sell %s: %w", ev.ID, err)}
	}
	r.rep.Sells++
	r.rep.Allocations += len(allocs)
	metrics.AllocationsTotal.Add(float64(len(allocs)))
	r.progress(Progress{State: StateProcessingSell, EventID: ev.ID, Side: ev.Side, Quantity: ev.Quantity.String(), Lots: allocs})

	var errs []error
	name := ev.Name()
	for i, a := range allocs {
		shares, _ := a.Shares.Float64()
		metrics.SharesAllocated.WithLabelValues(r.rep.Symbol).Add(shares)

		_, err := r.create(ctx, r.cols.Allocations, store.Fields{
			p.Order:        store.Title(fmt.Sprintf("%s -%d", name, i+1)),
			p.SellOrder:    store.Relation(sellID),
			p.LotsSoldFrom: store.Relation(a.LotID),
			p.Shares:       store.Number(a.Shares),
		})
		if err != nil {
			errs = append(errs, r.persistErr("create allocation", ev, true, err))
		}
	}

	if !r.cols.RemainingFormula {
		for _, a := range allocs {
			lot, ok := r.pos.Lot(a.LotID)
			if !ok {
				continue
			}
			if err := r.update(ctx, a.LotID, store.Fields{p.Remaining: store.Number(lot.RemainingQuantity)}); err != nil {
				errs = append(errs, r.persistErr("update lot", ev, true, err))
			}
		}
	}
	r.logger.Debug("sell applied", "event_id", ev.ID, "qty", ev.Quantity, "allocations", len(allocs), "avg_cost", avg)
	return errs
}

func (r *run) orderFields(ev model.TradeEvent) store.Fields {
	p := r.cols.Props
	return store.Fields{
		p.Order:      store.Title(ev.Name()),
		p.OrderDate:  store.Date(ev.Timestamp),
		p.Type:       store.Select(string(ev.Side)),
		p.UnitCost:   store.Number(ev.UnitPrice),
		p.Shares:     store.Number(ev.Quantity),
		p.Stock:      store.Relation(r.posID),
		p.BrokerID:   store.Text(ev.ID),
		p.IngestedAt: store.Date(ev.Created),
	}
}

func (r *run) persistErr(op string, ev model.TradeEvent, partial bool, err error) error {
	metrics.PersistenceFailures.WithLabelValues(op).Inc()
	pe := &PersistenceError{Op: op, EventID: ev.ID, Partial: partial, Err: err}
	r.logger.Error("store write failed", "event_id", ev.ID, "side", ev.Side, "op", op, "partial", partial, "err", err)
	return pe
}

// ensurePosition finds the summary record titled with the symbol,
// creating it when missing.
func (r *run) ensurePosition(ctx context.Context) (string, error) {
	id, err := findPosition(ctx, r.Syncer, r.cols, r.rep.Symbol)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	r.logger.Info("creating position record")
	return r.create(ctx, r.cols.Positions, store.Fields{r.cols.Props.Name: store.Title(r.rep.Symbol)})
}

func (r *run) setState(st State) {
	if r.rep.State == st {
		return
	}
	r.rep.State = st
	r.progress(Progress{State: st})
}

func (r *run) progress(p Progress) {
	p.Symbol = r.rep.Symbol
	p.Time = time.Now().UTC()
	r.notifier.Notify(p)
}

func (s *Syncer) create(ctx context.Context, collection string, fields store.Fields) (string, error) {
	var id string
	err := s.call(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = s.store.Create(ctx, collection, fields)
		return err
	})
	return id, err
}

func (s *Syncer) update(ctx context.Context, id string, fields store.Fields) error {
	return s.call(ctx, "update", func(ctx context.Context) error {
		_, err := s.store.Update(ctx, id, fields)
		return err
	})
}

func (s *Syncer) query(ctx context.Context, collection string, filter store.Filter) ([]store.Record, error) {
	var recs []store.Record
	err := s.call(ctx, "query", func(ctx context.Context) error {
		var err error
		recs, err = s.store.Query(ctx, collection, filter)
		return err
	})
	return recs, err
}

// call runs fn under the retry policy, counting retries by op.
func (s *Syncer) call(ctx context.Context, op string, fn func(context.Context) error) error {
	p := s.policy
	p.OnRetry = func(attempt int, err error) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		s.logger.Warn("retrying", "op", op, "attempt", attempt, "err", err)
	}
	return retry.Do(ctx, p, fn)
}
