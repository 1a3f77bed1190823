// Package ledger is the authoritative record of positions, cash, and
// exposure. All mutation flows through a single apply loop; readers observe
// immutable snapshots and never block the writer.
package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"
)

// Config holds ledger settings.
type Config struct {
	InitialCash decimal.Decimal
}

type applyRequest struct {
	fill  core.Fill
	reply chan error
}

// Ledger owns position and cash state. Fills enter through ApplyFill, which
// hands them to the apply loop started by Run. Per-order fill sequences make
// application idempotent: duplicates are skipped, gaps are buffered until the
// missing fill arrives.
type Ledger struct {
	logger   core.ILogger
	reporter core.IReporter
	fillLog  core.IFillLog

	// Mutable state, owned by the apply loop (and by Restore before Run).
	cash        decimal.Decimal
	positions   map[string]core.Position
	strategyQty map[string]map[string]decimal.Decimal
	lastPrice   map[string]decimal.Decimal
	realizedPnL decimal.Decimal
	version     uint64

	nextFillSeq  map[string]int64
	pendingFills map[string]map[int64]core.Fill

	applyCh  chan applyRequest
	snapshot atomic.Pointer[core.PortfolioSnapshot]
	halted   atomic.Bool
	running  atomic.Bool

	callbackMu sync.RWMutex
	callbacks  []func(core.PortfolioSnapshot)

	fillsCounter metric.Int64Counter
}

// New creates a ledger. The fill log may be nil, in which case fills are not
// persisted.
func New(cfg Config, fillLog core.IFillLog, reporter core.IReporter, logger core.ILogger) *Ledger {
	holder := telemetry.GetGlobalMetrics()

	l := &Ledger{
		logger:       logger.WithField("component", "ledger"),
		reporter:     reporter,
		fillLog:      fillLog,
		cash:         cfg.InitialCash,
		positions:    make(map[string]core.Position),
		strategyQty:  make(map[string]map[string]decimal.Decimal),
		lastPrice:    make(map[string]decimal.Decimal),
		nextFillSeq:  make(map[string]int64),
		pendingFills: make(map[string]map[int64]core.Fill),
		applyCh:      make(chan applyRequest),
		fillsCounter: holder.FillsAppliedTotal,
	}
	l.publishSnapshot()
	return l
}

// Restore replays the persisted fill log into the ledger. Must be called
// before Run; replayed fills are not re-appended to the log.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.fillLog == nil {
		return nil
	}
	n := 0
	err := l.fillLog.Replay(ctx, func(f core.Fill) error {
		n++
		return l.apply(f)
	})
	if err != nil {
		return err
	}
	if n > 0 {
		l.logger.Info("Restored ledger from fill log",
			"fills", n,
			"version", l.version,
			"realized_pnl", l.realizedPnL.String())
	}
	return nil
}

// Run drives the apply loop until the context is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.applyCh:
			err := l.persistAndApply(ctx, req.fill)
			req.reply <- err
		}
	}
}

// ApplyFill hands a fill to the apply loop and waits for it to be applied
// (or buffered, for out-of-order fills). Returns ErrLedgerHalted after a
// consistency violation has put the ledger into safe-halt.
func (l *Ledger) ApplyFill(ctx context.Context, fill core.Fill) error {
	if l.halted.Load() {
		return apperrors.ErrLedgerHalted
	}
	req := applyRequest{fill: fill, reply: make(chan error, 1)}
	select {
	case l.applyCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest portfolio view. The returned maps are copies;
// callers may keep or mutate them freely.
func (l *Ledger) Snapshot() core.PortfolioSnapshot {
	return cloneSnapshot(l.snapshot.Load())
}

func cloneSnapshot(s *core.PortfolioSnapshot) core.PortfolioSnapshot {
	out := *s
	out.Positions = make(map[string]core.Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.StrategyExposure = make(map[string]decimal.Decimal, len(s.StrategyExposure))
	for k, v := range s.StrategyExposure {
		out.StrategyExposure[k] = v
	}
	out.LastPrice = make(map[string]decimal.Decimal, len(s.LastPrice))
	for k, v := range s.LastPrice {
		out.LastPrice[k] = v
	}
	return out
}

// Halted reports whether the ledger is in safe-halt.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// Running reports whether the apply loop is active. Used by health checks.
func (l *Ledger) Running() bool {
	return l.running.Load()
}

// OnUpdate registers a callback invoked from the apply loop after every
// applied fill. Callbacks must be fast; they run on the writer goroutine so
// that consumers observe snapshots in apply order.
func (l *Ledger) OnUpdate(cb func(core.PortfolioSnapshot)) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

func (l *Ledger) persistAndApply(ctx context.Context, fill core.Fill) error {
	if l.halted.Load() {
		return apperrors.ErrLedgerHalted
	}
	if err := l.validate(fill); err != nil {
		l.enterSafeHalt(fill, err)
		return err
	}
	if l.fillLog != nil {
		if err := l.fillLog.Append(ctx, fill); err != nil {
			return err
		}
	}
	return l.apply(fill)
}

func (l *Ledger) validate(fill core.Fill) error {
	switch {
	case fill.BrokerOrderID == "":
		return apperrors.ErrInvalidFill
	case fill.Instrument == "":
		return apperrors.ErrInvalidFill
	case fill.Sequence < 1:
		return apperrors.ErrInvalidFill
	case fill.Quantity.Sign() <= 0:
		return apperrors.ErrInvalidFill
	case fill.Price.Sign() <= 0:
		return apperrors.ErrInvalidFill
	}
	return nil
}

// apply routes a fill through the per-order sequence gate and drains any
// buffered successors that became applicable.
func (l *Ledger) apply(fill core.Fill) error {
	next := l.nextFillSeq[fill.BrokerOrderID]
	if next == 0 {
		next = 1
	}

	switch {
	case fill.Sequence < next:
		// Already applied. Replay and at-least-once delivery both land here.
		return nil
	case fill.Sequence > next:
		pending, ok := l.pendingFills[fill.BrokerOrderID]
		if !ok {
			pending = make(map[int64]core.Fill)
			l.pendingFills[fill.BrokerOrderID] = pending
		}
		pending[fill.Sequence] = fill
		l.logger.Debug("Buffered out-of-order fill",
			"broker_order_id", fill.BrokerOrderID,
			"sequence", fill.Sequence,
			"expected", next)
		return nil
	}

	l.applyOne(fill)
	next++

	pending := l.pendingFills[fill.BrokerOrderID]
	for {
		buffered, ok := pending[next]
		if !ok {
			break
		}
		delete(pending, next)
		l.applyOne(buffered)
		next++
	}
	if len(pending) == 0 {
		delete(l.pendingFills, fill.BrokerOrderID)
	}
	l.nextFillSeq[fill.BrokerOrderID] = next

	l.publishSnapshot()
	l.notify()
	return nil
}

// applyOne mutates position, cash, and P&L state for a single in-sequence
// fill.
func (l *Ledger) applyOne(fill core.Fill) {
	signed := fill.Quantity
	if fill.Side == core.SideSell {
		signed = signed.Neg()
	}

	pos := l.positions[fill.Instrument]
	pos.Instrument = fill.Instrument

	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign() {
		// Opening or adding: average the cost basis.
		total := pos.Quantity.Abs().Add(fill.Quantity)
		pos.AvgCost = pos.Quantity.Abs().Mul(pos.AvgCost).
			Add(fill.Quantity.Mul(fill.Price)).
			Div(total)
		pos.Quantity = pos.Quantity.Add(signed)
	} else {
		// Reducing or flipping: realize P&L on the closed quantity.
		closed := decimal.Min(fill.Quantity, pos.Quantity.Abs())
		perUnit := fill.Price.Sub(pos.AvgCost)
		if pos.Quantity.Sign() < 0 {
			perUnit = pos.AvgCost.Sub(fill.Price)
		}
		l.realizedPnL = l.realizedPnL.Add(perUnit.Mul(closed))

		pos.Quantity = pos.Quantity.Add(signed)
		if pos.Quantity.IsZero() {
			pos.AvgCost = decimal.Zero
		} else if pos.Quantity.Sign() == signed.Sign() {
			// Flipped through flat: the remainder opens at the fill price.
			pos.AvgCost = fill.Price
		}
	}

	if pos.Quantity.IsZero() {
		delete(l.positions, fill.Instrument)
	} else {
		l.positions[fill.Instrument] = pos
	}

	l.cash = l.cash.Sub(signed.Mul(fill.Price))
	l.lastPrice[fill.Instrument] = fill.Price

	if fill.StrategyID != "" {
		byInst, ok := l.strategyQty[fill.StrategyID]
		if !ok {
			byInst = make(map[string]decimal.Decimal)
			l.strategyQty[fill.StrategyID] = byInst
		}
		q := byInst[fill.Instrument].Add(signed)
		if q.IsZero() {
			delete(byInst, fill.Instrument)
		} else {
			byInst[fill.Instrument] = q
		}
	}

	l.version++
	if l.fillsCounter != nil {
		l.fillsCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("instrument", fill.Instrument)))
	}
}

func (l *Ledger) publishSnapshot() {
	snap := &core.PortfolioSnapshot{
		Version:          l.version,
		Time:             time.Now(),
		Cash:             l.cash,
		Positions:        make(map[string]core.Position, len(l.positions)),
		StrategyExposure: make(map[string]decimal.Decimal, len(l.strategyQty)),
		RealizedPnL:      l.realizedPnL,
		LastPrice:        make(map[string]decimal.Decimal, len(l.lastPrice)),
	}

	gross := decimal.Zero
	for inst, pos := range l.positions {
		snap.Positions[inst] = pos
		gross = gross.Add(pos.Exposure(l.lastPrice[inst]))
	}
	snap.GrossExposure = gross

	for sid, byInst := range l.strategyQty {
		exposure := decimal.Zero
		for inst, qty := range byInst {
			price := l.lastPrice[inst]
			if price.IsZero() {
				price = l.positions[inst].AvgCost
			}
			exposure = exposure.Add(qty.Mul(price).Abs())
		}
		snap.StrategyExposure[sid] = exposure
	}

	for inst, price := range l.lastPrice {
		snap.LastPrice[inst] = price
	}

	l.snapshot.Store(snap)

	holder := telemetry.GetGlobalMetrics()
	holder.SetGrossExposure(gross.InexactFloat64())
	holder.SetRealizedPnL(l.realizedPnL.InexactFloat64())
	for sid, exp := range snap.StrategyExposure {
		holder.SetStrategyExposure(sid, exp.InexactFloat64())
	}
}

func (l *Ledger) notify() {
	snap := cloneSnapshot(l.snapshot.Load())
	l.callbackMu.RLock()
	defer l.callbackMu.RUnlock()
	for _, cb := range l.callbacks {
		cb(snap)
	}
}

func (l *Ledger) enterSafeHalt(fill core.Fill, err error) {
	l.halted.Store(true)
	l.logger.Error("Ledger entering safe-halt",
		"broker_order_id", fill.BrokerOrderID,
		"sequence", fill.Sequence,
		"error", err)
	l.reporter.Report(core.Report{
		Kind:    core.ReportFillConsistency,
		Message: "invalid fill rejected by ledger: " + err.Error(),
		Fields: map[string]string{
			"broker_order_id": fill.BrokerOrderID,
			"instrument":      fill.Instrument,
		},
	})
}
