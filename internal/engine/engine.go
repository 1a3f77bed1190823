// Package engine assembles the trading pipeline: market events flow from the
// bus through strategy evaluation, risk admission, and order submission, and
// broker fills flow back through the coordinator into the ledger.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trading_engine/internal/bus"
	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/execution"
	"trading_engine/internal/ledger"
	"trading_engine/internal/perf"
	"trading_engine/internal/risk"
	"trading_engine/internal/strategy"
)

const cancelOnExitTimeout = 10 * time.Second

// Engine owns the wiring between components. Strategy intents reach the
// coordinator only through the risk gate: the runtime's sink is the engine's
// admit path, and nothing else holds a reference to Submit.
type Engine struct {
	cfg      *config.Config
	logger   core.ILogger
	reporter core.IReporter

	bus     *bus.Bus
	ledger  *ledger.Ledger
	halt    *risk.HaltSwitch
	gate    *risk.Gate
	coord   *execution.Coordinator
	runtime *strategy.Runtime
	tracker *perf.Tracker

	runCtx atomic.Pointer[context.Context]
}

// New builds the pipeline. Restore and Run must be called before events flow.
func New(cfg *config.Config, broker core.IBroker, fillLog core.IFillLog, reporter core.IReporter, logger core.ILogger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		logger:   logger.WithField("component", "engine"),
		reporter: reporter,
	}

	e.bus = bus.New(bus.Config{
		QueueSize:        cfg.Bus.QueueSize,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
	}, reporter, logger)

	e.ledger = ledger.New(ledger.Config{
		InitialCash: decimal.NewFromFloat(cfg.Ledger.InitialCash),
	}, fillLog, reporter, logger)

	e.halt = risk.NewHaltSwitch(reporter, logger)
	e.gate = risk.NewGate(cfg.RiskLimits(), e.halt, logger)

	e.coord = execution.NewCoordinator(cfg.Execution, broker, e.ledger, reporter, logger)

	e.tracker = perf.NewTracker(logger)
	e.ledger.OnUpdate(e.tracker.OnSnapshot)
	e.coord.OnTerminal(func(order core.Order) {
		e.gate.Release(order.IntentID)
		e.tracker.OnOrderTerminal(order)
	})

	rt, err := strategy.NewRuntime(cfg.Runtime, cfg.Strategies, e.admit, reporter, logger)
	if err != nil {
		return nil, err
	}
	e.runtime = rt

	return e, nil
}

// admit is the runtime's intent sink. Every intent crosses exactly one gate
// decision here before it can reach the coordinator.
func (e *Engine) admit(intent core.OrderIntent) {
	decision := e.gate.Evaluate(intent, e.ledger.Snapshot())
	if !decision.Accepted {
		e.logger.Info("intent rejected",
			"intent_id", intent.ID,
			"strategy_id", intent.StrategyID,
			"instrument", intent.Instrument,
			"reason", string(decision.Reason),
		)
		return
	}

	ctx := context.Background()
	if p := e.runCtx.Load(); p != nil {
		ctx = *p
	}
	if err := e.coord.Submit(ctx, intent); err != nil {
		// The reservation is normally released when the order goes
		// terminal; orders that never entered tracking release here.
		if _, tracked := e.coord.Order(intent.ID); !tracked {
			e.gate.Release(intent.ID)
		}
		e.logger.Error("order submission failed",
			"intent_id", intent.ID,
			"strategy_id", intent.StrategyID,
			"error", err,
		)
	}
}

// Restore replays the persisted fill log into the ledger.
func (e *Engine) Restore(ctx context.Context) error {
	return e.ledger.Restore(ctx)
}

// Run starts every component and blocks until ctx is canceled or one of them
// fails. Restore must have completed first.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"strategies", e.runtime.InstanceCount(),
		"cancel_on_exit", e.cfg.System.CancelOnExit,
	)

	g, ctx := errgroup.WithContext(ctx)
	e.runCtx.Store(&ctx)
	g.Go(func() error { return e.bus.Run(ctx) })
	g.Go(func() error { return e.ledger.Run(ctx) })
	g.Go(func() error { return e.coord.Run(ctx) })
	g.Go(func() error { return e.runtime.Run(ctx, e.bus) })

	err := g.Wait()

	if e.cfg.System.CancelOnExit {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelOnExitTimeout)
		e.coord.CancelAll(cancelCtx)
		cancel()
	}
	e.logger.Info("engine stopped")
	return err
}

// Publish feeds a vendor event into the bus.
func (e *Engine) Publish(raw bus.RawEvent) error {
	return e.bus.Publish(raw)
}

// Snapshot returns the ledger's current portfolio snapshot.
func (e *Engine) Snapshot() core.PortfolioSnapshot {
	return e.ledger.Snapshot()
}

// Metrics returns the performance tracker's current metrics.
func (e *Engine) Metrics() perf.Metrics {
	return e.tracker.Metrics()
}

// Halted reports whether any component has stopped accepting new orders.
func (e *Engine) Halted() bool {
	return e.gate.Halted() || e.coord.Halted() || e.ledger.Halted()
}

// LiveOrders returns the number of non-terminal orders.
func (e *Engine) LiveOrders() int {
	return e.coord.LiveOrders()
}

// UpdateRiskLimits swaps the gate's limit table. In-flight evaluations finish
// against the table they loaded.
func (e *Engine) UpdateRiskLimits(limits core.RiskLimits) {
	e.gate.UpdateLimits(limits)
}

// ResetHalt rebaselines the daily-loss window against the current portfolio
// and reopens the risk gate. Execution and ledger halts are not resettable.
func (e *Engine) ResetHalt() {
	e.gate.ResetHalt(e.ledger.Snapshot())
}

// BusDepth reports the dispatcher queue depth, used by health checks.
func (e *Engine) BusDepth() int {
	return e.bus.Depth()
}

// LedgerRunning reports whether the ledger apply loop is alive.
func (e *Engine) LedgerRunning() bool {
	return e.ledger.Running()
}
