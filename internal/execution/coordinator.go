// Package execution owns the order lifecycle between risk acceptance and the
// ledger: submission with retries, per-order state transitions, and fill
// attribution.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"
)

// FillApplier receives attributed fills. Satisfied by the ledger.
type FillApplier interface {
	ApplyFill(ctx context.Context, fill core.Fill) error
}

var transitions = map[core.OrderState][]core.OrderState{
	core.OrderCreated:         {core.OrderSubmitted, core.OrderSubmissionFailed},
	core.OrderSubmitted:       {core.OrderAcknowledged, core.OrderRejected, core.OrderSubmissionFailed},
	core.OrderAcknowledged:    {core.OrderPartiallyFilled, core.OrderFilled, core.OrderRejected, core.OrderCancelled},
	core.OrderPartiallyFilled: {core.OrderPartiallyFilled, core.OrderFilled, core.OrderCancelled},
}

type trackedOrder struct {
	order core.Order

	nextFillSeq  int64
	pendingFills map[int64]core.BrokerFill
}

// unmatchedFills holds fills whose broker order id has no registration yet.
// The fill channel is fully asynchronous, so a synchronously matched order's
// first fill can arrive before Submit has returned the id.
type unmatchedFills struct {
	fills []core.BrokerFill
	first time.Time
}

// Coordinator is the exclusive owner of every accepted order until it reaches
// a terminal state. Submission goes through a rate limiter and a bounded
// exponential backoff retry pipeline; exhausted retries surface as
// SubmissionFailed, never silently. Broker fills are attributed to their
// order, applied in fill-sequence order with gap buffering, and forwarded to
// the ledger.
type Coordinator struct {
	logger   core.ILogger
	reporter core.IReporter
	broker   core.IBroker
	applier  FillApplier

	limiter  *rate.Limiter
	pipeline failsafe.Executor[string]

	mu        sync.RWMutex
	byIntent  map[string]*trackedOrder
	byBroker  map[string]*trackedOrder
	unmatched map[string]*unmatchedFills

	// How long an unmatched broker order id may wait for its registration
	// before it is treated as a consistency error.
	grace time.Duration

	terminalMu sync.RWMutex
	onTerminal []func(core.Order)

	halted bool

	terminalCounter metric.Int64Counter
	latencyHist     metric.Float64Histogram
}

func NewCoordinator(cfg config.ExecutionConfig, broker core.IBroker, applier FillApplier, reporter core.IReporter, logger core.ILogger) *Coordinator {
	baseDelay := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond

	retryPolicy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			// Broker rejections are authoritative; only connectivity-class
			// failures are worth another attempt.
			return err != nil && !errors.Is(err, apperrors.ErrSubmissionRejected)
		}).
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		Build()

	grace := time.Duration(cfg.FillGraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 5 * time.Second
	}

	holder := telemetry.GetGlobalMetrics()

	return &Coordinator{
		logger:          logger.WithField("component", "execution_coordinator"),
		reporter:        reporter,
		broker:          broker,
		applier:         applier,
		limiter:         rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		pipeline:        failsafe.With[string](retryPolicy),
		byIntent:        make(map[string]*trackedOrder),
		byBroker:        make(map[string]*trackedOrder),
		unmatched:       make(map[string]*unmatchedFills),
		grace:           grace,
		terminalCounter: holder.OrdersTerminalTotal,
		latencyHist:     holder.SubmissionLatency,
	}
}

// OnTerminal registers a callback invoked once per order when it reaches a
// terminal state.
func (c *Coordinator) OnTerminal(cb func(core.Order)) {
	c.terminalMu.Lock()
	defer c.terminalMu.Unlock()
	c.onTerminal = append(c.onTerminal, cb)
}

// Run consumes the broker's fill stream until the context is cancelled and
// periodically expires fills whose order registration never arrived.
func (c *Coordinator) Run(ctx context.Context) error {
	sweep := c.grace / 2
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bf, ok := <-c.broker.Fills():
			if !ok {
				return nil
			}
			c.handleBrokerFill(ctx, bf)
		case <-ticker.C:
			c.expireUnmatched()
		}
	}
}

// Submit turns an accepted intent into an order and routes it to the broker.
// Blocks through rate limiting and retries; returns once the order is
// acknowledged or terminal.
func (c *Coordinator) Submit(ctx context.Context, intent core.OrderIntent) error {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return apperrors.ErrEngineHalted
	}
	if _, exists := c.byIntent[intent.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateIntent, intent.ID)
	}
	tracked := &trackedOrder{
		order: core.Order{
			IntentID:   intent.ID,
			StrategyID: intent.StrategyID,
			Instrument: intent.Instrument,
			Side:       intent.Side,
			Type:       intent.Type,
			Quantity:   intent.Quantity,
			LimitPrice: intent.LimitPrice,
			State:      core.OrderCreated,
		},
		nextFillSeq:  1,
		pendingFills: make(map[int64]core.BrokerFill),
	}
	c.byIntent[intent.ID] = tracked
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		c.fail(tracked, core.OrderSubmissionFailed, err)
		return err
	}

	c.transition(tracked, core.OrderSubmitted)

	start := time.Now()
	brokerOrderID, err := c.pipeline.WithContext(ctx).Get(func() (string, error) {
		order := tracked.order
		return c.broker.Submit(ctx, &order)
	})
	if c.latencyHist != nil {
		c.latencyHist.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("instrument", intent.Instrument)))
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrSubmissionRejected) {
			c.fail(tracked, core.OrderRejected, err)
			return err
		}
		c.fail(tracked, core.OrderSubmissionFailed, err)
		c.reporter.Report(core.Report{
			Kind:    core.ReportSubmissionFailed,
			Message: err.Error(),
			Fields: map[string]string{
				"intent_id":  intent.ID,
				"instrument": intent.Instrument,
			},
		})
		return err
	}

	c.mu.Lock()
	tracked.order.BrokerOrderID = brokerOrderID
	c.byBroker[brokerOrderID] = tracked
	c.transitionLocked(tracked, core.OrderAcknowledged)

	// Fills that raced the registration were held; apply them now that the
	// order owns its broker id.
	var ready []core.BrokerFill
	if pend, ok := c.unmatched[brokerOrderID]; ok {
		delete(c.unmatched, brokerOrderID)
		for _, bf := range pend.fills {
			ready = append(ready, c.sequenceLocked(tracked, bf)...)
		}
		for _, fill := range ready {
			c.applyFillLocked(tracked, fill)
		}
	}
	order := tracked.order
	c.mu.Unlock()
	c.forwardFills(ctx, order, ready)

	c.logger.Debug("Order acknowledged",
		"intent_id", intent.ID,
		"broker_order_id", brokerOrderID,
		"instrument", intent.Instrument)
	return nil
}

// Cancel issues a best-effort cancel for the order belonging to an intent.
// The order stays live until the broker confirms; fills that raced the cancel
// are still applied.
func (c *Coordinator) Cancel(ctx context.Context, intentID string) error {
	c.mu.RLock()
	tracked, ok := c.byIntent[intentID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: intent %s", apperrors.ErrUnknownOrder, intentID)
	}

	c.mu.RLock()
	state := tracked.order.State
	brokerOrderID := tracked.order.BrokerOrderID
	c.mu.RUnlock()

	if state.Terminal() {
		return nil
	}
	if brokerOrderID == "" {
		return fmt.Errorf("%w: intent %s not yet acknowledged", apperrors.ErrUnknownOrder, intentID)
	}

	if err := c.broker.Cancel(ctx, brokerOrderID); err != nil {
		return fmt.Errorf("cancel %s: %w", brokerOrderID, err)
	}

	// The broker accepting the cancel is its authoritative confirmation that
	// no further fills will arrive for this order.
	c.transition(tracked, core.OrderCancelled)
	return nil
}

// CancelAll cancels every live order. Used on shutdown when configured.
func (c *Coordinator) CancelAll(ctx context.Context) {
	c.mu.RLock()
	live := make([]string, 0, len(c.byIntent))
	for id, tracked := range c.byIntent {
		if !tracked.order.State.Terminal() && tracked.order.BrokerOrderID != "" {
			live = append(live, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range live {
		if err := c.Cancel(ctx, id); err != nil {
			c.logger.Warn("Cancel on shutdown failed", "intent_id", id, "error", err)
		}
	}
}

// Order returns a copy of the order for an intent.
func (c *Coordinator) Order(intentID string) (core.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tracked, ok := c.byIntent[intentID]
	if !ok {
		return core.Order{}, false
	}
	return tracked.order, true
}

// LiveOrders returns the number of orders not yet terminal.
func (c *Coordinator) LiveOrders() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, tracked := range c.byIntent {
		if !tracked.order.State.Terminal() {
			n++
		}
	}
	return n
}

// Halted reports whether the coordinator refuses new submissions after a
// consistency error.
func (c *Coordinator) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// handleBrokerFill attributes a broker fill and applies it in sequence order,
// buffering gaps. A fill whose broker order id has no registration is held
// for the grace window in case its Submit is still in flight; a fill that
// outlives the window is a fatal consistency error.
func (c *Coordinator) handleBrokerFill(ctx context.Context, bf core.BrokerFill) {
	c.mu.Lock()
	tracked, ok := c.byBroker[bf.BrokerOrderID]
	if !ok {
		pend, exists := c.unmatched[bf.BrokerOrderID]
		if !exists {
			pend = &unmatchedFills{first: time.Now()}
			c.unmatched[bf.BrokerOrderID] = pend
		}
		pend.fills = append(pend.fills, bf)
		c.mu.Unlock()
		c.logger.Debug("Fill held for unregistered order",
			"broker_order_id", bf.BrokerOrderID,
			"sequence", bf.Sequence)
		return
	}

	ready := c.sequenceLocked(tracked, bf)
	for _, fill := range ready {
		c.applyFillLocked(tracked, fill)
	}
	order := tracked.order
	c.mu.Unlock()

	c.forwardFills(ctx, order, ready)
}

// sequenceLocked runs one fill through the per-order sequence gate and
// returns the fills now ready to apply, in sequence order. Caller holds c.mu.
func (c *Coordinator) sequenceLocked(tracked *trackedOrder, bf core.BrokerFill) []core.BrokerFill {
	var ready []core.BrokerFill
	switch {
	case bf.Sequence < tracked.nextFillSeq:
		// Duplicate delivery, already applied.
	case bf.Sequence > tracked.nextFillSeq:
		tracked.pendingFills[bf.Sequence] = bf
	default:
		ready = append(ready, bf)
		tracked.nextFillSeq++
		for {
			buffered, ok := tracked.pendingFills[tracked.nextFillSeq]
			if !ok {
				break
			}
			delete(tracked.pendingFills, tracked.nextFillSeq)
			ready = append(ready, buffered)
			tracked.nextFillSeq++
		}
	}
	return ready
}

// forwardFills sends applied fills to the ledger with their attribution.
func (c *Coordinator) forwardFills(ctx context.Context, order core.Order, fills []core.BrokerFill) {
	for _, fill := range fills {
		attributed := core.Fill{
			IntentID:      order.IntentID,
			BrokerOrderID: fill.BrokerOrderID,
			StrategyID:    order.StrategyID,
			Instrument:    order.Instrument,
			Side:          order.Side,
			Sequence:      fill.Sequence,
			Quantity:      fill.Quantity,
			Price:         fill.Price,
			Time:          fill.Time,
		}
		if err := c.applier.ApplyFill(ctx, attributed); err != nil {
			c.logger.Error("Ledger rejected fill",
				"broker_order_id", fill.BrokerOrderID,
				"sequence", fill.Sequence,
				"error", err)
		}
	}
}

// expireUnmatched latches the fatal halt for held fills whose order
// registration never arrived within the grace window.
func (c *Coordinator) expireUnmatched() {
	now := time.Now()
	var expired []string
	c.mu.Lock()
	for id, pend := range c.unmatched {
		if now.Sub(pend.first) > c.grace {
			delete(c.unmatched, id)
			expired = append(expired, id)
			c.halted = true
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.logger.Error("Fill for unknown order", "broker_order_id", id)
		c.reporter.Report(core.Report{
			Kind:    core.ReportFillConsistency,
			Message: "broker fill references unknown order",
			Fields: map[string]string{
				"broker_order_id": id,
			},
		})
	}
}

// applyFillLocked folds one in-sequence fill into the order's fill totals and
// advances its state. Caller holds c.mu.
func (c *Coordinator) applyFillLocked(tracked *trackedOrder, bf core.BrokerFill) {
	o := &tracked.order
	newFilled := o.FilledQuantity.Add(bf.Quantity)
	o.AvgFillPrice = o.FilledQuantity.Mul(o.AvgFillPrice).
		Add(bf.Quantity.Mul(bf.Price)).
		Div(newFilled)
	o.FilledQuantity = newFilled

	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		c.transitionLocked(tracked, core.OrderFilled)
	} else {
		c.transitionLocked(tracked, core.OrderPartiallyFilled)
	}
}

func (c *Coordinator) transition(tracked *trackedOrder, next core.OrderState) {
	c.mu.Lock()
	c.transitionLocked(tracked, next)
	c.mu.Unlock()
}

func (c *Coordinator) transitionLocked(tracked *trackedOrder, next core.OrderState) {
	current := tracked.order.State
	if !allowed(current, next) {
		c.logger.Error("Invalid order state transition",
			"intent_id", tracked.order.IntentID,
			"from", current.String(),
			"to", next.String())
		return
	}
	tracked.order.State = next
	if next.Terminal() {
		c.finishLocked(tracked)
	}
}

func (c *Coordinator) fail(tracked *trackedOrder, state core.OrderState, err error) {
	c.logger.Warn("Order failed",
		"intent_id", tracked.order.IntentID,
		"state", state.String(),
		"error", err)
	c.transition(tracked, state)
}

// finishLocked fires terminal callbacks. Caller holds c.mu; callbacks get a
// copy of the order and must not call back into the coordinator.
func (c *Coordinator) finishLocked(tracked *trackedOrder) {
	order := tracked.order
	if c.terminalCounter != nil {
		c.terminalCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", order.State.String())))
	}
	c.terminalMu.RLock()
	cbs := make([]func(core.Order), len(c.onTerminal))
	copy(cbs, c.onTerminal)
	c.terminalMu.RUnlock()
	for _, cb := range cbs {
		cb(order)
	}
}

func allowed(from, to core.OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
