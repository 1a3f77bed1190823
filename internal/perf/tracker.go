// Package perf derives performance metrics from ledger snapshots and
// terminal order events. It is a read-only consumer: it never mutates
// upstream state, and replaying the same snapshot sequence always yields the
// same metrics.
package perf

import (
	"sync"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

const maxExposurePoints = 4096

// ExposurePoint is one sample of gross exposure, keyed by ledger version.
type ExposurePoint struct {
	Version       uint64
	GrossExposure decimal.Decimal
}

// Metrics is an immutable view of derived performance state.
type Metrics struct {
	Version       uint64
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	PeakEquity    decimal.Decimal
	Drawdown      decimal.Decimal
	MaxDrawdown   decimal.Decimal
	GrossExposure decimal.Decimal

	OrdersFilled    int
	OrdersRejected  int
	OrdersCancelled int
	OrdersFailed    int

	Exposure []ExposurePoint
}

// Tracker accumulates metrics from the ledger's snapshot stream and the
// coordinator's terminal order events.
type Tracker struct {
	logger core.ILogger

	mu sync.RWMutex

	version       uint64
	realizedPnL   decimal.Decimal
	unrealizedPnL decimal.Decimal
	peakEquity    decimal.Decimal
	drawdown      decimal.Decimal
	maxDrawdown   decimal.Decimal
	grossExposure decimal.Decimal

	ordersFilled    int
	ordersRejected  int
	ordersCancelled int
	ordersFailed    int

	exposure []ExposurePoint
}

func NewTracker(logger core.ILogger) *Tracker {
	return &Tracker{
		logger: logger.WithField("component", "perf_tracker"),
	}
}

// OnSnapshot consumes one ledger snapshot. Registered with the ledger's
// update stream, so calls arrive in apply order.
func (t *Tracker) OnSnapshot(snap core.PortfolioSnapshot) {
	unrealized := decimal.Zero
	for inst, pos := range snap.Positions {
		mark, ok := snap.LastPrice[inst]
		if !ok || mark.IsZero() {
			continue
		}
		unrealized = unrealized.Add(mark.Sub(pos.AvgCost).Mul(pos.Quantity))
	}

	t.mu.Lock()
	t.version = snap.Version
	t.realizedPnL = snap.RealizedPnL
	t.unrealizedPnL = unrealized
	t.grossExposure = snap.GrossExposure

	equity := t.realizedPnL.Add(t.unrealizedPnL)
	if equity.GreaterThan(t.peakEquity) {
		t.peakEquity = equity
	}
	t.drawdown = t.peakEquity.Sub(equity)
	if t.drawdown.GreaterThan(t.maxDrawdown) {
		t.maxDrawdown = t.drawdown
	}

	t.exposure = append(t.exposure, ExposurePoint{
		Version:       snap.Version,
		GrossExposure: snap.GrossExposure,
	})
	if len(t.exposure) > maxExposurePoints {
		t.exposure = t.exposure[len(t.exposure)-maxExposurePoints:]
	}

	drawdown := t.drawdown
	t.mu.Unlock()

	holder := telemetry.GetGlobalMetrics()
	holder.SetUnrealizedPnL(unrealized.InexactFloat64())
	holder.SetDrawdown(drawdown.InexactFloat64())
}

// OnOrderTerminal counts orders by terminal state. Registered with the
// coordinator.
func (t *Tracker) OnOrderTerminal(order core.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch order.State {
	case core.OrderFilled:
		t.ordersFilled++
	case core.OrderRejected:
		t.ordersRejected++
	case core.OrderCancelled:
		t.ordersCancelled++
	case core.OrderSubmissionFailed:
		t.ordersFailed++
	}
}

// Metrics returns a copy of the current derived state.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	exposure := make([]ExposurePoint, len(t.exposure))
	copy(exposure, t.exposure)

	return Metrics{
		Version:         t.version,
		RealizedPnL:     t.realizedPnL,
		UnrealizedPnL:   t.unrealizedPnL,
		Equity:          t.realizedPnL.Add(t.unrealizedPnL),
		PeakEquity:      t.peakEquity,
		Drawdown:        t.drawdown,
		MaxDrawdown:     t.maxDrawdown,
		GrossExposure:   t.grossExposure,
		OrdersFilled:    t.ordersFilled,
		OrdersRejected:  t.ordersRejected,
		OrdersCancelled: t.ordersCancelled,
		OrdersFailed:    t.ordersFailed,
		Exposure:        exposure,
	}
}
