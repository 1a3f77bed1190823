// Package risk implements the pre-trade gate and the process-wide halt
// switch. Every order intent crosses exactly one gate decision before it may
// reach the execution coordinator.
package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

type reservation struct {
	strategyID string
	notional   decimal.Decimal
}

// Gate evaluates intents against the active limit table. Check plus exposure
// reservation happen atomically under one lock, so two intents for the same
// instrument are never judged against a stale exposure figure. Accepted
// intents hold a tentative reservation until Release is called for them.
type Gate struct {
	logger core.ILogger
	halt   *HaltSwitch

	// Swapped atomically on config reload, never mutated in place.
	limits atomic.Pointer[core.RiskLimits]

	mu                sync.Mutex
	reservedPortfolio decimal.Decimal
	reservedStrategy  map[string]decimal.Decimal
	reservations      map[string]reservation
	dailyBaseline     decimal.Decimal
	baselineDay       time.Time

	intentsCounter metric.Int64Counter
}

func NewGate(limits core.RiskLimits, halt *HaltSwitch, logger core.ILogger) *Gate {
	g := &Gate{
		logger:           logger.WithField("component", "risk_gate"),
		halt:             halt,
		reservedStrategy: make(map[string]decimal.Decimal),
		reservations:     make(map[string]reservation),
		baselineDay:      utcDay(time.Now()),
		intentsCounter:   telemetry.GetGlobalMetrics().IntentsTotal,
	}
	g.limits.Store(&limits)
	return g
}

// UpdateLimits swaps the limit table. Reload is atomic: evaluations see
// either the old table or the new one, never a mix.
func (g *Gate) UpdateLimits(limits core.RiskLimits) {
	g.limits.Store(&limits)
	g.logger.Info("Risk limits updated",
		"max_order_size", limits.MaxOrderSize.String(),
		"max_strategy_exposure", limits.MaxStrategyExposure.String(),
		"max_portfolio_exposure", limits.MaxPortfolioExposure.String(),
		"max_daily_loss", limits.MaxDailyLoss.String())
}

// Evaluate decides one intent against the given portfolio snapshot. An
// accepted intent reserves its notional until released.
func (g *Gate) Evaluate(intent core.OrderIntent, snap core.PortfolioSnapshot) core.Decision {
	limits := *g.limits.Load()

	if g.halt.Tripped() {
		return g.reject(intent, core.RejectEngineHalted)
	}

	if !limits.MaxOrderSize.IsZero() && intent.Quantity.GreaterThan(limits.MaxOrderSize) {
		return g.reject(intent, core.RejectExceedsOrderSizeLimit)
	}

	notional := intent.Notional(snap.LastPrice[intent.Instrument])

	g.mu.Lock()
	defer g.mu.Unlock()

	// Daily loss resets at the UTC day boundary or on operator reset,
	// whichever happened later.
	if day := utcDay(time.Now()); day.After(g.baselineDay) {
		g.baselineDay = day
		g.dailyBaseline = snap.RealizedPnL
	}
	if !limits.MaxDailyLoss.IsZero() {
		dailyPnL := snap.RealizedPnL.Sub(g.dailyBaseline)
		if dailyPnL.Neg().GreaterThanOrEqual(limits.MaxDailyLoss) {
			g.halt.Trip("daily loss limit breached: " + dailyPnL.String())
			return g.reject(intent, core.RejectDailyLossLimitBreached)
		}
	}

	strategyLimit := limits.StrategyExposureLimit(intent.StrategyID)
	if !strategyLimit.IsZero() {
		projected := snap.StrategyExposure[intent.StrategyID].
			Add(g.reservedStrategy[intent.StrategyID]).
			Add(notional)
		if projected.GreaterThan(strategyLimit) {
			return g.reject(intent, core.RejectExceedsPerStrategyLimit)
		}
	}

	if !limits.MaxPortfolioExposure.IsZero() {
		projected := snap.GrossExposure.Add(g.reservedPortfolio).Add(notional)
		if projected.GreaterThan(limits.MaxPortfolioExposure) {
			return g.reject(intent, core.RejectExceedsPortfolioLimit)
		}
	}

	g.reservedPortfolio = g.reservedPortfolio.Add(notional)
	g.reservedStrategy[intent.StrategyID] = g.reservedStrategy[intent.StrategyID].Add(notional)
	g.reservations[intent.ID] = reservation{strategyID: intent.StrategyID, notional: notional}

	g.count(intent, "accepted")
	return core.Decision{IntentID: intent.ID, Accepted: true, Time: time.Now()}
}

// Release drops the tentative reservation for an intent. Called when its
// order reaches a terminal state, by which point applied fills are reflected
// in ledger exposure.
func (g *Gate) Release(intentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[intentID]
	if !ok {
		return
	}
	delete(g.reservations, intentID)
	g.reservedPortfolio = g.reservedPortfolio.Sub(res.notional)
	remaining := g.reservedStrategy[res.strategyID].Sub(res.notional)
	if remaining.IsZero() {
		delete(g.reservedStrategy, res.strategyID)
	} else {
		g.reservedStrategy[res.strategyID] = remaining
	}
}

// ResetHalt clears the halt switch and rebaselines daily loss at the given
// snapshot. Operator action.
func (g *Gate) ResetHalt(snap core.PortfolioSnapshot) {
	g.mu.Lock()
	g.dailyBaseline = snap.RealizedPnL
	g.baselineDay = utcDay(time.Now())
	g.mu.Unlock()
	g.halt.Reset()
}

// Halted reports whether the circuit breaker is open.
func (g *Gate) Halted() bool {
	return g.halt.Tripped()
}

func (g *Gate) reject(intent core.OrderIntent, reason core.RejectReason) core.Decision {
	g.logger.Debug("Intent rejected",
		"intent_id", intent.ID,
		"strategy_id", intent.StrategyID,
		"instrument", intent.Instrument,
		"reason", string(reason))
	g.count(intent, string(reason))
	return core.Decision{IntentID: intent.ID, Accepted: false, Reason: reason, Time: time.Now()}
}

func (g *Gate) count(intent core.OrderIntent, outcome string) {
	if g.intentsCounter == nil {
		return
	}
	g.intentsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy_id", intent.StrategyID),
		attribute.String("outcome", outcome),
	))
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
