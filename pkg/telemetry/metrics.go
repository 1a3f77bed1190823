package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricIntentsTotal          = "engine_order_intents_total"
	MetricOrdersTerminalTotal   = "engine_orders_terminal_total"
	MetricFillsAppliedTotal     = "engine_fills_applied_total"
	MetricBusEventsTotal        = "engine_bus_events_total"
	MetricBusDroppedTotal       = "engine_bus_events_dropped_total"
	MetricStrategyTimeoutsTotal = "engine_strategy_timeouts_total"
	MetricSubmissionLatency     = "engine_submission_latency_ms"
	MetricGrossExposure         = "engine_gross_exposure"
	MetricStrategyExposure      = "engine_strategy_exposure"
	MetricPnLRealized           = "engine_pnl_realized"
	MetricPnLUnrealized         = "engine_pnl_unrealized"
	MetricDrawdown              = "engine_drawdown"
	MetricHalted                = "engine_halted"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	IntentsTotal          metric.Int64Counter
	OrdersTerminalTotal   metric.Int64Counter
	FillsAppliedTotal     metric.Int64Counter
	BusEventsTotal        metric.Int64Counter
	BusDroppedTotal       metric.Int64Counter
	StrategyTimeoutsTotal metric.Int64Counter
	SubmissionLatency     metric.Float64Histogram
	GrossExposure         metric.Float64ObservableGauge
	StrategyExposure      metric.Float64ObservableGauge
	PnLRealized           metric.Float64ObservableGauge
	PnLUnrealized         metric.Float64ObservableGauge
	Drawdown              metric.Float64ObservableGauge
	Halted                metric.Int64ObservableGauge

	// State for observable gauges
	mu                  sync.RWMutex
	grossExposure       float64
	strategyExposureMap map[string]float64
	realizedPnL         float64
	unrealizedPnL       float64
	drawdown            float64
	halted              int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			strategyExposureMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.IntentsTotal, err = meter.Int64Counter(MetricIntentsTotal, metric.WithDescription("Order intents by gate decision"))
	if err != nil {
		return err
	}

	m.OrdersTerminalTotal, err = meter.Int64Counter(MetricOrdersTerminalTotal, metric.WithDescription("Orders reaching a terminal state"))
	if err != nil {
		return err
	}

	m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal, metric.WithDescription("Fills applied to the ledger"))
	if err != nil {
		return err
	}

	m.BusEventsTotal, err = meter.Int64Counter(MetricBusEventsTotal, metric.WithDescription("Market events published by the bus"))
	if err != nil {
		return err
	}

	m.BusDroppedTotal, err = meter.Int64Counter(MetricBusDroppedTotal, metric.WithDescription("Malformed market events dropped by the bus"))
	if err != nil {
		return err
	}

	m.StrategyTimeoutsTotal, err = meter.Int64Counter(MetricStrategyTimeoutsTotal, metric.WithDescription("Strategy evaluations cancelled on timeout"))
	if err != nil {
		return err
	}

	m.SubmissionLatency, err = meter.Float64Histogram(MetricSubmissionLatency, metric.WithDescription("Broker submission latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.GrossExposure, err = meter.Float64ObservableGauge(MetricGrossExposure, metric.WithDescription("Current gross portfolio exposure"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.grossExposure)
			return nil
		}))
	if err != nil {
		return err
	}

	m.StrategyExposure, err = meter.Float64ObservableGauge(MetricStrategyExposure, metric.WithDescription("Current exposure per strategy"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.strategyExposureMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLRealized, err = meter.Float64ObservableGauge(MetricPnLRealized, metric.WithDescription("Realized profit/loss"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.realizedPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Unrealized profit/loss"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.unrealizedPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Drawdown, err = meter.Float64ObservableGauge(MetricDrawdown, metric.WithDescription("Current drawdown from peak equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdown)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Halted, err = meter.Int64ObservableGauge(MetricHalted, metric.WithDescription("Risk halt state (1=halted, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.halted)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetGrossExposure(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grossExposure = value
}

func (m *MetricsHolder) SetStrategyExposure(strategyID string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategyExposureMap[strategyID] = value
}

func (m *MetricsHolder) SetRealizedPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnL = value
}

func (m *MetricsHolder) SetUnrealizedPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnL = value
}

func (m *MetricsHolder) SetDrawdown(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdown = value
}

func (m *MetricsHolder) SetHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = val
}
