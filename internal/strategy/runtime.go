package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"trading_engine/internal/bus"
	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
)

const defaultEvalTimeout = 200 * time.Millisecond

// IntentSink receives intents emitted by strategy instances. The engine wires
// it to the risk gate; it must be safe for concurrent calls.
type IntentSink func(core.OrderIntent)

type instance struct {
	id          string
	strat       Strategy
	instruments []string
	timeout     time.Duration
	state       State
}

// Runtime hosts the configured strategy instances. Each instance gets its own
// bus subscription and goroutine, so instances never share state and a
// misbehaving one cannot stall the others: an evaluation that exceeds its
// time budget is abandoned and its result discarded.
type Runtime struct {
	logger   core.ILogger
	reporter core.IReporter
	sink     IntentSink

	instances []*instance

	timeoutsCounter metric.Int64Counter
}

// NewRuntime builds instances from the registration list. Disabled entries
// are skipped, not errors. Strategies without a per-strategy timeout inherit
// the runtime's eval budget.
func NewRuntime(rcfg config.RuntimeConfig, cfgs []config.StrategyConfig, sink IntentSink, reporter core.IReporter, logger core.ILogger) (*Runtime, error) {
	r := &Runtime{
		logger:          logger.WithField("component", "strategy_runtime"),
		reporter:        reporter,
		sink:            sink,
		timeoutsCounter: telemetry.GetGlobalMetrics().StrategyTimeoutsTotal,
	}

	fallback := time.Duration(rcfg.EvalTimeoutMs) * time.Millisecond
	if fallback <= 0 {
		fallback = defaultEvalTimeout
	}

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			r.logger.Info("Skipping disabled strategy", "strategy_id", cfg.ID)
			continue
		}
		strat, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", cfg.ID, err)
		}
		timeout := time.Duration(cfg.EvalTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = fallback
		}
		r.instances = append(r.instances, &instance{
			id:          cfg.ID,
			strat:       strat,
			instruments: cfg.Instruments,
			timeout:     timeout,
			state:       strat.InitialState(),
		})
	}
	return r, nil
}

// InstanceCount returns the number of enabled instances.
func (r *Runtime) InstanceCount() int {
	return len(r.instances)
}

// Run subscribes every instance to the bus and drives them until the context
// is cancelled.
func (r *Runtime) Run(ctx context.Context, b *bus.Bus) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range r.instances {
		sub := b.Subscribe(inst.instruments...)
		g.Go(func() error {
			defer sub.Close()
			return r.drive(ctx, inst, sub)
		})
	}
	return g.Wait()
}

func (r *Runtime) drive(ctx context.Context, inst *instance, sub *bus.Subscription) error {
	logger := r.logger.WithField("strategy_id", inst.id)
	logger.Info("Strategy instance started",
		"type", inst.strat.Type(),
		"instruments", inst.instruments,
		"eval_timeout", inst.timeout.String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			r.evaluate(ctx, inst, ev, logger)
		}
	}
}

type evalResult struct {
	state    State
	intents  []core.OrderIntent
	panicked bool
	err      error
}

// evaluate runs one evaluation with the instance's time budget. The strategy
// call runs on its own goroutine; on timeout the result channel is abandoned
// and the previous state kept, which is all cancellation has to do because
// state is passed by value.
func (r *Runtime) evaluate(ctx context.Context, inst *instance, ev core.MarketEvent, logger core.ILogger) {
	evalCtx, cancel := context.WithTimeout(ctx, inst.timeout)
	defer cancel()

	resCh := make(chan evalResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- evalResult{panicked: true, err: fmt.Errorf("strategy panic: %v", rec)}
			}
		}()
		state, intents, err := inst.strat.Evaluate(evalCtx, ev, inst.state)
		resCh <- evalResult{state: state, intents: intents, err: err}
	}()

	select {
	case res := <-resCh:
		r.finish(inst, ev, res, logger)
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Strategy evaluation timed out",
			"instrument", ev.Instrument,
			"sequence", ev.Sequence,
			"budget", inst.timeout.String())
		if r.timeoutsCounter != nil {
			r.timeoutsCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("strategy_id", inst.id)))
		}
		r.reporter.Report(core.Report{
			Kind:    core.ReportStrategyTimeout,
			Message: "evaluation exceeded time budget",
			Fields: map[string]string{
				"strategy_id": inst.id,
				"instrument":  ev.Instrument,
			},
		})
	}
}

func (r *Runtime) finish(inst *instance, ev core.MarketEvent, res evalResult, logger core.ILogger) {
	if res.panicked {
		logger.Error("Strategy panicked", "instrument", ev.Instrument, "error", res.err)
		r.reporter.Report(core.Report{
			Kind:    core.ReportStrategyPanic,
			Message: res.err.Error(),
			Fields: map[string]string{
				"strategy_id": inst.id,
				"instrument":  ev.Instrument,
			},
		})
		return
	}
	if res.err != nil {
		logger.Error("Strategy evaluation failed", "instrument", ev.Instrument, "error", res.err)
		return
	}

	inst.state = res.state
	for _, intent := range res.intents {
		intent.ID = uuid.NewString()
		intent.StrategyID = inst.id
		if intent.CreatedAt.IsZero() {
			intent.CreatedAt = time.Now()
		}
		r.sink(intent)
	}
}
