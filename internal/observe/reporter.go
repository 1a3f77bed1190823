// Package observe delivers structured error and warning records to
// registered sinks without ever blocking the reporting component.
package observe

import (
	"context"
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/concurrency"
)

// Sink receives reports. Implementations may be slow; the reporter dispatches
// to them off the caller's goroutine.
type Sink interface {
	Send(ctx context.Context, r core.Report) error
	Name() string
}

// Reporter fans reports out to sinks through a worker pool. Report never
// blocks the caller: when the pool is saturated the record is logged and
// dropped rather than stalling the trading path.
type Reporter struct {
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu    sync.RWMutex
	sinks []Sink
}

var _ core.IReporter = (*Reporter)(nil)

func NewReporter(logger core.ILogger) *Reporter {
	return &Reporter{
		logger: logger.WithField("component", "reporter"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "reporter",
			MaxWorkers:  4,
			MaxCapacity: 1024,
			NonBlocking: true,
		}, logger),
	}
}

func (r *Reporter) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
	r.logger.Info("Added report sink", "name", s.Name())
}

// Report dispatches one record. Fatal kinds are logged at error level
// immediately so they are visible even if every sink fails.
func (r *Reporter) Report(rep core.Report) {
	if rep.Kind.Fatal() {
		r.logger.Error("Fatal report", "kind", string(rep.Kind), "message", rep.Message)
	}

	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	for _, sink := range sinks {
		err := r.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Send(ctx, rep); err != nil {
				r.logger.Error("Failed to deliver report",
					"sink", sink.Name(),
					"kind", string(rep.Kind),
					"error", err)
			}
		})
		if err != nil {
			r.logger.Warn("Report dropped, dispatch pool saturated",
				"sink", sink.Name(),
				"kind", string(rep.Kind))
		}
	}
}

// Close drains the dispatch pool.
func (r *Reporter) Close() {
	r.pool.Stop()
}

// LogSink writes reports to the process log. Always registered; fatal kinds
// escalate to error level.
type LogSink struct {
	logger core.ILogger
}

func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "report_log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, rep core.Report) error {
	fields := map[string]interface{}{"kind": string(rep.Kind)}
	for k, v := range rep.Fields {
		fields[k] = v
	}
	logger := s.logger.WithFields(fields)
	if rep.Kind.Fatal() {
		logger.Error(rep.Message)
	} else {
		logger.Warn(rep.Message)
	}
	return nil
}
