// Package bootstrap wires configuration, logging, telemetry, and the engine
// into a runnable application with signal-driven shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/internal/infrastructure/metrics"
	"trading_engine/internal/ledger"
	"trading_engine/internal/observe"
	"trading_engine/pkg/logging"
	"trading_engine/pkg/telemetry"
)

const (
	serviceName = "trading_engine"

	// A dispatcher queue this deep means subscribers are not keeping up.
	unhealthyBusDepth = 768

	shutdownTimeout = 10 * time.Second
)

// App holds the application's core dependencies.
type App struct {
	Cfg      *config.Config
	Logger   core.ILogger
	Engine   *engine.Engine
	Health   *health.Manager
	Reporter *observe.Reporter

	tel        *telemetry.Telemetry
	ops        *metrics.Server
	fillLog    core.IFillLog
	configPath string
}

// NewApp bootstraps all dependencies. An empty configPath uses defaults.
func NewApp(configPath string, broker core.IBroker) (*App, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	app := &App{Cfg: cfg, Logger: logger, configPath: configPath}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup(serviceName)
		if err != nil {
			logger.Warn("Failed to initialize telemetry, continuing without metrics", "error", err)
		} else {
			app.tel = tel
		}
	}

	app.Reporter = observe.NewReporter(logger)
	app.Reporter.AddSink(observe.NewLogSink(logger))

	if cfg.Ledger.FillLogPath != "" {
		fl, err := ledger.NewSQLiteFillLog(cfg.Ledger.FillLogPath)
		if err != nil {
			return nil, fmt.Errorf("fill log: %w", err)
		}
		app.fillLog = fl
	}

	eng, err := engine.New(cfg, broker, app.fillLog, app.Reporter, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	app.Engine = eng

	app.Health = health.NewManager(logger)
	app.Health.Register("bus", func() error {
		if depth := eng.BusDepth(); depth > unhealthyBusDepth {
			return fmt.Errorf("dispatcher queue depth %d", depth)
		}
		return nil
	})
	app.Health.Register("ledger", func() error {
		if !eng.LedgerRunning() {
			return errors.New("apply loop not running")
		}
		return nil
	})
	app.Health.Register("orders", func() error {
		if eng.Halted() {
			return errors.New("order flow halted")
		}
		return nil
	})

	if cfg.Telemetry.EnableMetrics {
		app.ops = metrics.NewServer(cfg.Telemetry.MetricsPort, metrics.Options{
			Health:     app.Health,
			Snapshot:   eng.Snapshot,
			Metrics:    eng.Metrics,
			Halted:     eng.Halted,
			LiveOrders: eng.LiveOrders,
			BusDepth:   eng.BusDepth,
			ResetHalt:  eng.ResetHalt,
		}, logger)
	}

	return app, nil
}

// Run restores the ledger, starts the engine and ops server, and blocks until
// a termination signal arrives or a component fails.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if a.ops != nil {
		a.ops.Start()
	}
	a.Logger.Info("Application started",
		"metrics_enabled", a.Cfg.Telemetry.EnableMetrics,
		"metrics_port", a.Cfg.Telemetry.MetricsPort,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error { return a.watchReload(ctx) })

	err := g.Wait()
	a.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

// watchReload re-reads the config file on SIGHUP and swaps the risk limit
// table. Other sections require a restart.
func (a *App) watchReload(ctx context.Context) error {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sighup:
			if a.configPath == "" {
				a.Logger.Warn("SIGHUP received but no config file to reload")
				continue
			}
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				a.Logger.Error("Config reload failed, keeping current limits", "error", err)
				continue
			}
			a.Engine.UpdateRiskLimits(cfg.RiskLimits())
			a.Logger.Info("Risk limits reloaded", "path", a.configPath)
		}
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.ops != nil {
		if err := a.ops.Stop(ctx); err != nil {
			a.Logger.Warn("Ops server shutdown failed", "error", err)
		}
	}
	a.Reporter.Close()
	if a.fillLog != nil {
		if err := a.fillLog.Close(); err != nil {
			a.Logger.Warn("Fill log close failed", "error", err)
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}
