package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"trading_engine/internal/bus"
	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	"trading_engine/internal/mock"
)

const feedStartPrice = 100.0

// simFeed publishes a random-walk trade stream for every instrument the
// configured strategies subscribe to, keeping the simulated broker's mark
// price in step so market orders fill at the last published trade.
type simFeed struct {
	engine   *engine.Engine
	broker   *mock.SimBroker
	logger   core.ILogger
	interval time.Duration
	rng      *rand.Rand
	prices   map[string]float64
}

func newSimFeed(cfg *config.Config, eng *engine.Engine, broker *mock.SimBroker, intervalMs int, seed int64, logger core.ILogger) *simFeed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	prices := make(map[string]float64)
	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		for _, instrument := range sc.Instruments {
			prices[instrument] = feedStartPrice
		}
	}
	return &simFeed{
		engine:   eng,
		broker:   broker,
		logger:   logger.WithField("component", "sim_feed"),
		interval: time.Duration(intervalMs) * time.Millisecond,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
	}
}

func (f *simFeed) run(ctx context.Context) {
	if len(f.prices) == 0 {
		f.logger.Warn("No enabled strategies, feed idle")
		return
	}
	f.logger.Info("Simulated feed started", "instruments", len(f.prices), "interval", f.interval.String())

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

func (f *simFeed) tick() {
	for instrument := range f.prices {
		px := f.prices[instrument] * (1 + (f.rng.Float64()-0.5)*0.004)
		if px < 1 {
			px = 1
		}
		f.prices[instrument] = px

		price := decimal.NewFromFloat(px).Round(4)
		f.broker.SetMarkPrice(instrument, price)

		err := f.engine.Publish(bus.RawEvent{
			Instrument: instrument,
			Kind:       core.EventTrade,
			VendorTime: time.Now(),
			Price:      price,
			Size:       decimal.NewFromFloat(f.rng.Float64() * 2).Round(4),
		})
		if err != nil {
			f.logger.Warn("Feed publish failed", "instrument", instrument, "error", err)
		}
	}
}
