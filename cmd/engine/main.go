package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"trading_engine/internal/bootstrap"
	"trading_engine/internal/mock"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (empty uses defaults)")
	feedIntervalMs := flag.Int("feed-interval", 250, "Simulated feed tick interval in milliseconds")
	feedSeed := flag.Int64("feed-seed", 0, "Simulated feed RNG seed (0 uses current time)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// The simulated broker fills accepted orders at the feed's mark price.
	broker := mock.NewSimBroker()

	app, err := bootstrap.NewApp(*configPath, broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting engine",
		"version", version,
		"strategies", len(app.Cfg.Strategies),
	)

	feedCtx, stopFeed := context.WithCancel(context.Background())
	feed := newSimFeed(app.Cfg, app.Engine, broker, *feedIntervalMs, *feedSeed, app.Logger)
	go feed.run(feedCtx)

	err = app.Run()
	stopFeed()
	if err != nil {
		os.Exit(1)
	}
}
