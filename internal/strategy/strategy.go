// Package strategy hosts the closed set of strategy variants and the runtime
// that drives them from market events.
package strategy

import (
	"context"
	"fmt"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// State is the opaque per-instance strategy state. It is passed in and
// returned by value semantics: Evaluate must never mutate the state it was
// given, only return a replacement. A cancelled evaluation is discarded by
// simply keeping the previous state.
type State interface{}

// Strategy is one evaluation variant. Implementations hold configuration
// only; all evolving state lives in the State value owned by the runtime.
type Strategy interface {
	Type() string
	InitialState() State
	Evaluate(ctx context.Context, event core.MarketEvent, state State) (State, []core.OrderIntent, error)
}

// New constructs a strategy variant from its registration entry.
func New(cfg config.StrategyConfig) (Strategy, error) {
	switch cfg.Type {
	case TypeSMACrossover:
		return newSMACrossover(cfg), nil
	case TypeMeanReversion:
		return newMeanReversion(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownStrategy, cfg.Type)
	}
}

func param(params map[string]float64, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return fallback
}
