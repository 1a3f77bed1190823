package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
)

const TypeMeanReversion = "mean_reversion"

// meanReversion buys when price drops below the rolling mean by more than the
// band fraction and sells the position back once price rises above it.
type meanReversion struct {
	period   int
	band     decimal.Decimal
	quantity decimal.Decimal
}

type meanReversionState struct {
	prices []decimal.Decimal
	long   bool
}

func newMeanReversion(cfg config.StrategyConfig) *meanReversion {
	return &meanReversion{
		period:   int(param(cfg.Params, "period", 20)),
		band:     decimal.NewFromFloat(param(cfg.Params, "band", 0.01)),
		quantity: decimal.NewFromFloat(param(cfg.Params, "quantity", 1)),
	}
}

func (s *meanReversion) Type() string { return TypeMeanReversion }

func (s *meanReversion) InitialState() State {
	return meanReversionState{}
}

func (s *meanReversion) Evaluate(_ context.Context, event core.MarketEvent, state State) (State, []core.OrderIntent, error) {
	st := state.(meanReversionState)
	if event.Kind == core.EventQuote || event.Price.IsZero() {
		return st, nil, nil
	}

	st.prices = appendWindow(st.prices, event.Price, s.period)
	if len(st.prices) < s.period {
		return st, nil, nil
	}

	mean := average(st.prices)
	lower := mean.Mul(decimal.NewFromInt(1).Sub(s.band))
	upper := mean.Mul(decimal.NewFromInt(1).Add(s.band))

	var intents []core.OrderIntent
	switch {
	case event.Price.LessThan(lower) && !st.long:
		st.long = true
		intents = append(intents, core.OrderIntent{
			Instrument: event.Instrument,
			Side:       core.SideBuy,
			Type:       core.OrderTypeMarket,
			Quantity:   s.quantity,
		})
	case event.Price.GreaterThan(upper) && st.long:
		st.long = false
		intents = append(intents, core.OrderIntent{
			Instrument: event.Instrument,
			Side:       core.SideSell,
			Type:       core.OrderTypeMarket,
			Quantity:   s.quantity,
		})
	}
	return st, intents, nil
}
