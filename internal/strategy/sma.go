package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
)

const TypeSMACrossover = "sma_crossover"

// smaCrossover goes long when the fast moving average crosses above the slow
// one and flat when it crosses back below.
type smaCrossover struct {
	fastPeriod int
	slowPeriod int
	quantity   decimal.Decimal
}

type smaState struct {
	prices []decimal.Decimal
	long   bool
}

func newSMACrossover(cfg config.StrategyConfig) *smaCrossover {
	return &smaCrossover{
		fastPeriod: int(param(cfg.Params, "fast_period", 5)),
		slowPeriod: int(param(cfg.Params, "slow_period", 20)),
		quantity:   decimal.NewFromFloat(param(cfg.Params, "quantity", 1)),
	}
}

func (s *smaCrossover) Type() string { return TypeSMACrossover }

func (s *smaCrossover) InitialState() State {
	return smaState{}
}

func (s *smaCrossover) Evaluate(_ context.Context, event core.MarketEvent, state State) (State, []core.OrderIntent, error) {
	st := state.(smaState)
	if event.Kind == core.EventQuote || event.Price.IsZero() {
		return st, nil, nil
	}

	prices := appendWindow(st.prices, event.Price, s.slowPeriod)
	st.prices = prices
	if len(prices) < s.slowPeriod {
		return st, nil, nil
	}

	fast := average(prices[len(prices)-s.fastPeriod:])
	slow := average(prices)

	var intents []core.OrderIntent
	switch {
	case fast.GreaterThan(slow) && !st.long:
		st.long = true
		intents = append(intents, core.OrderIntent{
			Instrument: event.Instrument,
			Side:       core.SideBuy,
			Type:       core.OrderTypeMarket,
			Quantity:   s.quantity,
		})
	case fast.LessThan(slow) && st.long:
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

// appendWindow returns a fresh slice so the caller's previous state is never
// mutated in place.
func appendWindow(prices []decimal.Decimal, price decimal.Decimal, size int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(prices)+1)
	out = append(out, prices...)
	out = append(out, price)
	if len(out) > size {
		out = out[len(out)-size:]
	}
	return out
}

func average(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prices))))
}
