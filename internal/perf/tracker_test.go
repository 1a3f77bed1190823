package perf

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	"trading_engine/pkg/logging"
)

func snapshot(version uint64, realized int64, qty, avgCost, mark int64) core.PortfolioSnapshot {
	snap := core.PortfolioSnapshot{
		Version:     version,
		RealizedPnL: decimal.NewFromInt(realized),
		Positions:   map[string]core.Position{},
		LastPrice:   map[string]decimal.Decimal{},
	}
	if qty != 0 {
		snap.Positions["BTCUSDT"] = core.Position{
			Instrument: "BTCUSDT",
			Quantity:   decimal.NewFromInt(qty),
			AvgCost:    decimal.NewFromInt(avgCost),
		}
		snap.LastPrice["BTCUSDT"] = decimal.NewFromInt(mark)
		snap.GrossExposure = decimal.NewFromInt(qty).Mul(decimal.NewFromInt(mark)).Abs()
	}
	return snap
}

func TestUnrealizedPnLFromMarks(t *testing.T) {
	tr := NewTracker(logging.Nop())

	tr.OnSnapshot(snapshot(1, 0, 10, 100, 110))

	m := tr.Metrics()
	assert.True(t, m.UnrealizedPnL.Equal(decimal.NewFromInt(100)), "(110-100)*10, got %s", m.UnrealizedPnL)
	assert.True(t, m.Equity.Equal(decimal.NewFromInt(100)))
	assert.True(t, m.GrossExposure.Equal(decimal.NewFromInt(1100)))
}

func TestShortPositionUnrealizedPnL(t *testing.T) {
	tr := NewTracker(logging.Nop())

	tr.OnSnapshot(snapshot(1, 0, -5, 100, 90))

	m := tr.Metrics()
	assert.True(t, m.UnrealizedPnL.Equal(decimal.NewFromInt(50)), "(90-100)*-5, got %s", m.UnrealizedPnL)
}

func TestDrawdownTracksPeakEquity(t *testing.T) {
	tr := NewTracker(logging.Nop())

	tr.OnSnapshot(snapshot(1, 100, 0, 0, 0))
	tr.OnSnapshot(snapshot(2, 300, 0, 0, 0))
	tr.OnSnapshot(snapshot(3, 150, 0, 0, 0))

	m := tr.Metrics()
	assert.True(t, m.PeakEquity.Equal(decimal.NewFromInt(300)))
	assert.True(t, m.Drawdown.Equal(decimal.NewFromInt(150)))
	assert.True(t, m.MaxDrawdown.Equal(decimal.NewFromInt(150)))

	// Recovery shrinks the current drawdown but not the max.
	tr.OnSnapshot(snapshot(4, 250, 0, 0, 0))
	m = tr.Metrics()
	assert.True(t, m.Drawdown.Equal(decimal.NewFromInt(50)))
	assert.True(t, m.MaxDrawdown.Equal(decimal.NewFromInt(150)))
}

func TestTerminalOrderCounts(t *testing.T) {
	tr := NewTracker(logging.Nop())

	tr.OnOrderTerminal(core.Order{State: core.OrderFilled})
	tr.OnOrderTerminal(core.Order{State: core.OrderFilled})
	tr.OnOrderTerminal(core.Order{State: core.OrderRejected})
	tr.OnOrderTerminal(core.Order{State: core.OrderCancelled})
	tr.OnOrderTerminal(core.Order{State: core.OrderSubmissionFailed})

	m := tr.Metrics()
	assert.Equal(t, 2, m.OrdersFilled)
	assert.Equal(t, 1, m.OrdersRejected)
	assert.Equal(t, 1, m.OrdersCancelled)
	assert.Equal(t, 1, m.OrdersFailed)
}

func TestReplayIsDeterministic(t *testing.T) {
	snapshots := []core.PortfolioSnapshot{
		snapshot(1, 0, 10, 100, 105),
		snapshot(2, 50, 10, 100, 95),
		snapshot(3, 120, 0, 0, 0),
	}

	first := NewTracker(logging.Nop())
	second := NewTracker(logging.Nop())
	for _, snap := range snapshots {
		first.OnSnapshot(snap)
	}
	for _, snap := range snapshots {
		second.OnSnapshot(snap)
	}

	a, b := first.Metrics(), second.Metrics()
	assert.True(t, a.RealizedPnL.Equal(b.RealizedPnL))
	assert.True(t, a.UnrealizedPnL.Equal(b.UnrealizedPnL))
	assert.True(t, a.MaxDrawdown.Equal(b.MaxDrawdown))
	assert.True(t, a.PeakEquity.Equal(b.PeakEquity))
	require.Len(t, b.Exposure, len(a.Exposure))
	for i := range a.Exposure {
		assert.Equal(t, a.Exposure[i].Version, b.Exposure[i].Version)
		assert.True(t, a.Exposure[i].GrossExposure.Equal(b.Exposure[i].GrossExposure))
	}
}

func TestExposureSeriesCapped(t *testing.T) {
	tr := NewTracker(logging.Nop())
	for i := 0; i < maxExposurePoints+10; i++ {
		tr.OnSnapshot(snapshot(uint64(i+1), 0, 0, 0, 0))
	}
	m := tr.Metrics()
	assert.Len(t, m.Exposure, maxExposurePoints)
	assert.Equal(t, uint64(11), m.Exposure[0].Version, "oldest points are dropped")
}
