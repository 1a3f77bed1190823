package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/config"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/logging"
)

type stubBroker struct {
	mu       sync.Mutex
	attempts int
	submitFn func(*core.Order) (string, error)
	cancelFn func(string) error
	fills    chan core.BrokerFill
}

func newStubBroker(submitFn func(*core.Order) (string, error)) *stubBroker {
	return &stubBroker{
		submitFn: submitFn,
		fills:    make(chan core.BrokerFill, 16),
	}
}

func (b *stubBroker) Submit(_ context.Context, o *core.Order) (string, error) {
	b.mu.Lock()
	b.attempts++
	b.mu.Unlock()
	return b.submitFn(o)
}

func (b *stubBroker) Cancel(_ context.Context, brokerOrderID string) error {
	if b.cancelFn != nil {
		return b.cancelFn(brokerOrderID)
	}
	return nil
}

func (b *stubBroker) Fills() <-chan core.BrokerFill { return b.fills }

func (b *stubBroker) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

type recordingApplier struct {
	mu    sync.Mutex
	fills []core.Fill
}

func (a *recordingApplier) ApplyFill(_ context.Context, fill core.Fill) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fills = append(a.fills, fill)
	return nil
}

func (a *recordingApplier) applied() []core.Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Fill, len(a.fills))
	copy(out, a.fills)
	return out
}

type captureReporter struct {
	mu      sync.Mutex
	reports []core.Report
}

func (r *captureReporter) Report(rep core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *captureReporter) countKind(kind core.ReportKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.Kind == kind {
			n++
		}
	}
	return n
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxAttempts: 3,
		BaseDelayMs: 1,
		MaxDelayMs:  5,
		RateLimit:   1000,
		RateBurst:   1000,
		FillGraceMs: 20,
	}
}

func testIntent(id string) core.OrderIntent {
	return core.OrderIntent{
		ID:         id,
		StrategyID: "strat-1",
		Instrument: "BTCUSDT",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: decimal.NewFromInt(100),
		CreatedAt:  time.Now(),
	}
}

func TestSubmitAcknowledgesOrder(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	require.NoError(t, c.Submit(context.Background(), testIntent("i-1")))

	order, ok := c.Order("i-1")
	require.True(t, ok)
	assert.Equal(t, core.OrderAcknowledged, order.State)
	assert.Equal(t, "bo-1", order.BrokerOrderID)
	assert.Equal(t, 1, broker.attemptCount())
	assert.Equal(t, 1, c.LiveOrders())
}

func TestSubmitRetriesConnectivityFailures(t *testing.T) {
	calls := 0
	broker := newStubBroker(nil)
	broker.submitFn = func(*core.Order) (string, error) {
		calls++
		if calls < 3 {
			return "", apperrors.ErrBrokerUnavailable
		}
		return "bo-1", nil
	}
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	require.NoError(t, c.Submit(context.Background(), testIntent("i-1")))
	assert.Equal(t, 3, calls)

	order, _ := c.Order("i-1")
	assert.Equal(t, core.OrderAcknowledged, order.State)
}

func TestSubmitExhaustedRetriesSurfaceAsSubmissionFailed(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) {
		return "", apperrors.ErrBrokerUnavailable
	})
	reporter := &captureReporter{}
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, reporter, logging.Nop())

	var terminal []core.Order
	c.OnTerminal(func(o core.Order) { terminal = append(terminal, o) })

	err := c.Submit(context.Background(), testIntent("i-1"))
	require.Error(t, err)
	assert.Equal(t, 3, broker.attemptCount(), "bounded retry count")

	order, _ := c.Order("i-1")
	assert.Equal(t, core.OrderSubmissionFailed, order.State)
	assert.Equal(t, 1, reporter.countKind(core.ReportSubmissionFailed))
	require.Len(t, terminal, 1)
	assert.Equal(t, core.OrderSubmissionFailed, terminal[0].State)
}

func TestBrokerRejectionIsNotRetried(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) {
		return "", apperrors.ErrSubmissionRejected
	})
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	err := c.Submit(context.Background(), testIntent("i-1"))
	require.ErrorIs(t, err, apperrors.ErrSubmissionRejected)
	assert.Equal(t, 1, broker.attemptCount())

	order, _ := c.Order("i-1")
	assert.Equal(t, core.OrderRejected, order.State)
}

func TestDuplicateIntentRejected(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	require.NoError(t, c.Submit(context.Background(), testIntent("i-1")))
	err := c.Submit(context.Background(), testIntent("i-1"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateIntent)
}

func TestFillsDriveOrderStateMachine(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	applier := &recordingApplier{}
	c := NewCoordinator(testExecConfig(), broker, applier, &captureReporter{}, logging.Nop())

	var terminalMu sync.Mutex
	var terminal []core.Order
	c.OnTerminal(func(o core.Order) {
		terminalMu.Lock()
		terminal = append(terminal, o)
		terminalMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, c.Submit(ctx, testIntent("i-1")))

	// Sequence 2 first: it must be buffered until sequence 1 arrives.
	broker.fills <- core.BrokerFill{BrokerOrderID: "bo-1", Sequence: 2, Quantity: decimal.NewFromInt(6), Price: decimal.NewFromInt(102), Time: time.Now()}
	broker.fills <- core.BrokerFill{BrokerOrderID: "bo-1", Sequence: 1, Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(100), Time: time.Now()}

	require.Eventually(t, func() bool {
		order, _ := c.Order("i-1")
		return order.State == core.OrderFilled
	}, time.Second, 5*time.Millisecond)

	order, _ := c.Order("i-1")
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(10)))
	// avg = (4*100 + 6*102) / 10
	assert.True(t, order.AvgFillPrice.Equal(decimal.RequireFromString("101.2")), "got %s", order.AvgFillPrice)

	fills := applier.applied()
	require.Len(t, fills, 2)
	assert.Equal(t, int64(1), fills[0].Sequence, "ledger receives fills in sequence order")
	assert.Equal(t, int64(2), fills[1].Sequence)
	assert.Equal(t, "strat-1", fills[0].StrategyID, "fills are attributed before reaching the ledger")
	assert.Equal(t, "i-1", fills[0].IntentID)

	terminalMu.Lock()
	defer terminalMu.Unlock()
	require.Len(t, terminal, 1)
	assert.Equal(t, core.OrderFilled, terminal[0].State)
	assert.Equal(t, 0, c.LiveOrders())
}

func TestPartialFillKeepsOrderLive(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, c.Submit(ctx, testIntent("i-1")))
	broker.fills <- core.BrokerFill{BrokerOrderID: "bo-1", Sequence: 1, Quantity: decimal.NewFromInt(3), Price: decimal.NewFromInt(100), Time: time.Now()}

	require.Eventually(t, func() bool {
		order, _ := c.Order("i-1")
		return order.State == core.OrderPartiallyFilled
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.LiveOrders())
}

func TestFillArrivingBeforeSubmitReturnsIsApplied(t *testing.T) {
	// A synchronously matched order: the broker pushes the first fill onto
	// its asynchronous channel before Submit has returned the order id.
	broker := newStubBroker(nil)
	broker.submitFn = func(*core.Order) (string, error) {
		broker.fills <- core.BrokerFill{
			BrokerOrderID: "bo-1",
			Sequence:      1,
			Quantity:      decimal.NewFromInt(10),
			Price:         decimal.NewFromInt(100),
			Time:          time.Now(),
		}
		time.Sleep(10 * time.Millisecond) // let Run consume the fill first
		return "bo-1", nil
	}
	applier := &recordingApplier{}
	reporter := &captureReporter{}
	c := NewCoordinator(testExecConfig(), broker, applier, reporter, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, c.Submit(ctx, testIntent("i-1")))

	require.Eventually(t, func() bool {
		order, _ := c.Order("i-1")
		return order.State == core.OrderFilled
	}, time.Second, 5*time.Millisecond)

	order, _ := c.Order("i-1")
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(10)), "got %s", order.FilledQuantity)
	assert.False(t, c.Halted(), "racing fill must not latch the consistency halt")
	assert.Equal(t, 0, reporter.countKind(core.ReportFillConsistency))
	require.Len(t, applier.applied(), 1)
	assert.Equal(t, "i-1", applier.applied()[0].IntentID)
}

func TestUnknownFillIsFatalConsistencyError(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	reporter := &captureReporter{}
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, reporter, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	broker.fills <- core.BrokerFill{BrokerOrderID: "ghost", Sequence: 1, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Time: time.Now()}

	require.Eventually(t, func() bool { return c.Halted() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reporter.countKind(core.ReportFillConsistency))

	err := c.Submit(ctx, testIntent("i-2"))
	assert.ErrorIs(t, err, apperrors.ErrEngineHalted)
}

func TestCancelAwaitsBrokerConfirmation(t *testing.T) {
	broker := newStubBroker(func(*core.Order) (string, error) { return "bo-1", nil })
	cancelErr := errors.New("exchange busy")
	confirmed := false
	broker.cancelFn = func(string) error {
		if !confirmed {
			confirmed = true
			return cancelErr
		}
		return nil
	}
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, testIntent("i-1")))

	// Broker refused: the order stays live.
	err := c.Cancel(ctx, "i-1")
	require.ErrorIs(t, err, cancelErr)
	order, _ := c.Order("i-1")
	assert.Equal(t, core.OrderAcknowledged, order.State)

	// Broker accepted: that is the authoritative confirmation.
	require.NoError(t, c.Cancel(ctx, "i-1"))
	order, _ = c.Order("i-1")
	assert.Equal(t, core.OrderCancelled, order.State)

	// Idempotent once terminal.
	require.NoError(t, c.Cancel(ctx, "i-1"))
}

func TestCancelAllOnShutdown(t *testing.T) {
	broker := newStubBroker(func(o *core.Order) (string, error) { return "bo-" + o.IntentID, nil })
	c := NewCoordinator(testExecConfig(), broker, &recordingApplier{}, &captureReporter{}, logging.Nop())

	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, testIntent("i-1")))
	require.NoError(t, c.Submit(ctx, testIntent("i-2")))
	require.Equal(t, 2, c.LiveOrders())

	c.CancelAll(ctx)
	assert.Equal(t, 0, c.LiveOrders())
}
