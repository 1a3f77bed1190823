package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
)

// SimBroker implements core.IBroker with an in-memory matching stub.
// Accepted orders fill at the submitted price (or the configured mark
// price for market orders) after a short simulated latency.
type SimBroker struct {
	orderIDCounter int64
	fillSeq        map[string]int64

	orders map[string]*core.Order
	marks  map[string]decimal.Decimal
	mu     sync.RWMutex

	fills chan core.BrokerFill

	fillLatency time.Duration
	partialLots int

	// Overrides for fault injection.
	submitErr func(order *core.Order) error
	cancelErr func(brokerOrderID string) error
	autoFill  bool
}

func NewSimBroker() *SimBroker {
	return &SimBroker{
		orderIDCounter: 1000,
		fillSeq:        make(map[string]int64),
		orders:         make(map[string]*core.Order),
		marks:          make(map[string]decimal.Decimal),
		fills:          make(chan core.BrokerFill, 256),
		fillLatency:    5 * time.Millisecond,
		partialLots:    1,
		autoFill:       true,
	}
}

// SetMarkPrice sets the price market orders fill at for an instrument.
func (b *SimBroker) SetMarkPrice(instrument string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[instrument] = price
}

// SetSubmitError injects a submission failure. A nil fn restores normal behavior.
func (b *SimBroker) SetSubmitError(fn func(order *core.Order) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = fn
}

// SetCancelError injects a cancellation failure.
func (b *SimBroker) SetCancelError(fn func(brokerOrderID string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = fn
}

// SetPartialLots splits each fill into n sequenced partial fills.
func (b *SimBroker) SetPartialLots(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		n = 1
	}
	b.partialLots = n
}

// SetAutoFill disables or enables automatic filling of accepted orders.
// With auto fill off, use EmitFill to drive fills by hand.
func (b *SimBroker) SetAutoFill(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = enabled
}

func (b *SimBroker) Submit(ctx context.Context, order *core.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	if b.submitErr != nil {
		if err := b.submitErr(order); err != nil {
			b.mu.Unlock()
			return "", err
		}
	}
	brokerID := fmt.Sprintf("sim-%d", atomic.AddInt64(&b.orderIDCounter, 1))
	accepted := *order
	accepted.BrokerOrderID = brokerID
	b.orders[brokerID] = &accepted
	price := accepted.LimitPrice
	if accepted.Type == core.OrderTypeMarket {
		price = b.marks[accepted.Instrument]
	}
	autoFill := b.autoFill
	lots := b.partialLots
	latency := b.fillLatency
	b.mu.Unlock()

	if autoFill {
		go b.fill(brokerID, accepted.Quantity, price, lots, latency)
	}
	return brokerID, nil
}

func (b *SimBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		if err := b.cancelErr(brokerOrderID); err != nil {
			return err
		}
	}
	if _, ok := b.orders[brokerOrderID]; !ok {
		return apperrors.ErrUnknownOrder
	}
	delete(b.orders, brokerOrderID)
	return nil
}

func (b *SimBroker) Fills() <-chan core.BrokerFill {
	return b.fills
}

// EmitFill pushes a fill with the next sequence number for the order.
func (b *SimBroker) EmitFill(brokerOrderID string, qty, price decimal.Decimal) {
	b.mu.Lock()
	b.fillSeq[brokerOrderID]++
	seq := b.fillSeq[brokerOrderID]
	b.mu.Unlock()
	b.fills <- core.BrokerFill{
		BrokerOrderID: brokerOrderID,
		Sequence:      seq,
		Quantity:      qty,
		Price:         price,
		Time:          time.Now(),
	}
}

func (b *SimBroker) fill(brokerOrderID string, qty, price decimal.Decimal, lots int, latency time.Duration) {
	time.Sleep(latency)
	b.mu.RLock()
	_, live := b.orders[brokerOrderID]
	b.mu.RUnlock()
	if !live {
		return
	}
	lot := qty.Div(decimal.NewFromInt(int64(lots)))
	remaining := qty
	for i := 0; i < lots; i++ {
		size := lot
		if i == lots-1 {
			size = remaining
		}
		remaining = remaining.Sub(size)
		b.EmitFill(brokerOrderID, size, price)
	}
	b.mu.Lock()
	delete(b.orders, brokerOrderID)
	b.mu.Unlock()
}
